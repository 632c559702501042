// Package protocol encodes and decodes the EOT/ENQ framed wire protocol.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

const (
	// EOT is the End of Transmission character used for message framing
	EOT byte = 0x04

	// ENQ is the Enquiry character used for parameter delimiter
	ENQ byte = 0x05

	// PROTOCOL_VERSION is the current wire protocol version
	PROTOCOL_VERSION = 2
)

// Codec handles encoding and decoding of protocol messages
type Codec interface {
	// Encode encodes a command with optional parameters into wire format
	Encode(command string, params []string) []byte

	// Decode parses a raw message into a Response
	Decode(data []byte) (*Response, error)

	// EncodeVersionHandshake creates the protocol version message
	EncodeVersionHandshake() []byte

	// DecodeVersionResponse parses the server's version response and returns
	// the server version it announced
	DecodeVersionResponse(data []byte) (string, error)
}

// Response represents a decoded protocol response
type Response struct {
	Data       json.RawMessage        `json:"data,omitempty"`
	Success    bool                   `json:"success"`
	StatusCode int                    `json:"statusCode,omitempty"`
	ActivityID string                 `json:"activityId,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Code       ErrorCode              `json:"code,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// FrameCodec implements Codec
type FrameCodec struct {
	bufferPool sync.Pool
}

// NewCodec creates a new protocol codec
func NewCodec() Codec {
	return &FrameCodec{
		bufferPool: sync.Pool{
			New: func() interface{} {
				return new(bytes.Buffer)
			},
		},
	}
}

// Encode encodes a command with optional parameters
func (c *FrameCodec) Encode(command string, params []string) []byte {
	buf := c.bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer c.bufferPool.Put(buf)

	buf.WriteString(command)
	for _, param := range params {
		buf.WriteByte(ENQ)
		buf.WriteString(escapeParameter(param))
	}
	buf.WriteByte(EOT)

	// Return a copy since we're reusing the buffer
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result
}

// escapeParameter doubles EOT and ENQ characters in parameter values
func escapeParameter(param string) string {
	if strings.IndexByte(param, EOT) < 0 && strings.IndexByte(param, ENQ) < 0 {
		return param
	}

	var buf bytes.Buffer
	buf.Grow(len(param) + 10)
	for i := 0; i < len(param); i++ {
		b := param[i]
		if b == EOT || b == ENQ {
			buf.WriteByte(b)
		}
		buf.WriteByte(b)
	}
	return buf.String()
}

// DecodeCommand splits a framed request back into its command and parameters.
// It is the inverse of Encode and is used by servers.
func DecodeCommand(data []byte) (string, []string, error) {
	if len(data) == 0 {
		return "", nil, fmt.Errorf("empty request data")
	}
	if data[len(data)-1] == EOT {
		data = data[:len(data)-1]
	}

	var (
		parts []string
		cur   bytes.Buffer
	)
	for i := 0; i < len(data); i++ {
		b := data[i]
		if b == ENQ || b == EOT {
			if i+1 < len(data) && data[i+1] == b {
				cur.WriteByte(b)
				i++
				continue
			}
			if b == EOT {
				return "", nil, fmt.Errorf("unescaped EOT at offset %d", i)
			}
			parts = append(parts, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteByte(b)
	}
	parts = append(parts, cur.String())

	return parts[0], parts[1:], nil
}

// Decode parses a raw message into a Response
func (c *FrameCodec) Decode(data []byte) (*Response, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty response data")
	}

	if data[len(data)-1] == EOT {
		data = data[:len(data)-1]
	}

	var response Response
	if err := json.Unmarshal(data, &response); err != nil {
		// Plain text is a valid status line (welcome banners and the like)
		return &Response{
			Success: true,
			Message: string(data),
		}, nil
	}

	return &response, nil
}

// EncodeResponse frames a response for the wire. Used by servers.
func EncodeResponse(resp *Response) ([]byte, error) {
	body, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return append(body, EOT), nil
}

// EncodeVersionHandshake creates the protocol version message
func (c *FrameCodec) EncodeVersionHandshake() []byte {
	return []byte(fmt.Sprintf("PROTOCOL_VERSION %d%c", PROTOCOL_VERSION, EOT))
}

// DecodeVersionResponse parses the server's version response
func (c *FrameCodec) DecodeVersionResponse(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("empty version response")
	}

	if data[len(data)-1] == EOT {
		data = data[:len(data)-1]
	}

	msg := string(data)

	// Expected format: "PROTOCOL_OK 2.1.0"
	if rest, ok := strings.CutPrefix(msg, "PROTOCOL_OK"); ok {
		return strings.TrimSpace(rest), nil
	}

	// Expected format: "PROTOCOL_ERROR unsupported_version"
	if rest, ok := strings.CutPrefix(msg, "PROTOCOL_ERROR"); ok {
		return "", &ProtocolVersionError{
			Message: strings.TrimSpace(rest),
		}
	}

	return "", fmt.Errorf("unexpected version response: %s", msg)
}

// ProtocolVersionError indicates a protocol version mismatch
type ProtocolVersionError struct {
	Message string
}

func (e *ProtocolVersionError) Error() string {
	return fmt.Sprintf("protocol version mismatch: %s", e.Message)
}
