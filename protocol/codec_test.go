package protocol

import (
	"testing"
)

func TestCodecEncode(t *testing.T) {
	codec := NewCodec()

	tests := []struct {
		name     string
		command  string
		params   []string
		expected string
	}{
		{
			name:     "bare command",
			command:  "PING",
			params:   nil,
			expected: "PING\x04",
		},
		{
			name:     "command with one parameter",
			command:  "EXECUTE_PROCEDURE",
			params:   []string{`{"procedure":"bulkUpload"}`},
			expected: "EXECUTE_PROCEDURE\x05{\"procedure\":\"bulkUpload\"}\x04",
		},
		{
			name:     "command with multiple parameters",
			command:  "CONNECT",
			params:   []string{"a", "b", "c"},
			expected: "CONNECT\x05a\x05b\x05c\x04",
		},
		{
			name:     "parameter with EOT needs escaping",
			command:  "CONNECT",
			params:   []string{"key\x04with\x04eot"},
			expected: "CONNECT\x05key\x04\x04with\x04\x04eot\x04",
		},
		{
			name:     "parameter with ENQ needs escaping",
			command:  "CONNECT",
			params:   []string{"key\x05with\x05enq"},
			expected: "CONNECT\x05key\x05\x05with\x05\x05enq\x04",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := codec.Encode(tt.command, tt.params)
			if string(result) != tt.expected {
				t.Errorf("Encode() = %q, want %q", string(result), tt.expected)
			}
		})
	}
}

func TestDecodeCommand(t *testing.T) {
	codec := NewCodec()

	tests := []struct {
		name    string
		command string
		params  []string
	}{
		{name: "no parameters", command: "PING"},
		{name: "one parameter", command: "EXECUTE_PROCEDURE", params: []string{`{"args":[]}`}},
		{name: "escaped delimiters", command: "CONNECT", params: []string{"x\x05y", "z\x04w"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, params, err := DecodeCommand(codec.Encode(tt.command, tt.params))
			if err != nil {
				t.Fatalf("DecodeCommand() error = %v", err)
			}
			if cmd != tt.command {
				t.Errorf("command = %q, want %q", cmd, tt.command)
			}
			if len(params) != len(tt.params) {
				t.Fatalf("got %d params, want %d", len(params), len(tt.params))
			}
			for i := range params {
				if params[i] != tt.params[i] {
					t.Errorf("param %d = %q, want %q", i, params[i], tt.params[i])
				}
			}
		})
	}

	if _, _, err := DecodeCommand(nil); err == nil {
		t.Error("DecodeCommand(nil) error = nil, want error")
	}
}

func TestCodecDecode(t *testing.T) {
	codec := NewCodec()

	tests := []struct {
		name        string
		input       []byte
		wantSuccess bool
		wantStatus  int
		wantMessage string
	}{
		{
			name:        "procedure response with data",
			input:       []byte(`{"success":true,"statusCode":200,"data":"250"}`),
			wantSuccess: true,
			wantStatus:  200,
		},
		{
			name:        "JSON response with error",
			input:       []byte(`{"success":false,"statusCode":404,"error":"procedure not found"}`),
			wantSuccess: false,
			wantStatus:  404,
		},
		{
			name:        "plain text response",
			input:       []byte(`S0001:: Welcome to SyndrDB`),
			wantSuccess: true,
			wantMessage: "S0001:: Welcome to SyndrDB",
		},
		{
			name:        "response with trailing EOT",
			input:       []byte("OK\x04"),
			wantSuccess: true,
			wantMessage: "OK",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := codec.Decode(tt.input)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if resp.Success != tt.wantSuccess {
				t.Errorf("Decode() success = %v, want %v", resp.Success, tt.wantSuccess)
			}
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("Decode() statusCode = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantMessage != "" && resp.Message != tt.wantMessage {
				t.Errorf("Decode() message = %q, want %q", resp.Message, tt.wantMessage)
			}
		})
	}
}

func TestVersionHandshake(t *testing.T) {
	codec := NewCodec()

	encoded := codec.EncodeVersionHandshake()
	expected := "PROTOCOL_VERSION 2\x04"
	if string(encoded) != expected {
		t.Errorf("EncodeVersionHandshake() = %q, want %q", string(encoded), expected)
	}

	t.Run("successful version response", func(t *testing.T) {
		version, err := codec.DecodeVersionResponse([]byte("PROTOCOL_OK 2.1.0\x04"))
		if err != nil {
			t.Fatalf("DecodeVersionResponse() error = %v, want nil", err)
		}
		if version != "2.1.0" {
			t.Errorf("DecodeVersionResponse() version = %q, want 2.1.0", version)
		}
	})

	t.Run("version mismatch", func(t *testing.T) {
		_, err := codec.DecodeVersionResponse([]byte("PROTOCOL_ERROR unsupported_version\x04"))
		if err == nil {
			t.Fatal("DecodeVersionResponse() error = nil, want error")
		}
		if _, ok := err.(*ProtocolVersionError); !ok {
			t.Errorf("DecodeVersionResponse() error type = %T, want *ProtocolVersionError", err)
		}
	})
}

func TestEscapeParameter(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "no escaping needed",
			input:    "normal text",
			expected: "normal text",
		},
		{
			name:     "escape EOT",
			input:    "text\x04with\x04eot",
			expected: "text\x04\x04with\x04\x04eot",
		},
		{
			name:     "escape ENQ",
			input:    "text\x05with\x05enq",
			expected: "text\x05\x05with\x05\x05enq",
		},
		{
			name:     "escape both",
			input:    "\x04\x05mixed\x04\x05",
			expected: "\x04\x04\x05\x05mixed\x04\x04\x05\x05",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := escapeParameter(tt.input)
			if result != tt.expected {
				t.Errorf("escapeParameter() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func BenchmarkCodecEncode(b *testing.B) {
	codec := NewCodec()
	params := []string{`{"database":"ImportDatabase","container":"FoodCollection","procedure":"bulkDelete","partitionKey":"Energy Bars","args":["SELECT * FROM foods f"]}`}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		codec.Encode(CommandExecuteProcedure, params)
	}
}

func BenchmarkCodecDecode(b *testing.B) {
	codec := NewCodec()
	data := []byte(`{"success":true,"statusCode":200,"data":{"deleted":100,"continuation":true}}`)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		codec.Decode(data)
	}
}
