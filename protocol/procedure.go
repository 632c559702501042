package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Commands understood by a procedure-capable server.
const (
	CommandConnect          = "CONNECT"
	CommandExecuteProcedure = "EXECUTE_PROCEDURE"
	CommandPing             = "PING"
)

// SupportedServerVersions is the range of server versions this codec can talk to.
const SupportedServerVersions = ">= 2.0.0, < 3.0.0"

// ConnectRequest is the parameter of a CONNECT command.
type ConnectRequest struct {
	Key         string `json:"key,omitempty"`
	Consistency string `json:"consistency,omitempty"`
	Client      string `json:"client,omitempty"`
}

// ProcedureCall addresses a stored procedure inside a container and carries its
// arguments. Args are pre-encoded so the server can decode them into its own types.
type ProcedureCall struct {
	Database     string            `json:"database"`
	Container    string            `json:"container"`
	Procedure    string            `json:"procedure"`
	PartitionKey string            `json:"partitionKey"`
	Args         []json.RawMessage `json:"args"`
	ActivityID   string            `json:"activityId,omitempty"`
}

// EncodeConnect encodes a CONNECT command.
func EncodeConnect(c Codec, req ConnectRequest) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode connect request: %w", err)
	}
	return c.Encode(CommandConnect, []string{string(body)}), nil
}

// EncodeProcedureCall encodes an EXECUTE_PROCEDURE command.
func EncodeProcedureCall(c Codec, call ProcedureCall) ([]byte, error) {
	if call.Procedure == "" {
		return nil, fmt.Errorf("procedure name is required")
	}
	body, err := json.Marshal(call)
	if err != nil {
		return nil, fmt.Errorf("encode procedure call %s: %w", call.Procedure, err)
	}
	return c.Encode(CommandExecuteProcedure, []string{string(body)}), nil
}

// DecodeProcedureCall parses the single parameter of an EXECUTE_PROCEDURE command.
func DecodeProcedureCall(params []string) (*ProcedureCall, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("%s expects 1 parameter, got %d", CommandExecuteProcedure, len(params))
	}
	var call ProcedureCall
	if err := json.Unmarshal([]byte(params[0]), &call); err != nil {
		return nil, fmt.Errorf("decode procedure call: %w", err)
	}
	if call.Procedure == "" {
		return nil, fmt.Errorf("procedure name is required")
	}
	return &call, nil
}

// CheckServerVersion reports whether the version a server announced during the
// handshake falls inside SupportedServerVersions.
func CheckServerVersion(version string) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return ProtocolVersionMismatchError("unparseable server version", map[string]interface{}{
			"version": version,
		})
	}
	constraint, err := semver.NewConstraint(SupportedServerVersions)
	if err != nil {
		return err
	}
	if !constraint.Check(v) {
		return ProtocolVersionMismatchError("unsupported server version", map[string]interface{}{
			"version":   v.String(),
			"supported": SupportedServerVersions,
		})
	}
	return nil
}
