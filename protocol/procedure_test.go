package protocol

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcedureCall_RoundTrip(t *testing.T) {
	codec := NewCodec()
	call := ProcedureCall{
		Database:     "ImportDatabase",
		Container:    "FoodCollection",
		Procedure:    "bulkDelete",
		PartitionKey: "Energy Bars",
		Args:         []json.RawMessage{json.RawMessage(`"SELECT * FROM foods f WHERE f.foodGroup = 'Energy Bars'"`)},
		ActivityID:   "01J00000000000000000000000",
	}

	data, err := EncodeProcedureCall(codec, call)
	require.NoError(t, err)

	cmd, params, err := DecodeCommand(data)
	require.NoError(t, err)
	assert.Equal(t, CommandExecuteProcedure, cmd)

	got, err := DecodeProcedureCall(params)
	require.NoError(t, err)
	assert.Equal(t, call, *got)
}

func TestEncodeProcedureCall_RequiresName(t *testing.T) {
	_, err := EncodeProcedureCall(NewCodec(), ProcedureCall{})
	require.Error(t, err)
}

func TestDecodeProcedureCall_Errors(t *testing.T) {
	tests := []struct {
		name   string
		params []string
	}{
		{name: "no params", params: nil},
		{name: "too many params", params: []string{"{}", "{}"}},
		{name: "not json", params: []string{"bulkUpload"}},
		{name: "missing procedure", params: []string{`{"database":"db"}`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeProcedureCall(tt.params)
			require.Error(t, err)
		})
	}
}

func TestCheckServerVersion(t *testing.T) {
	tests := []struct {
		version string
		wantErr bool
	}{
		{version: "2", wantErr: false},
		{version: "2.0.0", wantErr: false},
		{version: "2.7.1", wantErr: false},
		{version: "1.9.0", wantErr: true},
		{version: "3.0.0", wantErr: true},
		{version: "not-a-version", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			err := CheckServerVersion(tt.version)
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			var te *TransportError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, ErrorCodeProtocolVersionMismatch, te.Code)
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(TimeoutError("slow", nil)))
	assert.True(t, IsRetryable(fmt.Errorf("round 3: %w", NewTransportError(ErrorCodeThrottled, "429", nil))))
	assert.False(t, IsRetryable(ConnectionError("refused", nil)))
	assert.False(t, IsRetryable(fmt.Errorf("plain")))
	assert.False(t, IsRetryable(nil))
}
