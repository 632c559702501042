package client

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-strohschein/syndrdb-bulkload/protocol"
	"github.com/dan-strohschein/syndrdb-bulkload/transport/mock"
)

func frame(t *testing.T, resp *protocol.Response) []byte {
	t.Helper()
	b, err := protocol.EncodeResponse(resp)
	require.NoError(t, err)
	return b
}

func handshakeReplies(t *testing.T, version string) [][]byte {
	return [][]byte{
		[]byte("PROTOCOL_OK " + version + "\x04"),
		frame(t, &protocol.Response{Success: true, Message: "S0001"}),
	}
}

// connected returns a client that has completed the handshake over m. The
// replies are queued after the handshake replies.
func connected(t *testing.T, replies ...[]byte) (*Client, *mock.MockTransport) {
	t.Helper()
	m := mock.NewMockTransport().WithResponses(append(handshakeReplies(t, "2.1.0"), replies...)...)
	c := New(m, Options{Key: "secret", Consistency: "eventual"})
	require.NoError(t, c.Connect(context.Background()))
	return c, m
}

func TestConnect_Handshake(t *testing.T) {
	c, m := connected(t)

	assert.Equal(t, CONNECTED, c.GetState())
	assert.Equal(t, "2.1.0", c.ServerVersion())

	history := m.GetHistory()
	require.Len(t, history, 2)
	assert.Equal(t, "PROTOCOL_VERSION 2\x04", string(history[0]))

	cmd, params, err := protocol.DecodeCommand(history[1])
	require.NoError(t, err)
	assert.Equal(t, protocol.CommandConnect, cmd)
	require.Len(t, params, 1)

	var req protocol.ConnectRequest
	require.NoError(t, json.Unmarshal([]byte(params[0]), &req))
	assert.Equal(t, "secret", req.Key)
	assert.Equal(t, ConsistencyEventual, req.Consistency)
	assert.Equal(t, "bulkload/"+Version, req.Client)
}

func TestConnect_Failures(t *testing.T) {
	tests := []struct {
		name     string
		replies  [][]byte
		wantCode string
	}{
		{
			name:     "unsupported server version",
			replies:  [][]byte{[]byte("PROTOCOL_OK 3.0.0\x04")},
			wantCode: "VERSION_UNSUPPORTED",
		},
		{
			name:     "protocol rejected",
			replies:  [][]byte{[]byte("PROTOCOL_ERROR unsupported_version\x04")},
			wantCode: "HANDSHAKE_FAILED",
		},
		{
			name: "bad key",
			replies: [][]byte{
				[]byte("PROTOCOL_OK 2.0.0\x04"),
				[]byte(`{"success":false,"statusCode":401,"error":"invalid key"}` + "\x04"),
			},
			wantCode: "AUTH_FAILED",
		},
		{
			name:     "no reply",
			replies:  nil,
			wantCode: "HANDSHAKE_FAILED",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := mock.NewMockTransport().WithResponses(tt.replies...)
			c := New(m, Options{})

			var transitions []StateTransition
			c.OnStateChange(func(tr StateTransition) { transitions = append(transitions, tr) })

			err := c.Connect(context.Background())
			var ce *ConnectionError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.wantCode, ce.Code)
			assert.Equal(t, DISCONNECTED, c.GetState())

			require.Len(t, transitions, 2)
			assert.Equal(t, "handshake_failed", transitions[1].Reason)
			assert.Equal(t, err, transitions[1].Error)
		})
	}
}

func TestConnect_NoTransport(t *testing.T) {
	c := New(nil, Options{})
	var ce *ConnectionError
	require.ErrorAs(t, c.Connect(context.Background()), &ce)
	assert.Equal(t, "NO_TRANSPORT", ce.Code)
}

func TestConnect_Twice(t *testing.T) {
	c, _ := connected(t)
	assert.Error(t, c.Connect(context.Background()))
	assert.Equal(t, CONNECTED, c.GetState())
}

func TestExecuteProcedure_Success(t *testing.T) {
	c, m := connected(t, frame(t, &protocol.Response{
		Success:    true,
		StatusCode: 200,
		Data:       json.RawMessage(`"250"`),
	}))

	items := []map[string]string{{"id": "a"}, {"id": "b"}}
	resp, err := c.Container("ImportDatabase", "FoodCollection").
		ExecuteProcedure(context.Background(), "bulkUpload", "Energy Bars", items)
	require.NoError(t, err)

	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "250", resp.Body)
	_, parseErr := ulid.Parse(resp.ActivityID)
	assert.NoError(t, parseErr, "activity id should be a ulid")

	history := m.GetHistory()
	require.Len(t, history, 3)
	cmd, params, err := protocol.DecodeCommand(history[2])
	require.NoError(t, err)
	assert.Equal(t, protocol.CommandExecuteProcedure, cmd)

	call, err := protocol.DecodeProcedureCall(params)
	require.NoError(t, err)
	assert.Equal(t, "ImportDatabase", call.Database)
	assert.Equal(t, "FoodCollection", call.Container)
	assert.Equal(t, "bulkUpload", call.Procedure)
	assert.Equal(t, "Energy Bars", call.PartitionKey)
	assert.Equal(t, resp.ActivityID, call.ActivityID)
	require.Len(t, call.Args, 1)
	assert.JSONEq(t, `[{"id":"a"},{"id":"b"}]`, string(call.Args[0]))
}

func TestExecuteProcedure_BodyForms(t *testing.T) {
	tests := []struct {
		name string
		resp *protocol.Response
		want string
	}{
		{"json string", &protocol.Response{Success: true, Data: json.RawMessage(`"42"`)}, "42"},
		{"json number", &protocol.Response{Success: true, Data: json.RawMessage(`42`)}, "42"},
		{"json object", &protocol.Response{Success: true, Data: json.RawMessage(`{"deleted":1,"continuation":false}`)}, `{"deleted":1,"continuation":false}`},
		{"message only", &protocol.Response{Success: true, Message: "done"}, "done"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := connected(t, frame(t, tt.resp))
			resp, err := c.Container("db", "coll").ExecuteProcedure(context.Background(), "p", "pk")
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.Body)
			assert.Equal(t, 200, resp.StatusCode, "missing status defaults to 200")
		})
	}
}

func TestExecuteProcedure_PlainTextReply(t *testing.T) {
	c, _ := connected(t, []byte("Batch Delete Completed\x04"))
	resp, err := c.Container("db", "coll").ExecuteProcedure(context.Background(), "bulkDelete", "pk", "q")
	require.NoError(t, err)
	assert.Equal(t, "Batch Delete Completed", resp.Body)
}

func TestExecuteProcedure_ServerFailure(t *testing.T) {
	c, _ := connected(t, frame(t, &protocol.Response{
		Success:    false,
		StatusCode: 429,
		ActivityID: "server-activity",
		Error:      "request rate is large",
		Code:       protocol.ErrorCodeThrottled,
	}))

	_, err := c.Container("db", "coll").ExecuteProcedure(context.Background(), "bulkUpload", "pk", []int{1})

	var pe *ProcedureError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 429, pe.StatusCode)
	assert.Equal(t, "server-activity", pe.ActivityID)
	assert.Equal(t, "bulkUpload", pe.Procedure)
	assert.True(t, protocol.IsRetryable(err))
}

func TestExecuteProcedure_UnknownProcedure(t *testing.T) {
	c, _ := connected(t, frame(t, &protocol.Response{
		Success:    false,
		StatusCode: 404,
		Error:      "procedure not found",
		Code:       protocol.ErrorCodeProcedureNotFound,
	}))

	_, err := c.Container("db", "coll").ExecuteProcedure(context.Background(), "missing", "pk")
	assert.True(t, IsNotFound(err))
	assert.False(t, protocol.IsRetryable(err))
}

func TestExecuteProcedure_FailureDefaults(t *testing.T) {
	c, _ := connected(t, []byte(`{"success":false,"message":"boom"}`+"\x04"))

	_, err := c.Container("db", "coll").ExecuteProcedure(context.Background(), "p", "pk")
	var pe *ProcedureError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 500, pe.StatusCode)
	assert.Equal(t, "boom", pe.Message)
	assert.Equal(t, protocol.ErrorCodeProcedureFailed, pe.Cause.Code)
	assert.NotEmpty(t, pe.ActivityID, "client activity id is used when the server sends none")
}

func TestExecuteProcedure_TransportError(t *testing.T) {
	c, _ := connected(t)

	// Nothing scripted after the handshake: the mock answers with a timeout.
	_, err := c.Container("db", "coll").ExecuteProcedure(context.Background(), "p", "pk")
	var te *protocol.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, protocol.ErrorCodeTimeout, te.Code)
	assert.True(t, protocol.IsRetryable(err))
}

func TestExecuteProcedure_NotConnected(t *testing.T) {
	m := mock.NewMockTransport()
	c := New(m, Options{})

	_, err := c.Container("db", "coll").ExecuteProcedure(context.Background(), "p", "pk")
	var se *StateError
	require.ErrorAs(t, err, &se)
	assert.Zero(t, m.GetRoundTripCount())
}

func TestExecuteProcedure_UnencodableArgument(t *testing.T) {
	c, m := connected(t)

	_, err := c.Container("db", "coll").ExecuteProcedure(context.Background(), "p", "pk", make(chan int))
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "ARGUMENT_ENCODING_FAILED", pe.Code)
	assert.Equal(t, 2, m.GetRoundTripCount(), "nothing is sent for a bad argument")
}

func TestExecuteProcedure_DefaultTimeout(t *testing.T) {
	m := mock.NewMockTransport().WithDelay(time.Second)
	c := New(m, Options{Timeout: 20 * time.Millisecond})
	require.NoError(t, c.stateMgr.TransitionTo(CONNECTING, "test", nil))
	require.NoError(t, c.stateMgr.TransitionTo(CONNECTED, "test", nil))

	start := time.Now()
	_, err := c.Container("db", "coll").ExecuteProcedure(context.Background(), "p", "pk")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestClose(t *testing.T) {
	c, m := connected(t)

	require.NoError(t, c.Close())
	assert.Equal(t, DISCONNECTED, c.GetState())
	assert.True(t, m.IsClosed())

	// Closing again is a no-op.
	require.NoError(t, c.Close())
	assert.Equal(t, 1, m.GetCloseCallCount())
}

func TestPing(t *testing.T) {
	c, m := connected(t, frame(t, &protocol.Response{Success: true, Message: "PONG"}))

	require.NoError(t, c.Ping(context.Background()))
	history := m.GetHistory()
	assert.Equal(t, "PING\x04", string(history[len(history)-1]))
}

func TestGetDebugInfo_OmitsKey(t *testing.T) {
	c, _ := connected(t)

	dump := c.DumpDebugInfoJSON()
	assert.NotContains(t, dump, "secret")
	assert.Contains(t, dump, `"state": "CONNECTED"`)
	assert.Contains(t, dump, `"serverVersion": "2.1.0"`)
}
