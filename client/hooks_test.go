package client

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/dan-strohschein/syndrdb-bulkload/protocol"
)

// TestHook is a simple hook for testing.
type TestHook struct {
	name         string
	beforeCalled bool
	afterCalled  bool
	beforeError  error
	afterError   error
	partitionKey string
	seen         *HookContext
}

func (h *TestHook) Name() string {
	return h.name
}

func (h *TestHook) Before(ctx context.Context, hookCtx *HookContext) error {
	h.beforeCalled = true
	if h.partitionKey != "" {
		hookCtx.Call.PartitionKey = h.partitionKey
	}
	return h.beforeError
}

func (h *TestHook) After(ctx context.Context, hookCtx *HookContext) error {
	h.afterCalled = true
	h.seen = hookCtx
	return h.afterError
}

func okReply(t *testing.T) []byte {
	return frame(t, &protocol.Response{Success: true, StatusCode: 201, Data: json.RawMessage(`"1"`)})
}

// TestHookRegistration verifies hooks can be registered and unregistered.
func TestHookRegistration(t *testing.T) {
	client := New(nil, DefaultOptions())

	hook1 := &TestHook{name: "hook1"}
	hook2 := &TestHook{name: "hook2"}

	client.RegisterHook(hook1)
	client.RegisterHook(hook2)

	hooks := client.GetHooks()
	if len(hooks) != 2 {
		t.Fatalf("expected 2 hooks, got %d", len(hooks))
	}

	if hooks[0] != "hook1" || hooks[1] != "hook2" {
		t.Errorf("unexpected hook order: %v", hooks)
	}

	if !client.UnregisterHook("hook1") {
		t.Error("expected UnregisterHook to return true")
	}

	hooks = client.GetHooks()
	if len(hooks) != 1 || hooks[0] != "hook2" {
		t.Errorf("expected only hook2 after unregister, got %v", hooks)
	}

	if client.UnregisterHook("nonexistent") {
		t.Error("expected UnregisterHook to return false for non-existent hook")
	}
}

// TestHookReplacement verifies registering the same name keeps its position.
func TestHookReplacement(t *testing.T) {
	client := New(nil, DefaultOptions())

	client.RegisterHook(&TestHook{name: "a"})
	client.RegisterHook(&TestHook{name: "b"})
	replacement := &TestHook{name: "a"}
	client.RegisterHook(replacement)

	hooks := client.GetHooks()
	if len(hooks) != 2 || hooks[0] != "a" {
		t.Fatalf("unexpected hooks after replace: %v", hooks)
	}
	if client.snapshotHooks()[0] != Hook(replacement) {
		t.Error("expected replacement hook in first slot")
	}
}

func TestHooksWrapProcedureCall(t *testing.T) {
	c, m := connected(t, okReply(t))

	hook := &TestHook{name: "rewrite", partitionKey: "Rewritten"}
	c.RegisterHook(hook)

	resp, err := c.Container("db", "coll").ExecuteProcedure(context.Background(), "bulkUpload", "Energy Bars", []int{1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !hook.beforeCalled || !hook.afterCalled {
		t.Fatal("expected both hook phases to run")
	}
	if hook.seen.Response != resp {
		t.Error("After hook should see the response")
	}
	if hook.seen.Duration <= 0 {
		t.Error("After hook should see a duration")
	}

	history := m.GetHistory()
	_, params, _ := protocol.DecodeCommand(history[len(history)-1])
	call, err := protocol.DecodeProcedureCall(params)
	if err != nil {
		t.Fatalf("decode call: %v", err)
	}
	if call.PartitionKey != "Rewritten" {
		t.Errorf("expected Before hook to rewrite the partition key, got %q", call.PartitionKey)
	}
}

func TestBeforeHookAborts(t *testing.T) {
	c, m := connected(t)

	abort := errors.New("blocked")
	hook := &TestHook{name: "guard", beforeError: abort}
	c.RegisterHook(hook)

	_, err := c.Container("db", "coll").ExecuteProcedure(context.Background(), "bulkDelete", "pk", "q")
	if !errors.Is(err, abort) {
		t.Fatalf("expected abort error, got %v", err)
	}
	if hook.afterCalled {
		t.Error("After should not run when Before aborts")
	}
	if m.GetRoundTripCount() != 2 {
		t.Errorf("expected no procedure round trip, got %d total", m.GetRoundTripCount())
	}
}

func TestAfterHookReplacesOutcome(t *testing.T) {
	c, _ := connected(t, okReply(t))

	replaced := errors.New("rejected by hook")
	first := &TestHook{name: "first", afterError: replaced}
	second := &TestHook{name: "second"}
	c.RegisterHook(first)
	c.RegisterHook(second)

	resp, err := c.Container("db", "coll").ExecuteProcedure(context.Background(), "p", "pk")
	if !errors.Is(err, replaced) {
		t.Fatalf("expected hook error, got %v", err)
	}
	if resp != nil {
		t.Error("expected nil response when a hook fails the call")
	}
	if !second.afterCalled {
		t.Error("all After hooks should run even if one fails")
	}
}
