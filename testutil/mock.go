package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/dan-strohschein/syndrdb-bulkload/client"
)

// FakeExecutor is a scripted stand-in for *client.Container.
// It provides a fluent API for setting up expectations and verifying calls.
//
// Example usage:
//
//	fake := NewFakeExecutor()
//	fake.ExpectProcedure("bulkUpload").WillReturn("250").Times(4)
//
//	resp, err := fake.ExecuteProcedure(ctx, "bulkUpload", "Energy Bars", items)
//	fake.VerifyExpectations(t)
type FakeExecutor struct {
	expectations []*Expectation
	calls        []Call
	mu           sync.Mutex
	strict       bool // If true, unexpected calls will panic
}

// Responder computes a reply from the call it answers.
type Responder func(call Call) (*client.ProcedureResponse, error)

// Expectation represents an expected procedure call and its reply.
type Expectation struct {
	procedure   string
	respond     Responder
	times       int // Expected number of calls (-1 = any)
	actualCalls int
}

// Call represents a procedure call that was made.
type Call struct {
	Procedure    string
	PartitionKey string
	Args         []any
}

// NewFakeExecutor creates a new fake executor for testing.
func NewFakeExecutor() *FakeExecutor {
	return &FakeExecutor{}
}

// Strict enables strict mode where unexpected calls will panic.
func (f *FakeExecutor) Strict() *FakeExecutor {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.strict = true
	return f
}

// ExpectProcedure sets up an expectation for one call to procedure.
// Expectations for the same procedure are consumed in registration order.
func (f *FakeExecutor) ExpectProcedure(procedure string) *Expectation {
	f.mu.Lock()
	defer f.mu.Unlock()

	exp := &Expectation{
		procedure: procedure,
		times:     1,
		respond: func(Call) (*client.ProcedureResponse, error) {
			return &client.ProcedureResponse{StatusCode: 200}, nil
		},
	}
	f.expectations = append(f.expectations, exp)
	return exp
}

// WillReturn answers with body and status 200.
func (e *Expectation) WillReturn(body string) *Expectation {
	return e.WillReturnStatus(200, body)
}

// WillReturnStatus answers with the given status code and body.
func (e *Expectation) WillReturnStatus(status int, body string) *Expectation {
	e.respond = func(Call) (*client.ProcedureResponse, error) {
		return &client.ProcedureResponse{StatusCode: status, ActivityID: "fake", Body: body}, nil
	}
	return e
}

// WillReturnJSON answers with v encoded as JSON.
func (e *Expectation) WillReturnJSON(v interface{}) *Expectation {
	return e.WillReturn(ToJSON(v))
}

// WillReturnError fails the call with err.
func (e *Expectation) WillReturnError(err error) *Expectation {
	e.respond = func(Call) (*client.ProcedureResponse, error) { return nil, err }
	return e
}

// WillRespond computes the reply from the call.
func (e *Expectation) WillRespond(fn Responder) *Expectation {
	e.respond = fn
	return e
}

// Times sets the expected number of calls.
func (e *Expectation) Times(n int) *Expectation {
	e.times = n
	return e
}

// Once expects exactly one call.
func (e *Expectation) Once() *Expectation {
	return e.Times(1)
}

// AnyTimes allows any number of calls.
func (e *Expectation) AnyTimes() *Expectation {
	return e.Times(-1)
}

// ExecuteProcedure implements bulk.Executor.
func (f *FakeExecutor) ExecuteProcedure(ctx context.Context, procedure, partitionKey string, args ...any) (*client.ProcedureResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	call := Call{Procedure: procedure, PartitionKey: partitionKey, Args: args}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	var exp *Expectation
	for _, e := range f.expectations {
		if e.procedure == procedure && (e.times < 0 || e.actualCalls < e.times) {
			exp = e
			break
		}
	}
	if exp == nil {
		strict := f.strict
		f.mu.Unlock()
		if strict {
			panic(fmt.Sprintf("unexpected procedure call: %s", procedure))
		}
		return nil, fmt.Errorf("unexpected procedure call: %s", procedure)
	}
	exp.actualCalls++
	respond := exp.respond
	f.mu.Unlock()

	return respond(call)
}

// VerifyExpectations fails the test if any expectation was not met.
func (f *FakeExecutor) VerifyExpectations(t *testing.T) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, e := range f.expectations {
		if e.times >= 0 && e.actualCalls != e.times {
			t.Errorf("expected %s to be called %d times, got %d", e.procedure, e.times, e.actualCalls)
		}
	}
}

// GetCalls returns a copy of all calls made.
func (f *FakeExecutor) GetCalls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// GetCallCount returns how many times procedure was called.
func (f *FakeExecutor) GetCallCount(procedure string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	count := 0
	for _, c := range f.calls {
		if c.Procedure == procedure {
			count++
		}
	}
	return count
}

// Reset clears all expectations and recorded calls.
func (f *FakeExecutor) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expectations = nil
	f.calls = nil
}

// ToJSON converts a value to a JSON string.
func ToJSON(v interface{}) string {
	b, _ := json.Marshal(v)
	return string(b)
}
