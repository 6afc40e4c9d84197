package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSucceed_ResolvesOnce(t *testing.T) {
	tk := New(Config{Name: "ping", Retries: 2})

	assert.True(t, tk.Succeed([]byte("pong")), "first Succeed should win")
	assert.False(t, tk.Succeed([]byte("again")), "second Succeed should be a no-op")

	select {
	case <-tk.Done():
	default:
		t.Fatal("Done() should be closed")
	}

	out := tk.Outcome()
	assert.Equal(t, Success, out.Kind)
	assert.Equal(t, "pong", string(out.Value))
}

func TestAbort_Idempotent(t *testing.T) {
	tk := New(Config{Name: "x"})

	assert.True(t, tk.AbortNow("boom"), "first AbortNow should win")
	assert.False(t, tk.AbortNow("boom again"), "second AbortNow should be a no-op")
	assert.Equal(t, "boom", tk.Outcome().Reason)
}

func TestRequestRetry_DecrementsThenAborts(t *testing.T) {
	tk := New(Config{Name: "x", Retries: 2})

	require.True(t, tk.RequestRetry("timeout"), "expected requeue with retries remaining")
	assert.Equal(t, 1, tk.RetriesRemaining())

	require.True(t, tk.RequestRetry("timeout"), "expected requeue with retries remaining")
	assert.Equal(t, 0, tk.RetriesRemaining())

	assert.False(t, tk.RequestRetry("timeout"), "expected terminal abort once retries are exhausted")
	out := tk.Outcome()
	assert.Equal(t, Abort, out.Kind)
	assert.Equal(t, "timeout", out.Reason)
}

func TestRequestRetry_NoopAfterCompletion(t *testing.T) {
	tk := New(Config{Name: "x", Retries: 5})
	tk.Succeed([]byte("ok"))

	assert.False(t, tk.RequestRetry("late timeout"), "RequestRetry must not requeue an already-completed task")
	assert.Equal(t, Success, tk.Outcome().Kind)
}

func TestPayloadFunc_InvokedByCaller(t *testing.T) {
	calls := 0
	tk := New(Config{
		Name: "write",
		Payload: func() ([]byte, error) {
			calls++
			return []byte("data"), nil
		},
	})

	b, err := tk.Payload()
	require.NoError(t, err)
	assert.Equal(t, "data", string(b))
	assert.Equal(t, 1, calls)
}

func TestParserOutcomes(t *testing.T) {
	assert.Equal(t, ParserSuccess, ParseSuccess([]byte("v")).Kind)
	assert.Equal(t, ParserRetryKind, ParseRetry("r").Kind)
	assert.Equal(t, ParserAbortKind, ParseAbort("a").Kind)
	assert.Equal(t, ParserContinue, ParseContinueWaiting().Kind)
}

func TestDone_BlocksUntilCompletion(t *testing.T) {
	tk := New(Config{Name: "x", Timeout: 10 * time.Millisecond})

	go func() {
		time.Sleep(5 * time.Millisecond)
		tk.Succeed([]byte("done"))
	}()

	select {
	case <-tk.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() never closed")
	}
}
