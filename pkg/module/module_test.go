// Module wiring needs a live Redis to connect to, so the assembly test
// is an integration test: it skips when TEST_REDIS_URL isn't set,
// mirroring the rest of the ecosystem's tests/integration pattern. The
// bad-URL test needs no Redis and always runs.
package module

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drivercore/pkg/tokenizer"
	"drivercore/pkg/transport"
)

type loopbackDialer struct{}

func (loopbackDialer) Dial(ctx context.Context) (transport.Conn, error) {
	return nil, context.DeadlineExceeded
}

func testRedisURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set, skipping module integration test")
	}
	return url
}

func TestNew_ConnectsAndAssemblesComponents(t *testing.T) {
	url := testRedisURL(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m, err := New(ctx, Config{
		KeyPrefix:      "drv",
		RedisURL:       url,
		Dialer:         loopbackDialer{},
		Tokenizer:      tokenizer.New(tokenizer.Delimiter([]byte("\n"))),
		ConnectTimeout: time.Second,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID, "expected a generated module ID")

	m.Run(ctx)
	time.Sleep(50 * time.Millisecond)
	m.Close()
}

func TestNew_BadRedisURLFails(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := New(ctx, Config{RedisURL: "redis://127.0.0.1:1/0"})
	assert.Error(t, err, "expected connecting to an unreachable redis to fail")
}
