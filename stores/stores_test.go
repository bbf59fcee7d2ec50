package stores

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis"
)

// newTestRedis spins up an in-process redis for store tests. Callers must
// Close the returned server.
func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("error starting test redis: %v", err)
	}
	return m, redis.NewClient(&redis.Options{Addr: m.Addr()})
}
