package redis_client

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedisOptions(t *testing.T) {
	o := Options{Host: "cache", Port: 6380, Password: "pw", DB: 2}.redisOptions()

	assert.Equal(t, "cache:6380", o.Addr)
	assert.Equal(t, "pw", o.Password)
	assert.Equal(t, 2, o.DB)
	assert.Equal(t, clientName, o.ClientName)
	assert.True(t, o.ContextTimeoutEnabled)
	assert.LessOrEqual(t, o.PoolSize, maxPoolSize)
	assert.Positive(t, o.PoolSize)
}

func TestRedisOptionsIPv6(t *testing.T) {
	o := Options{Host: "::1", Port: 6379}.redisOptions()
	assert.Equal(t, "[::1]:6379", o.Addr)
}
