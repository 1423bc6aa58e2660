package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 6379, cfg.Port)
	assert.Equal(t, 100, cfg.PoolSize)
	assert.Equal(t, 3, cfg.MaxRetries)
}

func TestConfigAddr(t *testing.T) {
	cfg := &Config{Host: "redis.internal", Port: 6380}
	assert.Equal(t, "redis.internal:6380", cfg.Addr())
}

func TestNewClientUnreachableHost(t *testing.T) {
	cfg := &Config{
		Host:          "host-that-does-not-resolve",
		Port:          9999,
		MaxRetries:    0,
		RetryInterval: 100 * time.Millisecond,
		DialTimeout:   500 * time.Millisecond,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewClient(ctx, cfg)
	assert.Error(t, err)
}

func TestComputeSHA1(t *testing.T) {
	sha := computeSHA1("return 1")
	assert.Len(t, sha, 40)
	assert.Equal(t, sha, computeSHA1("return 1"))
	assert.NotEqual(t, sha, computeSHA1("return 2"))
}

func TestIsNoScriptError(t *testing.T) {
	assert.False(t, isNoScriptError(nil))
	assert.False(t, isNoScriptError(fmt.Errorf("some error")))
	assert.True(t, isNoScriptError(fmt.Errorf("NOSCRIPT No matching script. Please use EVAL.")))
	assert.True(t, isNoScriptError(fmt.Errorf("NOSCRIPT some other message")))
}

// Tests below need a live server and skip when none is reachable; set
// TEST_REDIS_HOST to point elsewhere.
func testClient(t *testing.T) *Client {
	t.Helper()

	cfg := DefaultConfig()
	if host := os.Getenv("TEST_REDIS_HOST"); host != "" {
		cfg.Host = host
	}
	if password := os.Getenv("TEST_REDIS_PASSWORD"); password != "" {
		cfg.Password = password
	}
	cfg.DB = 9 // keep test keys away from a dev instance
	cfg.MaxRetries = 0
	cfg.DialTimeout = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := NewClient(ctx, cfg)
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func testKey(parts ...string) string {
	key := "test:" + uuid.New().String()
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

func TestClientConnectionSurface(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()

	assert.NoError(t, client.Ping(ctx))
	assert.NoError(t, client.HealthCheck(ctx))
	assert.True(t, client.IsConnected(ctx))
	assert.NotNil(t, client.Client())
}

func TestClientKeyOperations(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()
	key := testKey("kv")

	require.NoError(t, client.Set(ctx, key, "hold-token", time.Minute).Err())

	val, err := client.Get(ctx, key).Result()
	require.NoError(t, err)
	assert.Equal(t, "hold-token", val)

	exists, err := client.Exists(ctx, key).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, exists)

	// SetNX must not clobber the first writer
	ok, err := client.SetNX(ctx, key, "other-token", time.Minute).Result()
	require.NoError(t, err)
	assert.False(t, ok)

	deleted, err := client.Del(ctx, key).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	exists, _ = client.Exists(ctx, key).Result()
	assert.Zero(t, exists)
}

func TestClientScanAll(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()

	prefix := testKey("scan")
	for i := 0; i < 5; i++ {
		require.NoError(t, client.Set(ctx, fmt.Sprintf("%s:%d", prefix, i), "x", time.Minute).Err())
	}
	t.Cleanup(func() {
		keys, _ := client.ScanAll(context.Background(), prefix+":*", 100)
		if len(keys) > 0 {
			_ = client.Del(context.Background(), keys...).Err()
		}
	})

	keys, err := client.ScanAll(ctx, prefix+":*", 2)
	require.NoError(t, err)
	assert.Len(t, keys, 5, "scan must walk every cursor page")
}

func TestClientScripts(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()

	script := `return tonumber(ARGV[1]) + tonumber(ARGV[2])`
	name := "test-add-" + uuid.New().String()

	info, err := client.LoadScript(ctx, name, script)
	require.NoError(t, err)
	assert.Equal(t, name, info.Name)
	assert.NotEmpty(t, info.SHA)

	sha, ok := client.GetScriptSHA(name)
	require.True(t, ok)
	assert.Equal(t, info.SHA, sha)

	sum, err := client.EvalSha(ctx, info.SHA, nil, 5, 3).Int()
	require.NoError(t, err)
	assert.Equal(t, 8, sum)

	sum, err = client.EvalShaByName(ctx, name, nil, 10, 20).Int()
	require.NoError(t, err)
	assert.Equal(t, 30, sum)
}

func TestClientEvalWithFallback(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()

	script := `return tonumber(ARGV[1]) * 2`
	name := "test-double-" + uuid.New().String()

	// first call loads the script, second hits the cached SHA
	doubled, err := client.EvalWithFallback(ctx, name, script, nil, 7).Int()
	require.NoError(t, err)
	assert.Equal(t, 14, doubled)

	doubled, err = client.EvalWithFallback(ctx, name, script, nil, 10).Int()
	require.NoError(t, err)
	assert.Equal(t, 20, doubled)
}

func TestClientHashOperations(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()
	key := testKey("hash")
	t.Cleanup(func() { _ = client.Del(context.Background(), key).Err() })

	require.NoError(t, client.HSet(ctx, key, "status", "HELD", "seats", "2").Err())

	val, err := client.HGet(ctx, key, "status").Result()
	require.NoError(t, err)
	assert.Equal(t, "HELD", val)

	all, err := client.HGetAll(ctx, key).Result()
	require.NoError(t, err)
	assert.Len(t, all, 2)

	n, err := client.HIncrBy(ctx, key, "seats", 2).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)
}
