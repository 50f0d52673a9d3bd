package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/pinquiz/internal/config"
)

type testConfig struct {
	HTTP struct {
		Port      int32
		PublicURL string
	}

	Store struct {
		Backend       string
		ReadyInterval time.Duration
	}

	Redis struct {
		Pubsub struct {
			Addrs  []string
			Prefix string
		}
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()

	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoad(t *testing.T) {
	p := writeFile(t, `
http:
  publicURL: https://quiz.example.com
store:
  backend: redis
  readyInterval: 250ms
redis:
  pubsub:
    addrs: [localhost:6379]
`)

	var c testConfig
	c.HTTP.Port = 8080
	c.Redis.Pubsub.Prefix = "pinquiz"

	require.NoError(t, config.Load(p, &c))

	assert.Equal(t, int32(8080), c.HTTP.Port, "defaults are kept")
	assert.Equal(t, "https://quiz.example.com", c.HTTP.PublicURL)
	assert.Equal(t, "redis", c.Store.Backend)
	assert.Equal(t, 250*time.Millisecond, c.Store.ReadyInterval)
	assert.Equal(t, []string{"localhost:6379"}, c.Redis.Pubsub.Addrs)
	assert.Equal(t, "pinquiz", c.Redis.Pubsub.Prefix)
}

func TestLoad_EnvOverrides(t *testing.T) {
	p := writeFile(t, `
http:
  port: 8080
store:
  backend: memory
`)
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("STORE_BACKEND", "redis")

	var c testConfig
	require.NoError(t, config.Load(p, &c))

	assert.Equal(t, int32(9000), c.HTTP.Port)
	assert.Equal(t, "redis", c.Store.Backend)
}

func TestLoad_MissingFile(t *testing.T) {
	var c testConfig
	assert.Error(t, config.Load(filepath.Join(t.TempDir(), "nope.yaml"), &c))
}

func TestLoad_EnvOnly(t *testing.T) {
	t.Setenv("STORE_BACKEND", "redis")
	t.Setenv("STORE_READYINTERVAL", "2s")
	t.Setenv("REDIS_PUBSUB_ADDRS", "redis-1:6379,redis-2:6379")

	var c testConfig
	c.HTTP.Port = 8080
	c.Store.Backend = "memory"

	require.NoError(t, config.Load("", &c))

	assert.Equal(t, int32(8080), c.HTTP.Port)
	assert.Equal(t, "redis", c.Store.Backend)
	assert.Equal(t, 2*time.Second, c.Store.ReadyInterval)
	assert.Equal(t, []string{"redis-1:6379", "redis-2:6379"}, c.Redis.Pubsub.Addrs)
}
