package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacetelescope/catkit2-sub001/datastream"
)

const sample = `
[module]
name = "bench"
tick_interval = "5ms"
status_socket = "/tmp/bench.sock"

[registry]
dir = "/tmp/streams"

[logging]
level = "debug"

[monitor]
stale_after = "1s"

[[streams]]
name = "camera"
dtype = "uint16"
shape = [4, 6]
slots = 8
source = "counter"

[[streams]]
name = "env"
dtype = "float64"
shape = [2]
slots = 32
source = "random_walk"
params = { start = 20.0, step = 0.5 }
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "module.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad(t *testing.T) {
	c, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, "bench", c.Module.Name)
	assert.Equal(t, 5*time.Millisecond, c.Module.TickInterval.Std())
	assert.Equal(t, time.Second, c.Module.StatusInterval.Std(), "default kept")
	assert.Equal(t, "/tmp/streams", c.Registry.Dir)
	assert.Equal(t, datastream.DefaultPrefix, c.Registry.Prefix)
	assert.Equal(t, "debug", c.Logging.Level)
	assert.Equal(t, time.Second, c.Monitor.StaleAfter.Std())

	require.Len(t, c.Streams, 2)
	cam := c.Streams[0]
	assert.Equal(t, datastream.Uint16, cam.DataType)
	assert.Equal(t, []int{4, 6}, cam.Shape)
	assert.Equal(t, 8, cam.Slots)
	assert.Equal(t, 48, cam.Descriptor().FrameSize())

	env := c.Streams[1]
	assert.Equal(t, 0.5, env.Param("step", 1))
	assert.Equal(t, 3.0, env.Param("missing", 3))
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DATASTREAM_MODULE_TICK_INTERVAL", "20ms")
	t.Setenv("DATASTREAM_REGISTRY_DIR", "/dev/shm/test")
	t.Setenv("DATASTREAM_LOGGING_LEVEL", "warn")
	t.Setenv("DATASTREAM_METRICS_LISTEN", ":9100")

	c, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, 20*time.Millisecond, c.Module.TickInterval.Std())
	assert.Equal(t, "/dev/shm/test", c.Registry.Dir)
	assert.Equal(t, "warn", c.Logging.Level)
	assert.Equal(t, ":9100", c.Metrics.Listen)
	assert.Equal(t, "bench", c.Module.Name)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(writeConfig(t, "[module\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, `
[[streams]]
name = "x"
dtype = "float128"
shape = [1]
slots = 1
`))
	assert.ErrorContains(t, err, "float128")

	_, err = Load(writeConfig(t, `
[module]
tick_interval = "soon"
`))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	require.NoError(t, Default().Validate())

	tests := map[string]func(*Config){
		"tick":      func(c *Config) { c.Module.TickInterval = 0 },
		"status":    func(c *Config) { c.Module.StatusSocket = "s.sock"; c.Module.StatusInterval = 0 },
		"poll":      func(c *Config) { c.Monitor.Poll = 0 },
		"level":     func(c *Config) { c.Logging.Level = "chatty" },
		"format":    func(c *Config) { c.Logging.Format = "xml" },
		"slots":     func(c *Config) { c.Streams[0].Slots = 0 },
		"shape":     func(c *Config) { c.Streams[0].Shape = []int{0} },
		"name":      func(c *Config) { c.Streams[0].Name = "a/b" },
		"duplicate": func(c *Config) { c.Streams = append(c.Streams, c.Streams[0]) },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			c := Default()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("DATASTREAM_TEST_DOTENV=loaded\n"), 0644))
	t.Setenv("DATASTREAM_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("DATASTREAM_TEST_DOTENV"))

	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "absent.env")))
	assert.Equal(t, "loaded", os.Getenv("DATASTREAM_TEST_DOTENV"))
}
