package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	want := Config{
		Kernel: KernelConfig{
			IP:              "127.0.0.1",
			SignatureScheme: "hmac-sha512",
			StartupTimeout:  Duration(30 * time.Second),
			ShutdownGrace:   Duration(5 * time.Second),
			RuntimeDir:      "/tmp/jute",
			SpecPaths:       []string{"/opt/kernels"},
			Heartbeat: HeartbeatConfig{
				Interval:    Duration(2 * time.Second),
				Timeout:     Duration(time.Second),
				MaxFailures: 5,
			},
		},
		Logging: LoggingConfig{Level: "debug", Format: "text"},
	}

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "yaml",
			file: "jute.yaml",
			content: `
kernel:
  signature_scheme: hmac-sha512
  startup_timeout: 30s
  runtime_dir: /tmp/jute
  spec_paths: [/opt/kernels]
  heartbeat:
    interval: 2s
    max_failures: 5
logging:
  level: debug
`,
		},
		{
			name: "toml",
			file: "jute.toml",
			content: `
[kernel]
signature_scheme = "hmac-sha512"
startup_timeout = "30s"
runtime_dir = "/tmp/jute"
spec_paths = ["/opt/kernels"]

[kernel.heartbeat]
interval = "2s"
max_failures = 5

[logging]
level = "debug"
`,
		},
		{
			name: "json",
			file: "jute.json",
			content: `{
  "kernel": {
    "signature_scheme": "hmac-sha512",
    "startup_timeout": "30s",
    "runtime_dir": "/tmp/jute",
    "spec_paths": ["/opt/kernels"],
    "heartbeat": {"interval": "2s", "max_failures": 5}
  },
  "logging": {"level": "debug"}
}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeFile(t, tt.file, tt.content))
			require.NoError(t, err)
			if diff := cmp.Diff(want, cfg); diff != "" {
				t.Errorf("Load() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		errMsg  string
	}{
		{name: "unknown extension", file: "jute.ini", content: "", errMsg: "unknown config format"},
		{name: "unknown yaml key", file: "jute.yaml", content: "kernel:\n  colour: red\n", errMsg: "colour"},
		{name: "unknown toml key", file: "jute.toml", content: "[kernel]\ncolour = \"red\"\n", errMsg: "colour"},
		{name: "unknown json key", file: "jute.json", content: `{"kernel":{"colour":"red"}}`, errMsg: "colour"},
		{name: "bad duration", file: "jute.yaml", content: "kernel:\n  startup_timeout: soon\n", errMsg: "invalid duration"},
		{name: "bad scheme", file: "jute.yaml", content: "kernel:\n  signature_scheme: rot13\n", errMsg: "signature_scheme"},
		{name: "bad level", file: "jute.yaml", content: "logging:\n  level: loud\n", errMsg: "log level"},
		{name: "bad format", file: "jute.yaml", content: "logging:\n  format: xml\n", errMsg: "format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.file, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_Empty(t *testing.T) {
	cfg, err := Load(writeFile(t, "jute.yaml", ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("JUTE_IP", "0.0.0.0")
	t.Setenv("JUTE_STARTUP_TIMEOUT", "10s")
	t.Setenv("JUTE_HEARTBEAT_MAX_FAILURES", "7")
	t.Setenv("JUTE_LOG_LEVEL", "WARN")
	t.Setenv("JUTE_SHUTDOWN_GRACE", "garbage")

	cfg := FromEnv()
	assert.Equal(t, "0.0.0.0", cfg.Kernel.IP)
	assert.Equal(t, Duration(10*time.Second), cfg.Kernel.StartupTimeout)
	assert.Equal(t, 7, cfg.Kernel.Heartbeat.MaxFailures)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, Default().Kernel.ShutdownGrace, cfg.Kernel.ShutdownGrace, "unparsable values are ignored")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("JUTE_LOG_LEVEL", "error")
	cfg, err := Load(writeFile(t, "jute.yaml", "logging:\n  level: debug\n"))
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Logging.Level)
}

func TestSave(t *testing.T) {
	cfg := Default()
	cfg.Kernel.SpecPaths = []string{"/a", "/b"}
	cfg.Kernel.Heartbeat.Interval = Duration(1500 * time.Millisecond)

	for _, name := range []string{"out.yaml", "out.toml", "out.json"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)
			require.NoError(t, Save(path, cfg))

			got, err := Load(path)
			require.NoError(t, err)
			if diff := cmp.Diff(cfg, got); diff != "" {
				t.Errorf("Save/Load mismatch (-want +got):\n%s", diff)
			}
		})
	}

	assert.ErrorIs(t, Save(filepath.Join(t.TempDir(), "out.ini"), cfg), ErrUnknownFormat)
}

func TestEncode_DurationsAreStrings(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, Default(), FormatYAML))
	assert.Contains(t, buf.String(), "startup_timeout: 1m0s")

	buf.Reset()
	require.NoError(t, Encode(&buf, Default(), FormatJSON))
	assert.Contains(t, buf.String(), `"startup_timeout": "1m0s"`)
}

func TestKernelConfig(t *testing.T) {
	cfg := Default()
	cfg.Kernel.RuntimeDir = "/run/jute"

	kc := cfg.KernelConfig()
	assert.Equal(t, "127.0.0.1", kc.IP)
	assert.Equal(t, 60*time.Second, kc.StartupTimeout)
	assert.Equal(t, time.Second, kc.HeartbeatInterval)
	assert.Equal(t, 3, kc.MaxHeartbeatFails)
	assert.Equal(t, "/run/jute", kc.RuntimeDir)
}

func TestWithDefaults(t *testing.T) {
	cfg := Config{Kernel: KernelConfig{StartupTimeout: Duration(time.Second)}}.WithDefaults()
	assert.Equal(t, Duration(time.Second), cfg.Kernel.StartupTimeout)
	assert.Equal(t, Default().Kernel.ShutdownGrace, cfg.Kernel.ShutdownGrace)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := LoggingConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "kernel", "k1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	assert.Equal(t, "shown", record["msg"])
	assert.Equal(t, "k1", record["kernel"])

	buf.Reset()
	logger, err = LoggingConfig{}.NewLogger(&buf)
	require.NoError(t, err)
	logger.Info("plain")
	assert.Contains(t, buf.String(), "msg=plain")

	_, err = LoggingConfig{Level: "loud"}.NewLogger(&buf)
	assert.Error(t, err)
}

func TestSchema(t *testing.T) {
	s := Schema()
	assert.Equal(t, "jute configuration", s.Title)

	kernel, ok := s.Properties.Get("kernel")
	require.True(t, ok)
	timeout, ok := kernel.Properties.Get("startup_timeout")
	require.True(t, ok)
	assert.Equal(t, "string", timeout.Type)

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"logging"`)
}
