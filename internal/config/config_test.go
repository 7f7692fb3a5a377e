package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func validYAML(root string) string {
	return `
root:
  root_dir: ` + root + `
server:
  bind_addr: 127.0.0.1
  port: 8787
auth:
  bearer_token: s3cret
  allowed_origins: ["https://valet.example.ts.net"]
limits:
  exec_timeout_s: 30
  max_stdout_kb: 256
  max_request_kb: 256
exec:
  allowed_cmds: ["echo"]
  pass_env: ["PATH"]
`
}

func TestLoadValidYAML(t *testing.T) {
	dir := t.TempDir()
	root := t.TempDir()
	path := writeConfig(t, dir, "valet.yaml", validYAML(root))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/mcp", cfg.Server.BasePath, "base_path default")
	assert.Equal(t, 8787, cfg.Server.Port)
	assert.Equal(t, defaultRateGlobalBurst, cfg.Limits.RateGlobalBurst)
	assert.Equal(t, "console", cfg.Audit.Backend)
	assert.True(t, filepath.IsAbs(cfg.Root.RootDir))
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	root := t.TempDir()
	body := validYAML(root) + "\nsurprise: true\n"
	path := writeConfig(t, dir, "valet.yaml", body)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadJSONStrict(t *testing.T) {
	dir := t.TempDir()
	root := t.TempDir()
	body := `{
  "root": {"root_dir": "` + root + `"},
  "server": {"bind_addr": "127.0.0.1", "port": 8787, "base_path": "/mcp"},
  "auth": {"bearer_token": "s3cret", "allowed_origins": ["https://a.example"]},
  "limits": {"exec_timeout_s": 10, "max_stdout_kb": 64, "max_request_kb": 64},
  "exec": {"allowed_cmds": ["echo"], "pass_env": []},
  "log": {}, "audit": {}
}`
	path := writeConfig(t, dir, "valet.json", body)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Limits.ExecTimeoutS)

	bad := `{"root": {"root_dir": "` + root + `"}, "bogus": 1}`
	path = writeConfig(t, dir, "bad.json", bad)
	_, err = Load(path)
	require.Error(t, err)
}

func TestValidateFailures(t *testing.T) {
	root := t.TempDir()

	base := func() *Config {
		c := &Config{
			Root:   Root{RootDir: root},
			Server: Server{BindAddr: "127.0.0.1", Port: 8787, BasePath: "/mcp"},
			Auth:   Auth{BearerToken: "tok", AllowedOrigins: []string{"https://a.example"}},
			Limits: Limits{ExecTimeoutS: 5, MaxStdoutKB: 64, MaxRequestKB: 64},
			Exec:   Exec{AllowedCmds: []string{"echo"}},
		}
		c.applyDefaults()
		return c
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing root", func(c *Config) { c.Root.RootDir = "" }},
		{"relative root", func(c *Config) { c.Root.RootDir = "srv/valet" }},
		{"root not a dir", func(c *Config) {
			f := filepath.Join(root, "file")
			os.WriteFile(f, []byte("x"), 0o644)
			c.Root.RootDir = f
		}},
		{"non-loopback bind", func(c *Config) { c.Server.BindAddr = "0.0.0.0" }},
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"trailing slash base path", func(c *Config) { c.Server.BasePath = "/mcp/" }},
		{"empty token", func(c *Config) { c.Auth.BearerToken = "  " }},
		{"no origins", func(c *Config) { c.Auth.AllowedOrigins = nil }},
		{"origin with path", func(c *Config) { c.Auth.AllowedOrigins = []string{"https://a.example/x"} }},
		{"origin without scheme", func(c *Config) { c.Auth.AllowedOrigins = []string{"a.example"} }},
		{"zero timeout", func(c *Config) { c.Limits.ExecTimeoutS = 0 }},
		{"negative stdout cap", func(c *Config) { c.Limits.MaxStdoutKB = -1 }},
		{"zero request cap", func(c *Config) { c.Limits.MaxRequestKB = 0 }},
		{"no allowed cmds", func(c *Config) { c.Exec.AllowedCmds = nil }},
		{"bad audit backend", func(c *Config) { c.Audit.Backend = "kafka" }},
		{"sqlite without dir", func(c *Config) { c.Audit.Backend = "sqlite" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}

	assert.NoError(t, base().Validate())
}

func TestBearerTokenEnvOverride(t *testing.T) {
	dir := t.TempDir()
	root := t.TempDir()
	path := writeConfig(t, dir, "valet.yaml", validYAML(root))

	t.Setenv(EnvBearerToken, "from-env")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.BearerToken)
}

func TestRootDirCanonicalized(t *testing.T) {
	base := t.TempDir()
	real := filepath.Join(base, "real")
	require.NoError(t, os.Mkdir(real, 0o755))
	link := filepath.Join(base, "link")
	require.NoError(t, os.Symlink(real, link))

	dir := t.TempDir()
	path := writeConfig(t, dir, "valet.yaml", validYAML(link))

	cfg, err := Load(path)
	require.NoError(t, err)
	resolved, err := filepath.EvalSymlinks(real)
	require.NoError(t, err)
	assert.Equal(t, resolved, cfg.Root.RootDir)
}

func TestMaxByteHelpers(t *testing.T) {
	c := &Config{Limits: Limits{MaxStdoutKB: 2, MaxRequestKB: 3}}
	assert.Equal(t, int64(3*1024), c.MaxRequestBytes())
	assert.Equal(t, 2*1024, c.MaxOutputBytes())
}
