package httpgate

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "httpgate.yml")
	assert.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func Test_LoadConfig_Full(t *testing.T) {
	path := writeConfig(t, `
listen: "127.0.0.1:9090"
domain_suffix: "devbox.example.com"
log_level: "debug"
shutdown_grace: "20s"
defaults:
  timeout: "10s"
  retries: 1
pool:
  max_per_target: 8
  idle_expiry: "1m"
  dial_timeout: "2s"
admission:
  max_in_flight: 64
breaker:
  failure_threshold: 4
  failure_window: "30s"
  cool_down: "5s"
  max_cool_down: "1m"
routes:
  - name: api
    host: api.example.com
    path_prefix: /api/
    targets: ["10.0.0.1:8080", "10.0.0.2:8080"]
    timeout: "3s"
    retries: 2
    max_concurrency: 16
  - name: web
    targets: ["10.0.0.3:80"]
`)
	cfg, err := LoadConfig(path)
	assert.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9090", cfg.Listen)
	assert.Equal(t, "devbox.example.com", cfg.DomainSuffix)
	assert.Equal(t, 20*time.Second, cfg.ShutdownGrace.Std())
	assert.Equal(t, 8, cfg.Pool.MaxPerTarget)
	assert.Equal(t, time.Minute, cfg.Pool.IdleExpiry.Std())
	assert.Equal(t, 64, cfg.Admission.MaxInFlight)
	assert.Equal(t, 4, cfg.Breaker.FailureThreshold)

	routes := cfg.BuildRoutes()
	assert.Len(t, routes, 2)
	assert.Equal(t, "api", routes[0].Name)
	assert.Equal(t, "api.example.com", routes[0].Host)
	assert.Equal(t, "/api/", routes[0].PathPrefix)
	assert.Len(t, routes[0].Targets, 2)
	assert.Equal(t, RoutePolicy{Timeout: 3 * time.Second, Retries: 2, MaxConcurrency: 16}, routes[0].Policy)

	// web inherits the defaults
	assert.Equal(t, "/", routes[1].PathPrefix)
	assert.Equal(t, RoutePolicy{Timeout: 10 * time.Second, Retries: 1}, routes[1].Policy)
}

func Test_LoadConfig_EmptyUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	assert.NoError(t, err)
	assert.Equal(t, DefaultListenAddr, cfg.Listen)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, RoutePolicy{Timeout: DefaultRequestTimeout, Retries: DefaultRetries}, cfg.DefaultPolicy())
}

func Test_LoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("LISTEN_ADDR", "0.0.0.0:7070")
	t.Setenv("DOMAIN_SUFFIX", "devbox.other.io")
	t.Setenv("LOG_LEVEL", "warn")

	path := writeConfig(t, `
listen: "127.0.0.1:9090"
domain_suffix: "devbox.example.com"
`)
	cfg, err := LoadConfig(path)
	assert.NoError(t, err)
	assert.Equal(t, "0.0.0.0:7070", cfg.Listen)
	assert.Equal(t, "devbox.other.io", cfg.DomainSuffix)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func Test_LoadConfig_Invalid(t *testing.T) {
	for name, body := range map[string]string{
		"no targets": `
routes:
  - name: broken
    path_prefix: /x/
`,
		"bad prefix": `
routes:
  - name: broken
    path_prefix: x
    targets: ["10.0.0.1:80"]
`,
		"missing port": `
routes:
  - name: broken
    targets: ["10.0.0.1"]
`,
		"duplicate name": `
routes:
  - name: dup
    targets: ["10.0.0.1:80"]
  - name: dup
    targets: ["10.0.0.2:80"]
`,
		"bad duration": `
defaults:
  timeout: "very long"
`,
	} {
		_, err := LoadConfig(writeConfig(t, body))
		assert.Error(t, err, name)
	}
}

func Test_LoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}

func Test_Config_BuildTable(t *testing.T) {
	cfg := &Config{
		DomainSuffix: "devbox.example.com",
		Routes: []RouteConfig{
			{Name: "api", PathPrefix: "/api/", Targets: []string{"10.0.0.1:80"}},
		},
	}
	reg := NewRegistry()
	reg.Register("my-app", "ns-a")
	table := cfg.BuildTable(reg)

	route, err := table.Resolve("any.example.com", "/api/x")
	assert.NoError(t, err)
	assert.Equal(t, "api", route.Name)

	route, err = table.Resolve("my-app-9000.devbox.example.com", "/")
	assert.NoError(t, err)
	assert.Equal(t, "my-app.ns-a.svc.cluster.local:9000", route.Targets[0].Addr)
	// dynamic routes run under the default policy
	assert.Equal(t, cfg.DefaultPolicy(), route.Policy)
}
