package omni

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wayneeseguin/omnisink/pkg/features"
)

const sampleConfig = `
handlers:
  - name: app
    type: file
    path: /var/log/app.log
    format: json
    capacity: 16
    window: 250ms
    max_retries: 0
    async: false
    rotation:
      max_bytes: 1048576
      max_backups: 3
      max_age: 72h
      compress: gzip
      when: daily
      naming: sequence
  - name: console
    type: console
    stream: stderr
router:
  strategy: fallback
  routes:
    - handler: app
      breaker: {threshold: 5, cooldown: 30s}
    - handler: console
      fallback: true
`

func TestParseConfig(t *testing.T) {
	fc, err := ParseConfig([]byte(sampleConfig))
	if err != nil {
		t.Fatal(err)
	}
	if len(fc.Handlers) != 2 {
		t.Fatalf("got %d handlers", len(fc.Handlers))
	}

	app := fc.Handlers[0]
	if app.Window != 250*time.Millisecond || app.Capacity != 16 {
		t.Errorf("app = %+v", app)
	}
	if app.MaxRetries == nil || *app.MaxRetries != 0 || app.Async == nil || *app.Async {
		t.Error("explicit zero values should be kept")
	}

	p, err := app.Rotation.Policy()
	if err != nil {
		t.Fatal(err)
	}
	if p.MaxBytes != 1<<20 || p.MaxAge != 72*time.Hour || p.When != features.RotateDaily ||
		p.Compress != features.CompressionGzip || p.Naming != features.NamingSequence {
		t.Errorf("policy = %+v", p)
	}

	r := fc.Router
	if r.Strategy != "fallback" || len(r.Routes) != 2 {
		t.Fatalf("router = %+v", r)
	}
	if r.Routes[0].Breaker == nil || r.Routes[0].Breaker.Cooldown != 30*time.Second || !r.Routes[1].Fallback {
		t.Errorf("routes = %+v", r.Routes)
	}
}

func TestParseConfigErrors(t *testing.T) {
	tests := map[string]string{
		"unnamed":   "handlers:\n  - type: console\n",
		"duplicate": "handlers:\n  - {name: a, type: console}\n  - {name: a, type: console}\n",
		"route":     "handlers:\n  - {name: a, type: console}\nrouter:\n  routes:\n    - handler: b\n",
		"yaml":      "handlers: [",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseConfig([]byte(data)); KindOf(err) != KindFatalConfiguration {
				t.Errorf("ParseConfig = %v", err)
			}
		})
	}
}

func TestLoadConfigAndBuild(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "app.log")
	cfgPath := filepath.Join(dir, "omni.yaml")
	data := []byte("handlers:\n  - name: app\n    type: file\n    path: " + logPath +
		"\n    format: text\n    capacity: 1\n    async: false\n")
	if err := os.WriteFile(cfgPath, data, 0o600); err != nil {
		t.Fatal(err)
	}

	fc, err := LoadConfig(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	handlers, err := BuildHandlers(fc, WithReporter(NopReporter))
	if err != nil {
		t.Fatal(err)
	}
	if len(handlers) != 1 {
		t.Fatalf("built %d handlers", len(handlers))
	}
	h := handlers[0]
	if h.Name() != "app" || h.Config().Async {
		t.Errorf("handler %q async=%v", h.Name(), h.Config().Async)
	}

	_ = h.Emit(record("configured"))
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	out, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) == 0 {
		t.Error("nothing written")
	}
}

func TestBuildUnknownType(t *testing.T) {
	hc := HandlerConfig{Name: "x", Type: "carrier-pigeon"}
	if _, err := hc.Build(); KindOf(err) != KindFatalConfiguration {
		t.Errorf("Build = %v", err)
	}
	hc = HandlerConfig{Name: "app", Type: "file"}
	if _, err := hc.Build(); KindOf(err) != KindFatalConfiguration {
		t.Errorf("file without path: %v", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); KindOf(err) != KindFatalConfiguration {
		t.Errorf("LoadConfig = %v", err)
	}
}
