package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromBytes_AppliesDefaults(t *testing.T) {
	cfg, err := NewLoader().LoadFromBytes([]byte(`{"node_name":"w1","max_concurrent_tasks":8,"shutdown_timeout":"3s"}`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NodeName != "w1" || cfg.MaxConcurrentTasks != 8 {
		t.Fatalf("explicit fields lost: %+v", cfg)
	}
	if cfg.Transport != DefaultWorkerConfig.Transport || cfg.Codec != "msgpack" || cfg.LogLevel != "info" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if time.Duration(cfg.ShutdownTimeout) != 3*time.Second {
		t.Fatalf("shutdown_timeout=%v", time.Duration(cfg.ShutdownTimeout))
	}
}

func TestLoadFromBytes_Rejects(t *testing.T) {
	tests := []struct {
		name string
		json string
		want error
	}{
		{"empty", "  ", ErrConfigEmpty},
		{"no node name", `{"node_name":""}`, ErrNodeNameEmpty},
		{"transport", `{"transport":"carrier-pigeon"}`, ErrUnknownTransport},
		{"concurrency", `{"max_concurrent_tasks":0}`, ErrConcurrency},
		{"codec", `{"codec":"xml"}`, ErrUnknownCodec},
		{"log level", `{"log_level":"chatty"}`, ErrLogLevel},
		{"tls pair", `{"tls_cert_file":"c.pem"}`, ErrTLSPair},
		{"resource", `{"resources":{"CPU":-1}}`, ErrNegativeResource},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewLoader().LoadFromBytes([]byte(tt.json)); !errors.Is(err, tt.want) {
				t.Fatalf("err=%v want %v", err, tt.want)
			}
		})
	}

	if _, err := NewLoader().LoadFromBytes([]byte(`{"bogus":1}`)); err == nil {
		t.Fatalf("unknown field accepted")
	}
	if _, err := NewLoader().LoadFromBytes([]byte(`{"shutdown_timeout":5}`)); err == nil {
		t.Fatalf("numeric duration accepted")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.json")
	if _, err := NewLoader().LoadFromFile(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("missing file err=%v", err)
	}
	if err := os.WriteFile(path, []byte(`{"log_level":"debug"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := NewLoader().LoadFromFile(path)
	if err != nil || cfg.LogLevel != "debug" {
		t.Fatalf("cfg=%+v err=%v", cfg, err)
	}
}

func TestDefaultWorkerConfigIsValid(t *testing.T) {
	if err := Validate(DefaultWorkerConfig.Clone()); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestClone_CopiesResources(t *testing.T) {
	c := DefaultWorkerConfig.Clone()
	c.Resources = map[string]float64{"CPU": 1}
	d := c.Clone()
	d.Resources["CPU"] = 2
	if c.Resources["CPU"] != 1 {
		t.Fatalf("clone shares resources map")
	}
}

func TestWatcher_ReloadsValidChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.json")
	if err := os.WriteFile(path, []byte(`{"log_level":"info"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	got := make(chan *WorkerConfig, 4)
	w, err := NewWatcher(path, func(c *WorkerConfig) { got <- c }, nil)
	if err != nil {
		t.Skip("fsnotify unavailable:", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	if err := os.WriteFile(path, []byte(`{"log_level":"nope"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case c := <-got:
		t.Fatalf("invalid config delivered: %+v", c)
	case <-time.After(200 * time.Millisecond):
	}

	if err := os.WriteFile(path, []byte(`{"log_level":"warn","max_concurrent_tasks":3}`), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case c := <-got:
		if c.LogLevel != "warn" || c.MaxConcurrentTasks != 3 {
			t.Fatalf("reloaded=%+v", c)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no reload after valid change")
	}
}
