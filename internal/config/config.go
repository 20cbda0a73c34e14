// Package config holds the worker configuration and its loading and reload
// machinery.
package config

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// Duration is a time.Duration that reads and writes as a Go duration string
// ("10s") in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"10s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Transport names.
const (
	TransportMemory = "memory"
	TransportHTTP3  = "http3"
)

// WorkerConfig configures one worker process.
type WorkerConfig struct {
	NodeName           string             `json:"node_name"`
	ListenAddress      string             `json:"listen_address"`
	Transport          string             `json:"transport"`
	TLSCertFile        string             `json:"tls_cert_file,omitempty"`
	TLSKeyFile         string             `json:"tls_key_file,omitempty"`
	TLSCAFile          string             `json:"tls_ca_file,omitempty"`
	TLSInsecure        bool               `json:"tls_insecure,omitempty"`
	MetricsAddress     string             `json:"metrics_address,omitempty"` // Empty disables the metrics server
	MaxConcurrentTasks int                `json:"max_concurrent_tasks"`
	FunctionDir        string             `json:"function_dir,omitempty"` // Directory of function library plugins
	Codec              string             `json:"codec"`
	LogLevel           string             `json:"log_level"`
	LogJSON            bool               `json:"log_json"`
	Resources          map[string]float64 `json:"resources,omitempty"` // Overrides the probed node capacity
	ShutdownTimeout    Duration           `json:"shutdown_timeout"`
}

// DefaultWorkerConfig provides sensible defaults for a single-node worker.
var DefaultWorkerConfig = WorkerConfig{
	NodeName:           "worker",
	ListenAddress:      "127.0.0.1:7100",
	Transport:          TransportHTTP3,
	MaxConcurrentTasks: 64,
	Codec:              "msgpack",
	LogLevel:           "info",
	ShutdownTimeout:    Duration(10 * time.Second),
}

// Clone returns a deep copy.
func (c *WorkerConfig) Clone() *WorkerConfig {
	out := *c
	out.Resources = maps.Clone(c.Resources)
	return &out
}
