package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/orizon-lang/taskcore/internal/codec"
)

// Loader loads and parses worker configuration files. Fields missing from the
// file keep their DefaultWorkerConfig values.
type Loader struct{}

func NewLoader() *Loader {
	return &Loader{}
}

// LoadFromFile loads and validates the configuration at path.
func (l *Loader) LoadFromFile(path string) (*WorkerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg, err := l.LoadFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	return cfg, nil
}

// LoadFromBytes parses and validates configuration from raw JSON. Unknown
// fields are rejected.
func (l *Loader) LoadFromBytes(data []byte) (*WorkerConfig, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrConfigEmpty
	}

	cfg := DefaultWorkerConfig.Clone()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate returns the first problem found in cfg.
func Validate(cfg *WorkerConfig) error {
	if cfg == nil {
		return ErrConfigEmpty
	}
	if cfg.NodeName == "" {
		return ErrNodeNameEmpty
	}
	if cfg.ListenAddress == "" {
		return ErrListenAddressEmpty
	}
	switch cfg.Transport {
	case TransportMemory, TransportHTTP3:
	default:
		return fmt.Errorf("transport=%q: %w", cfg.Transport, ErrUnknownTransport)
	}
	if cfg.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("max_concurrent_tasks=%d: %w", cfg.MaxConcurrentTasks, ErrConcurrency)
	}
	if _, err := codec.ByName(cfg.Codec); err != nil {
		return fmt.Errorf("codec=%q: %w", cfg.Codec, ErrUnknownCodec)
	}
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("log_level=%q: %w", cfg.LogLevel, ErrLogLevel)
	}
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return ErrTLSPair
	}
	for name, q := range cfg.Resources {
		if q < 0 {
			return fmt.Errorf("resources.%s=%g: %w", name, q, ErrNegativeResource)
		}
	}
	if cfg.ShutdownTimeout < 0 {
		return ErrShutdownTimeout
	}

	return nil
}
