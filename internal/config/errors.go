package config

import "errors"

// Sentinel errors for worker configuration validation.
var (
	ErrConfigEmpty        = errors.New("worker configuration is empty")
	ErrNodeNameEmpty      = errors.New("node_name is required")
	ErrListenAddressEmpty = errors.New("listen_address is required")
	ErrUnknownTransport   = errors.New("unknown transport")
	ErrConcurrency        = errors.New("max_concurrent_tasks must be positive")
	ErrUnknownCodec       = errors.New("unknown codec")
	ErrLogLevel           = errors.New("invalid log_level")
	ErrTLSPair            = errors.New("tls_cert_file and tls_key_file must be set together")
	ErrNegativeResource   = errors.New("resource quantity must not be negative")
	ErrShutdownTimeout    = errors.New("shutdown_timeout must not be negative")
)
