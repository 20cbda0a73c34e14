package task

import "errors"

var (
	ErrInvalidSpec         = errors.New("invalid task specification")
	ErrForwardsOverflow    = errors.New("task forward count overflow")
	ErrMalformedMessage    = errors.New("malformed task message")
	ErrUnsupportedProtocol = errors.New("unsupported task protocol version")
)
