// Package remote carries encoded tasks from a submitter to a worker node and
// their results back.
package remote

import (
	"errors"
	"time"
)

// MessageType says what an envelope's payload is.
type MessageType uint32

const (
	MessageTask   MessageType = 1 // task.Encode output
	MessageResult MessageType = 2 // codec-encoded Reply
)

var (
	ErrNotStarted         = errors.New("transport not started")
	ErrAlreadyStarted     = errors.New("transport already started")
	ErrUnknownDestination = errors.New("destination not found")
	ErrUnknownNode        = errors.New("node not registered")
)

// Envelope is a transport-level message wrapper.
type Envelope struct {
	Headers       map[string]string `json:"headers,omitempty"`
	SenderNode    string            `json:"senderNode"`
	ReplyTo       string            `json:"replyTo,omitempty"`
	ReceiverNode  string            `json:"receiverNode"`
	CorrelationID string            `json:"correlationId,omitempty"`
	ContentType   string            `json:"contentType,omitempty"`
	PayloadBytes  []byte            `json:"payload"`
	TimestampUnix int64             `json:"timestampUnix"`
	MessageType   MessageType       `json:"messageType"`
}

// Handler is invoked by a Transport upon message arrival. An error is reported
// back to the sender where the transport can do so.
type Handler func(Envelope) error

// Transport abstracts a bidirectional messaging transport.
type Transport interface {
	Start(address string, handler Handler) error
	Stop() error
	Address() string
	Send(to string, env Envelope) error
}

// NowUnix returns current time in unix nano for stamping envelopes.
func NowUnix() int64 { return time.Now().UnixNano() }
