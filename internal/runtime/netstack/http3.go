// Package netstack provides the network transport for remote task delivery.
package netstack

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	http3 "github.com/quic-go/quic-go/http3"
	"github.com/sirupsen/logrus"

	"github.com/orizon-lang/taskcore/internal/codec"
	"github.com/orizon-lang/taskcore/internal/runtime/remote"
)

// EnvelopePath is where envelopes are POSTed.
const EnvelopePath = "/v1/envelope"

const maxEnvelopeBytes = 64 << 20

// HTTP3Transport implements remote.Transport over HTTP/3. Each envelope is
// one POST; a handler error comes back as a 500 and is returned by Send.
type HTTP3Transport struct {
	ServerTLS *tls.Config
	ClientTLS *tls.Config
	Timeout   time.Duration
	Log       logrus.FieldLogger

	mutex  sync.RWMutex
	srv    *http3.Server
	pc     net.PacketConn
	addr   string
	done   chan struct{}
	client *http.Client
	codec  codec.JSON
}

var _ remote.Transport = (*HTTP3Transport)(nil)

// Start begins serving HTTP/3 on address. An address ending in ":0" binds an
// ephemeral UDP port; Address reports the real one.
func (t *HTTP3Transport) Start(address string, handler remote.Handler) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.srv != nil {
		return remote.ErrAlreadyStarted
	}
	if t.ServerTLS == nil {
		return errors.New("http3 transport: server TLS config required")
	}
	if t.Log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		t.Log = l
	}

	pc, err := net.ListenPacket("udp", address)
	if err != nil {
		return fmt.Errorf("http3 listen %s: %w", address, err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc(EnvelopePath, t.serveEnvelope(handler))
	t.srv = &http3.Server{TLSConfig: http3.ConfigureTLSConfig(t.ServerTLS), Handler: mux}
	t.pc = pc
	t.addr = pc.LocalAddr().String()
	t.done = make(chan struct{})
	srv, done := t.srv, t.done
	go func() {
		defer close(done)
		if err := srv.Serve(pc); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Log.WithError(err).Debug("http3 serve returned")
		}
	}()
	t.client = t.newClient()

	return nil
}

func (t *HTTP3Transport) newClient() *http.Client {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Transport: &http3.Transport{TLSClientConfig: t.ClientTLS}, Timeout: timeout}
}

func (t *HTTP3Transport) serveEnvelope(handler remote.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxEnvelopeBytes))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var env remote.Envelope
		if err := t.codec.Unmarshal(body, &env); err != nil {
			http.Error(w, "malformed envelope: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := handler(env); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// Stop closes the listener and waits briefly for the serve loop to exit.
func (t *HTTP3Transport) Stop() error {
	t.mutex.Lock()
	srv, pc, done, client := t.srv, t.pc, t.done, t.client
	t.srv, t.pc, t.addr, t.client = nil, nil, "", nil
	t.mutex.Unlock()
	if srv == nil {
		return nil
	}

	err := srv.Close()
	_ = pc.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
	}
	if tr, ok := client.Transport.(*http3.Transport); ok {
		_ = tr.Close()
	}

	return err
}

func (t *HTTP3Transport) Address() string {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.addr
}

// Send POSTs env to the transport listening on to (host:port).
func (t *HTTP3Transport) Send(to string, env remote.Envelope) error {
	t.mutex.RLock()
	client := t.client
	t.mutex.RUnlock()
	if client == nil {
		return remote.ErrNotStarted
	}

	body, err := t.codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://"+to+EnvelopePath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", t.codec.ContentType())

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", remote.ErrUnknownDestination, to, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("send to %s: %s: %s", to, resp.Status, bytes.TrimSpace(msg))
	}

	return nil
}
