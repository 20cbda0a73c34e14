package remote

import (
	"fmt"
	"sync"
)

// Network is a set of in-process transports that can reach each other by
// address.
type Network struct {
	mutex sync.RWMutex
	nodes map[string]*InMemoryTransport
}

func NewNetwork() *Network { return &Network{nodes: make(map[string]*InMemoryTransport)} }

var defaultNetwork = NewNetwork()

// InMemoryTransport is an in-process transport useful for tests and
// single-process clusters. A zero value joins the package default network.
type InMemoryTransport struct {
	Network *Network
	addr    string
	handler Handler
	mutex   sync.RWMutex
}

func (t *InMemoryTransport) network() *Network {
	if t.Network == nil {
		return defaultNetwork
	}
	return t.Network
}

func (t *InMemoryTransport) Start(address string, handler Handler) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.addr != "" {
		return ErrAlreadyStarted
	}
	n := t.network()
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if _, exists := n.nodes[address]; exists {
		return fmt.Errorf("address already in use: %s", address)
	}
	t.addr = address
	t.handler = handler
	n.nodes[address] = t
	return nil
}

func (t *InMemoryTransport) Stop() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.addr == "" {
		return nil
	}
	n := t.network()
	n.mutex.Lock()
	delete(n.nodes, t.addr)
	n.mutex.Unlock()
	t.addr = ""
	t.handler = nil
	return nil
}

func (t *InMemoryTransport) Address() string {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.addr
}

// Send delivers env synchronously on the caller's goroutine.
func (t *InMemoryTransport) Send(to string, env Envelope) error {
	n := t.network()
	n.mutex.RLock()
	dst := n.nodes[to]
	n.mutex.RUnlock()
	if dst == nil {
		return fmt.Errorf("%w: %s", ErrUnknownDestination, to)
	}
	dst.mutex.RLock()
	handler := dst.handler
	dst.mutex.RUnlock()
	if handler == nil {
		return fmt.Errorf("destination has no handler: %s", to)
	}
	return handler(env)
}
