package remote

import (
	"maps"
	"sync"
)

// Node is a worker that accepts tasks.
type Node struct {
	Address   string             `json:"address"`
	Resources map[string]float64 `json:"resources,omitempty"` // Advertised capacity
}

// Discovery resolves worker node names to addresses.
type Discovery interface {
	Register(name string, node Node) error
	Unregister(name string)
	Resolve(name string) (Node, bool)
	Members() map[string]Node
}

// StaticDiscovery is an in-memory Discovery for tests and single-process
// clusters.
type StaticDiscovery struct {
	nodes map[string]Node
	mu    sync.RWMutex
}

func NewStaticDiscovery() *StaticDiscovery { return &StaticDiscovery{nodes: make(map[string]Node)} }

func (d *StaticDiscovery) Register(name string, node Node) error {
	node.Resources = maps.Clone(node.Resources)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nodes[name] = node

	return nil
}

func (d *StaticDiscovery) Unregister(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.nodes, name)
}

func (d *StaticDiscovery) Resolve(name string) (Node, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.nodes[name]

	return n, ok
}

func (d *StaticDiscovery) Members() map[string]Node {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return maps.Clone(d.nodes)
}
