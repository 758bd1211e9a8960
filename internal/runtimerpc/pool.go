package runtimerpc

import "sync"

// Pool caches one Client per runtime endpoint so the dispatcher and the
// event listener share a single gRPC connection to each task runtime
// instead of dialing per call.
type Pool struct {
	mu      sync.Mutex
	clients map[string]Client
	dial    func(endpoint string) (Client, error)
}

// NewPool creates a Pool. dial is injected so tests can substitute a fake
// Client without a real gRPC dial.
func NewPool(dial func(endpoint string) (Client, error)) *Pool {
	return &Pool{clients: make(map[string]Client), dial: dial}
}

// Get returns the cached client for endpoint, dialing one on first use.
func (p *Pool) Get(endpoint string) (Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[endpoint]; ok {
		return c, nil
	}
	c, err := p.dial(endpoint)
	if err != nil {
		return nil, err
	}
	p.clients[endpoint] = c
	return c, nil
}

// Drop closes and evicts the cached client for endpoint, used after a
// connection is found to be broken so the next Get redials.
func (p *Pool) Drop(endpoint string) {
	p.mu.Lock()
	c, ok := p.clients[endpoint]
	delete(p.clients, endpoint)
	p.mu.Unlock()
	if ok {
		_ = c.Close()
	}
}

// CloseAll closes every cached client, used on shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for endpoint, c := range p.clients {
		_ = c.Close()
		delete(p.clients, endpoint)
	}
}
