package daemon

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Prober tracks whether the review endpoint is reachable. Any HTTP response
// counts as reachable; only transport errors count as offline.
type Prober struct {
	url    string
	client *http.Client

	mu     sync.Mutex
	online bool
}

// NewProber creates a prober for url. A nil client gets a 5 second timeout.
// The prober starts offline, so the first successful probe is a transition.
func NewProber(url string, client *http.Client) *Prober {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Prober{url: url, client: client}
}

// Probe issues one HEAD request. restored is true when the endpoint was
// offline before this probe and reachable now.
func (p *Prober) Probe(ctx context.Context) (online, restored bool) {
	online = p.reachable(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	restored = online && !p.online
	p.online = online
	return online, restored
}

// Online reports the result of the last probe.
func (p *Prober) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

func (p *Prober) reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
