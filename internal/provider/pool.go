package provider

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// clientPool hands out HTTP clients round-robin. The mutex guards only the
// index bookkeeping; network calls happen outside it.
type clientPool struct {
	mu      sync.Mutex
	next    int
	clients []*http.Client
}

func newClientPool(size int, build func() *http.Client) *clientPool {
	if size <= 0 {
		size = 1
	}
	clients := make([]*http.Client, size)
	for i := range clients {
		clients[i] = build()
	}
	return &clientPool{clients: clients}
}

func (p *clientPool) acquire() *http.Client {
	p.mu.Lock()
	c := p.clients[p.next%len(p.clients)]
	p.next++
	p.mu.Unlock()
	return c
}

func (p *clientPool) closeIdle() {
	for _, c := range p.clients {
		c.CloseIdleConnections()
	}
}

// defaultTransport builds a pooled transport with production timeouts.
func defaultTransport(maxIdle, maxIdlePerHost int) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        maxIdle,
		MaxIdleConnsPerHost: maxIdlePerHost,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
