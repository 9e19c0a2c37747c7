package lb

import (
	"net"
	"net/url"
	"sync"

	"github.com/pkg/errors"
)

// resolver keeps a DNS-refreshed pool of backend base URLs and hands
// them out round-robin. When resolution fails or returns nothing the
// configured target URL itself is the pool.
type resolver struct {
	scheme   string
	host     string
	port     string
	fallback string

	// lookup is swappable for tests.
	lookup func(host string) ([]string, error)

	mu       sync.Mutex
	backends []string
	next     int
}

func newResolver(target string) (*resolver, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, errors.Wrapf(err, "parse target %s", target)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.Errorf("target %s needs a scheme and host", target)
	}
	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	return &resolver{
		scheme:   u.Scheme,
		host:     u.Hostname(),
		port:     port,
		fallback: u.Scheme + "://" + u.Host,
		lookup:   net.LookupHost,
	}, nil
}

// refresh re-resolves the target host. Address order is preserved and
// duplicates dropped so the round-robin walk stays stable between
// refreshes.
func (r *resolver) refresh() {
	addrs, err := r.lookup(r.host)
	if err != nil {
		log.WithError(err).WithField("host", r.host).Debug("DNS resolution failed, keeping pool")
		return
	}
	seen := make(map[string]bool, len(addrs))
	backends := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		if seen[addr] {
			continue
		}
		seen[addr] = true
		backends = append(backends, r.scheme+"://"+net.JoinHostPort(addr, r.port))
	}
	r.mu.Lock()
	r.backends = backends
	r.mu.Unlock()
}

// pick returns the next backend base URL.
func (r *resolver) pick() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.backends) == 0 {
		return r.fallback
	}
	backend := r.backends[r.next%len(r.backends)]
	r.next++
	return backend
}
