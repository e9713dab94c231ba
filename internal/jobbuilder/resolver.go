package jobbuilder

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/patrickmn/go-cache"
)

const (
	DefaultResolveTTL = 10 * time.Minute
	cleanupInterval   = 30 * time.Minute
)

var ErrNoAddress = errors.New("host has no address")

// LookupFunc resolves a host name to its addresses.
type LookupFunc func(ctx context.Context, host string) ([]string, error)

// Resolver maps URLs to the IP of their host, caching lookups so a batch of
// records on the same host costs one DNS query.
type Resolver struct {
	cache  *cache.Cache
	lookup LookupFunc
}

func NewResolver(ttl time.Duration, lookup LookupFunc) *Resolver {
	if ttl <= 0 {
		ttl = DefaultResolveTTL
	}
	if lookup == nil {
		lookup = net.DefaultResolver.LookupHost
	}
	return &Resolver{
		cache:  cache.New(ttl, cleanupInterval),
		lookup: lookup,
	}
}

// Resolve returns the IP address the content at rawURL is served from.
// IPv4 addresses are preferred.
func (r *Resolver) Resolve(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String(), nil
	}

	if cached, ok := r.cache.Get(host); ok {
		return cached.(string), nil
	}

	addrs, err := r.lookup(ctx, host)
	if err != nil {
		return "", fmt.Errorf("lookup %s: %w", host, err)
	}
	ip := pick(addrs)
	if ip == "" {
		return "", fmt.Errorf("%s: %w", host, ErrNoAddress)
	}
	r.cache.SetDefault(host, ip)
	return ip, nil
}

func pick(addrs []string) string {
	var fallback string
	for _, a := range addrs {
		ip := net.ParseIP(a)
		if ip == nil {
			continue
		}
		if ip.To4() != nil {
			return ip.String()
		}
		if fallback == "" {
			fallback = ip.String()
		}
	}
	return fallback
}
