// Package routes maps inbound Host headers to upstream base URLs.
package routes

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/matst80/burrow/internal/obs"
)

var ErrNoRoute = errors.New("routes: no route for host")

// Resolver looks up the upstream for a Host header value. Unmapped hosts
// return ErrNoRoute.
type Resolver interface {
	Resolve(ctx context.Context, host string) (*url.URL, error)
}

// CandidateHosts lists the keys tried for host, most specific first: the
// lowercased host as received, then without its port.
func CandidateHosts(host string) []string {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return nil
	}
	out := []string{host}
	if h, _, err := net.SplitHostPort(host); err == nil && h != "" && h != host {
		out = append(out, strings.Trim(h, "[]"))
	}
	return out
}

// ParseUpstream validates an upstream base URI.
func ParseUpstream(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("routes: upstream %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("routes: upstream %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("routes: upstream %q: missing host", raw)
	}
	return u, nil
}

// Chain tries each resolver in order. ErrNoRoute moves on to the next one;
// other errors are logged and also fall through, so a broken shared store
// does not hide the local table.
type Chain []Resolver

func (c Chain) Resolve(ctx context.Context, host string) (*url.URL, error) {
	for _, r := range c {
		u, err := r.Resolve(ctx, host)
		if err == nil {
			return u, nil
		}
		if !errors.Is(err, ErrNoRoute) {
			obs.ErrorsTotal.WithLabelValues("route_lookup").Inc()
			obs.Error("routes.resolve", obs.Fields{"host": host, "err": err})
		}
	}
	return nil, ErrNoRoute
}
