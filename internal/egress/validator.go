// Package egress decides whether caller-supplied URLs are safe to contact.
// It blocks unencrypted schemes and destinations that resolve to loopback,
// link-local, or private address ranges, and re-validates each address at
// connection time so a DNS answer cannot change between check and use.
package egress

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"

	"soundpress/internal/config"
)

var (
	// ErrScheme indicates a URL scheme outside the configured policy.
	ErrScheme = errors.New("scheme not allowed")
	// ErrPrivateAddress indicates the destination resolves into a blocked range.
	ErrPrivateAddress = errors.New("destination address not allowed")
)

// Validator evaluates outbound URLs against the egress policy.
type Validator struct {
	allowHTTP    bool
	allowPrivate bool
	lookup       func(ctx context.Context, host string) ([]netip.Addr, error)
}

// New constructs a validator from configuration.
func New(cfg config.Egress) *Validator {
	return &Validator{
		allowHTTP:    cfg.AllowHTTP,
		allowPrivate: cfg.AllowPrivateIPs,
		lookup: func(ctx context.Context, host string) ([]netip.Addr, error) {
			return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		},
	}
}

// IsSafe reports whether the URL may be contacted.
func (v *Validator) IsSafe(ctx context.Context, raw string) bool {
	return v.Validate(ctx, raw) == nil
}

// Validate returns the reason a URL is rejected, or nil when it passes.
func (v *Validator) Validate(ctx context.Context, raw string) error {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}

	switch parsed.Scheme {
	case "https":
	case "http":
		if !v.allowHTTP {
			return fmt.Errorf("%w: http is disabled", ErrScheme)
		}
	default:
		return fmt.Errorf("%w: %q", ErrScheme, parsed.Scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return errors.New("url has no host")
	}
	if v.allowPrivate {
		return nil
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return v.checkAddr(addr)
	}

	addrs, err := v.lookup(ctx, host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("resolve %s: no addresses", host)
	}
	for _, addr := range addrs {
		if err := v.checkAddr(addr); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) checkAddr(addr netip.Addr) error {
	addr = addr.Unmap()
	switch {
	case addr.IsLoopback():
		return fmt.Errorf("%w: %s is loopback", ErrPrivateAddress, addr)
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return fmt.Errorf("%w: %s is link-local", ErrPrivateAddress, addr)
	case addr.IsPrivate():
		return fmt.Errorf("%w: %s is private", ErrPrivateAddress, addr)
	case addr.IsUnspecified(), addr.IsMulticast():
		return fmt.Errorf("%w: %s", ErrPrivateAddress, addr)
	}
	return nil
}

// DialControl re-validates the address actually being dialed. Installed on
// the dialer used for uploads and webhooks, it closes the gap between
// resolution at admission time and the connection made later.
func (v *Validator) DialControl(network, address string, _ syscall.RawConn) error {
	if v.allowPrivate {
		return nil
	}
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("parse dialed address %q: %w", address, err)
	}
	return v.checkAddr(addr)
}

// Transport returns an http.Transport whose connections pass through
// DialControl.
func (v *Validator) Transport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   v.DialControl,
	}
	return &http.Transport{
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}
