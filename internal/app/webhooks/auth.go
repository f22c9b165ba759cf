package webhooks

import (
	"crypto/hmac"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"yookassa/internal/domain"
	"yookassa/internal/util"
)

// Authenticator checks that an inbound notification really comes from the provider.
type Authenticator interface {
	Authenticate(r *http.Request, body []byte) error
}

// YooKassaNetworks are the published source networks of YooKassa notifications.
var YooKassaNetworks = []string{
	"185.71.76.0/27",
	"185.71.77.0/27",
	"77.75.153.0/25",
	"77.75.156.11/32",
	"77.75.156.35/32",
	"77.75.154.128/25",
	"2a02:5180::/32",
}

type IPAllowlist struct {
	prefixes       []netip.Prefix
	trustForwarded bool
}

// NewIPAllowlist parses cidrs. With trustForwarded the left-most
// X-Forwarded-For address is checked instead of the socket peer.
func NewIPAllowlist(cidrs []string, trustForwarded bool) (*IPAllowlist, error) {
	a := &IPAllowlist{trustForwarded: trustForwarded}
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if !strings.Contains(c, "/") {
			addr, err := netip.ParseAddr(c)
			if err != nil {
				return nil, fmt.Errorf("invalid allow-list address %q: %w", c, err)
			}
			a.prefixes = append(a.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("invalid allow-list network %q: %w", c, err)
		}
		a.prefixes = append(a.prefixes, p.Masked())
	}
	if len(a.prefixes) == 0 {
		return nil, fmt.Errorf("ip allow-list is empty")
	}
	return a, nil
}

func (a *IPAllowlist) Authenticate(r *http.Request, _ []byte) error {
	raw := r.RemoteAddr
	if a.trustForwarded {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			raw = strings.TrimSpace(strings.Split(fwd, ",")[0])
		}
	}
	if host, _, err := net.SplitHostPort(raw); err == nil {
		raw = host
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return fmt.Errorf("%w: unparsable source address %q", domain.ErrWebhookUnauthorized, raw)
	}
	addr = addr.Unmap()
	for _, p := range a.prefixes {
		if p.Contains(addr) {
			return nil
		}
	}
	return fmt.Errorf("%w: source %s is not allowed", domain.ErrWebhookUnauthorized, addr)
}

// HMACAuthenticator expects the hex HMAC-SHA256 of the raw body in a header.
type HMACAuthenticator struct {
	secret string
	header string
}

func NewHMACAuthenticator(secret, header string) (*HMACAuthenticator, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is empty")
	}
	if header == "" {
		header = "X-Signature"
	}
	return &HMACAuthenticator{secret: secret, header: header}, nil
}

func (a *HMACAuthenticator) Authenticate(r *http.Request, body []byte) error {
	sig := strings.ToLower(strings.TrimSpace(r.Header.Get(a.header)))
	if sig == "" {
		return fmt.Errorf("%w: missing %s header", domain.ErrWebhookUnauthorized, a.header)
	}
	expected := util.HMACSHA256Hex(a.secret, body)
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return fmt.Errorf("%w: signature mismatch", domain.ErrWebhookUnauthorized)
	}
	return nil
}

// AllowAll accepts every request; for local development only.
type AllowAll struct{}

func (AllowAll) Authenticate(*http.Request, []byte) error { return nil }
