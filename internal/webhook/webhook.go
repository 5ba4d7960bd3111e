// Package webhook delivers meeting event notifications to operator-supplied
// URLs. Destinations are attacker-controllable configuration, so every send
// re-validates the URL against SSRF: only http/https schemes, and no hosts
// that resolve to loopback, private, link-local, unspecified, or cloud
// metadata addresses.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/loqui-ai/loqui/internal/resilience"
)

const defaultSendTimeout = 10 * time.Second

// Resolver looks up the IP addresses of a host. net.DefaultResolver in
// production; swapped in tests.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Sender posts JSON payloads to verified webhook URLs. Deliveries run
// through a circuit breaker so a dead destination fails fast instead of
// eating the full timeout on every event.
type Sender struct {
	client   *http.Client
	resolver Resolver
	breaker  *resilience.Breaker
	log      *slog.Logger
}

// Option is a functional option for Sender.
type Option func(*Sender)

// WithHTTPClient replaces the HTTP client used for delivery.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Sender) { s.client = c }
}

// WithResolver replaces the DNS resolver used for destination checks.
func WithResolver(r Resolver) Option {
	return func(s *Sender) { s.resolver = r }
}

// WithLogger sets the sender logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Sender) { s.log = log }
}

// WithBreaker replaces the delivery circuit breaker.
func WithBreaker(b *resilience.Breaker) Option {
	return func(s *Sender) { s.breaker = b }
}

// NewSender returns a Sender with a 10 s delivery timeout.
func NewSender(opts ...Option) *Sender {
	s := &Sender{
		client:   &http.Client{Timeout: defaultSendTimeout},
		resolver: net.DefaultResolver,
		breaker:  resilience.NewBreaker("webhook"),
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Send verifies the destination and posts body as JSON. Verification runs on
// every call: a DNS record that changed since the URL was configured must
// not open a path into the internal network.
func (s *Sender) Send(ctx context.Context, rawURL string, body []byte) error {
	if err := s.verify(ctx, rawURL); err != nil {
		return err
	}

	return s.breaker.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("webhook: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("webhook: deliver: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("webhook: destination returned status %d", resp.StatusCode)
		}
		s.log.DebugContext(ctx, "webhook delivered", "url", rawURL, "status", resp.StatusCode)
		return nil
	})
}

// verify rejects URLs that are not plain http/https or whose host resolves
// to a non-public address.
func (s *Sender) verify(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("webhook: parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook: scheme %q not allowed", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("webhook: url has no host")
	}

	// A literal IP skips DNS but gets the same address checks.
	if ip := net.ParseIP(host); ip != nil {
		if err := checkIP(ip); err != nil {
			return fmt.Errorf("webhook: host %s: %w", host, err)
		}
		return nil
	}

	addrs, err := s.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("webhook: resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("webhook: host %s resolves to no addresses", host)
	}
	// Every address must be public; one internal A record poisons the host.
	for _, addr := range addrs {
		if err := checkIP(addr.IP); err != nil {
			return fmt.Errorf("webhook: host %s: %w", host, err)
		}
	}
	return nil
}

// metadataIP is the cloud instance-metadata endpoint, blocked explicitly on
// top of the link-local check.
var metadataIP = net.ParseIP("169.254.169.254")

// checkIP rejects addresses inside the host's own network.
func checkIP(ip net.IP) error {
	switch {
	case ip.Equal(metadataIP):
		return fmt.Errorf("resolves to cloud metadata address")
	case ip.IsLoopback():
		return fmt.Errorf("resolves to loopback address %s", ip)
	case ip.IsPrivate():
		return fmt.Errorf("resolves to private address %s", ip)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("resolves to link-local address %s", ip)
	case ip.IsUnspecified():
		return fmt.Errorf("resolves to unspecified address %s", ip)
	}
	return nil
}
