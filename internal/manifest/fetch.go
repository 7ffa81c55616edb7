package manifest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/clawreview/trust-engine/internal/domain"
)

// Fetch defaults.
const (
	DefaultTimeout      = 8 * time.Second
	DefaultMaxRedirects = 3
)

var cgnat = netip.MustParsePrefix("100.64.0.0/10")

// Resolver looks up the addresses of a host.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Fetcher retrieves skill.md documents without letting a URL reach internal
// addresses. Every hop of a redirect chain is validated, and the dialer checks
// the address it actually connects to.
type Fetcher struct {
	Client       *http.Client
	Resolver     Resolver
	Parser       Parser
	AllowDevHTTP bool
	Timeout      time.Duration
	MaxRedirects int

	// blocked reports whether an address may not be contacted.
	blocked func(netip.Addr) bool
}

// NewFetcher creates a Fetcher with the given timeout and redirect budget.
func NewFetcher(timeout time.Duration, maxRedirects int, allowDevHTTP bool) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxRedirects < 0 {
		maxRedirects = DefaultMaxRedirects
	}
	f := &Fetcher{
		Resolver:     net.DefaultResolver,
		Parser:       Parser{AllowDevHTTP: allowDevHTTP},
		AllowDevHTTP: allowDevHTTP,
		Timeout:      timeout,
		MaxRedirects: maxRedirects,
		blocked:      BlockedIP,
	}
	dialer := &net.Dialer{Timeout: timeout, Control: f.dialControl}
	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		MaxIdleConns:          10,
		IdleConnTimeout:       30 * time.Second,
	}
	f.Client = &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return f
}

func (f *Fetcher) dialControl(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return err
	}
	if f.blocked(addr.Unmap()) && !(f.AllowDevHTTP && addr.Unmap().IsLoopback()) {
		return domain.NewEngineError(domain.ErrUnsafeURL, "connection to a private or loopback address refused")
	}
	return nil
}

// BlockedIP reports loopback, private, link-local, CGNAT, multicast and
// unspecified addresses.
func BlockedIP(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.IsValid() {
		return true
	}
	return addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() ||
		addr.IsMulticast() ||
		addr.IsUnspecified() ||
		cgnat.Contains(addr) ||
		(addr.Is4() && addr.As4()[0] == 0)
}

func isLocalHost(host string) bool {
	h := strings.ToLower(strings.TrimSuffix(host, "."))
	return h == "localhost" || h == "127.0.0.1" || h == "::1"
}

func isInternalName(host string) bool {
	h := strings.ToLower(strings.TrimSuffix(host, "."))
	return h == "localhost" ||
		strings.HasSuffix(h, ".localhost") ||
		strings.HasSuffix(h, ".local") ||
		strings.HasSuffix(h, ".internal")
}

func unsafeURL(msg string) error {
	return domain.NewEngineError(domain.ErrUnsafeURL, msg)
}

// ValidateURL checks raw against the fetch rules and resolves its host.
func (f *Fetcher) ValidateURL(ctx context.Context, raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, unsafeURL("skill.md URL is invalid")
	}
	if u.User != nil {
		return nil, unsafeURL("skill.md URL must not include credentials")
	}

	host := u.Hostname()
	devLocal := f.AllowDevHTTP && isLocalHost(host) && (u.Scheme == "http" || u.Scheme == "https")
	if u.Scheme != "https" && !devLocal {
		return nil, unsafeURL("skill.md URL must use https (or localhost http in dev mode)")
	}
	if devLocal {
		return u, nil
	}
	if isInternalName(host) {
		return nil, unsafeURL("localhost and internal hostnames are not allowed")
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if f.blocked(addr) {
			return nil, unsafeURL("skill.md URL must not target private or loopback IP addresses")
		}
		return u, nil
	}

	addrs, err := f.Resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, unsafeURL("could not resolve skill.md host")
	}
	if len(addrs) == 0 {
		return nil, unsafeURL("skill.md host did not resolve to an IP")
	}
	for _, a := range addrs {
		if f.blocked(a) {
			return nil, unsafeURL("skill.md host resolves to a private or loopback IP")
		}
	}
	return u, nil
}

// Fetch downloads and parses the skill.md at rawURL. Network failures and
// timeouts are reported as domain.ErrManifestFetchFailed; parse failures as a
// *domain.ValidationError.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Manifest, error) {
	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	current, err := f.ValidateURL(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	for redirects := 0; ; {
		body, next, err := f.get(ctx, current)
		if err != nil {
			return nil, err
		}
		if next == nil {
			m, err := f.Parser.Parse(body)
			if err != nil {
				return nil, err
			}
			m.SourceURL = rawURL
			return m, nil
		}
		redirects++
		if redirects > f.MaxRedirects {
			return nil, domain.NewEngineError(domain.ErrManifestFetchFailed, "too many redirects while fetching skill.md")
		}
		if current, err = f.ValidateURL(ctx, next.String()); err != nil {
			return nil, err
		}
	}
}

// get performs one hop. It returns the body, or the resolved redirect target.
func (f *Fetcher) get(ctx context.Context, u *url.URL) (string, *url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", nil, domain.WrapEngineError(domain.ErrManifestFetchFailed, "build request", err)
	}
	req.Header.Set("Accept", "text/markdown,text/plain;q=0.9,*/*;q=0.1")

	resp, err := f.Client.Do(req)
	if err != nil {
		var ee *domain.EngineError
		if errors.As(err, &ee) {
			return "", nil, ee
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return "", nil, domain.NewEngineError(domain.ErrManifestFetchFailed, "timed out fetching skill.md")
		}
		return "", nil, domain.WrapEngineError(domain.ErrManifestFetchFailed, "fetch skill.md", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		loc := resp.Header.Get("Location")
		if loc == "" {
			return "", nil, domain.NewEngineError(domain.ErrManifestFetchFailed, "skill.md redirect response is missing Location header")
		}
		next, err := u.Parse(loc)
		if err != nil {
			return "", nil, unsafeURL("skill.md redirect target is invalid")
		}
		return "", next, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", nil, domain.NewEngineError(domain.ErrManifestFetchFailed, fmt.Sprintf("failed to fetch skill.md (%d)", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxBytes+1))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", nil, domain.NewEngineError(domain.ErrManifestFetchFailed, "timed out fetching skill.md")
		}
		return "", nil, domain.WrapEngineError(domain.ErrManifestFetchFailed, "read skill.md", err)
	}
	if len(data) > MaxBytes {
		return "", nil, domain.NewEngineError(domain.ErrManifestFetchFailed, fmt.Sprintf("skill.md exceeds max size of %d bytes", MaxBytes))
	}
	return string(data), nil, nil
}
