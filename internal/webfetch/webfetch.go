// Package webfetch implements the coworker web.fetch tool: a GET-only,
// allowlist-bound, DNS-rebinding-safe fetch with HTML sanitization.
package webfetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/net/html/charset"

	"github.com/antigravity-dev/coworker/internal/policy"
)

// Result is the outcome of a successful fetch.
type Result struct {
	Text        string
	ContentType string
}

// Fetcher performs allowlist-bound GET requests. A Fetcher is bound to
// one task at a time: Fetch swaps the active allowlist under a mutex
// before each call, since the dialer and redirect checker are built
// once but must enforce a different allowlist per task.
type Fetcher struct {
	client    *http.Client
	mu        sync.Mutex
	allowlist []string
}

// New builds a Fetcher whose transport re-validates every DNS
// resolution and every redirect hop against the allowlist active at
// fetch time (the allowlist is per-task, so it cannot be baked into
// the transport once at construction).
func New(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	f := &Fetcher{}

	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	safeDialContext := func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("webfetch: invalid address: %w", err)
		}
		if !policy.HostAllowed(host, f.currentAllowlist()) {
			return nil, fmt.Errorf("webfetch: host blocked by allowlist: %s", host)
		}

		ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("webfetch: DNS lookup failed: %w", err)
		}
		for _, ipAddr := range ips {
			if isPrivateIP(ipAddr.IP) {
				return nil, fmt.Errorf("webfetch: connection to private IP %s is not allowed", ipAddr.IP)
			}
		}
		var lastErr error
		for _, ipAddr := range ips {
			connAddr := net.JoinHostPort(ipAddr.IP.String(), port)
			conn, err := dialer.DialContext(ctx, network, connAddr)
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		if lastErr == nil {
			lastErr = fmt.Errorf("no addresses resolved for %s", host)
		}
		return nil, fmt.Errorf("webfetch: failed to connect to any resolved IP: %w", lastErr)
	}

	transport := &http.Transport{
		DialContext:           safeDialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}

	f.client = &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("webfetch: too many redirects (max 5)")
			}
			if err := ensureAllowedURL(req.URL.String(), f.currentAllowlist()); err != nil {
				return fmt.Errorf("webfetch: redirect blocked: %w", err)
			}
			return nil
		},
	}
	return f
}

func (f *Fetcher) currentAllowlist() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allowlist
}

func (f *Fetcher) setAllowlist(allow []string) {
	f.mu.Lock()
	f.allowlist = allow
	f.mu.Unlock()
}

// Fetch retrieves rawURL via GET, enforcing the per-task allowlist on
// both the initial connection and every redirect hop, then truncates
// the body to maxBytes, decodes it using the Content-Type charset, and
// sanitizes it if it looks like HTML.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, allowlist []string, maxBytes int) (Result, error) {
	if maxBytes <= 0 {
		return Result{}, fmt.Errorf("webfetch: max_bytes must be positive")
	}
	if len(allowlist) == 0 {
		return Result{}, fmt.Errorf("webfetch: allowlist must be provided")
	}
	if err := ensureAllowedURL(rawURL, allowlist); err != nil {
		return Result{}, err
	}

	f.setAllowlist(allowlist)
	defer f.setAllowlist(nil)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Result{}, fmt.Errorf("webfetch: build request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("webfetch: fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if err := ensureAllowedURL(resp.Request.URL.String(), allowlist); err != nil {
		return Result{}, fmt.Errorf("webfetch: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	raw, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxBytes)+1))
	if err != nil {
		return Result{}, fmt.Errorf("webfetch: read body: %w", err)
	}
	if len(raw) > maxBytes {
		raw = raw[:maxBytes]
	}

	text := decodeBody(raw, contentType)
	if isHTML(contentType, text) {
		text = SanitizeHTML(text)
	}
	return Result{Text: text, ContentType: contentType}, nil
}

func ensureAllowedURL(rawURL string, allowlist []string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("webfetch: invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("webfetch: blocked to unsupported scheme: %s", parsed.Scheme)
	}
	host := parsed.Hostname()
	if !policy.HostAllowed(host, allowlist) {
		return fmt.Errorf("webfetch: blocked to disallowed host: %s", host)
	}
	return nil
}

var privateCIDRs []*net.IPNet

func init() {
	for _, cidr := range []string{
		"127.0.0.0/8",
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"169.254.0.0/16",
		"::1/128",
		"fc00::/7",
		"fe80::/10",
	} {
		_, network, err := net.ParseCIDR(cidr)
		if err == nil {
			privateCIDRs = append(privateCIDRs, network)
		}
	}
}

// isPrivateIP reports whether ip falls within a private, loopback, or
// link-local range, blocking DNS-rebinding attacks against internal
// infrastructure.
func isPrivateIP(ip net.IP) bool {
	for _, network := range privateCIDRs {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

var charsetPattern = regexp.MustCompile(`(?i)charset=([A-Za-z0-9_\-]+)`)

func decodeBody(raw []byte, contentType string) string {
	if m := charsetPattern.FindStringSubmatch(contentType); m != nil {
		if decoded, err := decodeWithCharset(raw, m[1]); err == nil {
			return decoded
		}
	}
	return string(raw)
}

func decodeWithCharset(raw []byte, name string) (string, error) {
	reader, err := charset.NewReaderLabel(name, bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	decoded, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}

func isHTML(contentType, text string) bool {
	if strings.Contains(strings.ToLower(contentType), "text/html") {
		return true
	}
	lower := strings.ToLower(text)
	return strings.Contains(lower, "<html") || strings.Contains(lower, "<body")
}

var whitespacePattern = regexp.MustCompile(`\s+`)

// SanitizeHTML strips script/style elements (tag and contents), then
// all remaining tags, then collapses whitespace, producing the same
// result as the Python reference's regex-based sanitize_html but
// walking a real tokenizer instead of pattern-matching tag soup.
func SanitizeHTML(value string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(value))

	var b strings.Builder
	skipDepth := 0

	for {
		tt := tokenizer.Next()
		if tt == html.ErrorToken {
			break
		}

		tok := tokenizer.Token()
		switch tok.DataAtom {
		case atom.Script, atom.Style:
			switch tt {
			case html.StartTagToken:
				skipDepth++
			case html.EndTagToken:
				if skipDepth > 0 {
					skipDepth--
				}
			}
			continue
		}

		if skipDepth > 0 {
			continue
		}

		switch tt {
		case html.TextToken:
			b.WriteString(tok.Data)
			b.WriteByte(' ')
		}
	}

	collapsed := whitespacePattern.ReplaceAllString(b.String(), " ")
	return strings.TrimSpace(collapsed)
}
