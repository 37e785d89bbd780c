// Package urlx reduces navigation URLs to the registrable-ish domain the
// rest of the engine keys on. Only http and https URLs are accepted.
package urlx

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

var (
	// ErrInvalidURL is wrapped by every rejection from this package.
	ErrInvalidURL        = errors.New("urlx: invalid url")
	ErrUnsupportedScheme = fmt.Errorf("%w: unsupported scheme", ErrInvalidURL)
	ErrNoHost            = fmt.Errorf("%w: no host", ErrInvalidURL)
)

// Second-level labels that behave like a public suffix. Deliberately small:
// anything not listed falls back to keeping the last two labels.
var twoLabelSuffixes = map[string]bool{
	"co.uk":  true,
	"org.uk": true,
	"ac.uk":  true,
	"gov.uk": true,
	"com.au": true,
	"net.au": true,
	"org.au": true,
	"co.jp":  true,
	"co.nz":  true,
	"com.br": true,
	"co.in":  true,
	"com.cn": true,
}

var profile = idna.Lookup

// Parsed is a validated http(s) URL with its normalized host and domain.
type Parsed struct {
	URL    *url.URL
	Host   string // lowercase ASCII host, no port
	Domain string // reduced domain
}

// Parse validates raw and computes its host and reduced domain.
func Parse(raw string) (*Parsed, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	host, err := NormalizeHost(u.Hostname())
	if err != nil {
		return nil, err
	}
	return &Parsed{URL: u, Host: host, Domain: ReduceHost(host)}, nil
}

// Domain returns the reduced domain for raw.
func Domain(raw string) (string, error) {
	p, err := Parse(raw)
	if err != nil {
		return "", err
	}
	return p.Domain, nil
}

// NormalizeHost lowercases host, strips a trailing dot and converts IDN
// labels to punycode.
func NormalizeHost(host string) (string, error) {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if host == "" {
		return "", ErrNoHost
	}
	if net.ParseIP(host) != nil {
		return host, nil
	}
	ascii, err := profile.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("%w: host %q: %w", ErrInvalidURL, host, err)
	}
	return ascii, nil
}

// ReduceHost strips subdomains from an already-normalized host. IP
// addresses and single-label hosts are returned unchanged.
func ReduceHost(host string) string {
	if net.ParseIP(host) != nil {
		return host
	}
	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return host
	}
	keep := 2
	if twoLabelSuffixes[strings.Join(labels[len(labels)-2:], ".")] {
		keep = 3
	}
	if keep > len(labels) {
		keep = len(labels)
	}
	return strings.Join(labels[len(labels)-keep:], ".")
}

// SameDomain reports whether two hosts reduce to the same domain.
func SameDomain(a, b string) bool {
	return a != "" && ReduceHost(a) == ReduceHost(b)
}

// CanonicalDomain reduces a user-supplied domain or URL to the form used as
// a storage key.
func CanonicalDomain(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "://") {
		return Domain(raw)
	}
	if i := strings.IndexAny(raw, "/?#"); i >= 0 {
		raw = raw[:i]
	}
	host, err := NormalizeHost(raw)
	if err != nil {
		return "", err
	}
	return ReduceHost(host), nil
}
