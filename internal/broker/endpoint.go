package broker

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Scheme is the WebSocket flavour used to reach the broker.
type Scheme string

const (
	// SchemeSecure is WebSocket over TLS (wss://).
	SchemeSecure Scheme = "wss"
	// SchemePlain is unencrypted WebSocket (ws://).
	SchemePlain Scheme = "ws"
)

// DefaultPath is used when the broker URL has no path or only "/".
const DefaultPath = "/mqtt"

// Endpoint is a parsed broker address.
type Endpoint struct {
	Scheme Scheme
	Host   string
	Port   int
	Path   string
	// RawQuery is carried through to the dial URL untouched.
	RawQuery string
}

// ParseEndpoint parses a user-supplied broker URL such as
// "wss://test.mosquitto.org:8081/mqtt". The port defaults to 443 for
// wss and 80 for ws; the path defaults to [DefaultPath]. Any parse
// failure wraps [ErrInvalidEndpoint].
func ParseEndpoint(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, fmt.Errorf("%w: empty URL", ErrInvalidEndpoint)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %w", ErrInvalidEndpoint, err)
	}

	var ep Endpoint
	switch Scheme(strings.ToLower(u.Scheme)) {
	case SchemeSecure:
		ep.Scheme = SchemeSecure
		ep.Port = 443
	case SchemePlain:
		ep.Scheme = SchemePlain
		ep.Port = 80
	default:
		return Endpoint{}, fmt.Errorf("%w: unsupported scheme %q (want ws or wss)", ErrInvalidEndpoint, u.Scheme)
	}

	ep.Host = u.Hostname()
	if ep.Host == "" {
		return Endpoint{}, fmt.Errorf("%w: missing host in %q", ErrInvalidEndpoint, raw)
	}

	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return Endpoint{}, fmt.Errorf("%w: port %q out of range", ErrInvalidEndpoint, p)
		}
		ep.Port = port
	}

	ep.Path = u.EscapedPath()
	if ep.Path == "" || ep.Path == "/" {
		ep.Path = DefaultPath
	}
	ep.RawQuery = u.RawQuery

	return ep, nil
}

// Secure reports whether the transport-security flag must be set.
func (e Endpoint) Secure() bool {
	return e.Scheme == SchemeSecure
}

// Address returns host:port, bracketing IPv6 literals.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// URL returns the full dial URL with the port always explicit.
func (e Endpoint) URL() string {
	u := url.URL{
		Scheme:   string(e.Scheme),
		Host:     e.Address(),
		RawPath:  e.Path,
		RawQuery: e.RawQuery,
	}
	if p, err := url.PathUnescape(e.Path); err == nil {
		u.Path = p
	} else {
		u.Path = e.Path
	}
	return u.String()
}

func (e Endpoint) String() string {
	return e.URL()
}
