package realtime

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// WebsocketPath is the server route that accepts update connections.
const WebsocketPath = "/api/websocket"

var (
	// ErrNoEndpoint means no push endpoint could be resolved and the
	// caller should not attempt a connection.
	ErrNoEndpoint = errors.New("no realtime endpoint configured")

	// ErrInvalidBaseURL is returned for base URLs without an http(s) or ws(s) scheme.
	ErrInvalidBaseURL = errors.New("invalid realtime base url")
)

// ResolveBaseURL picks the base URL for the push connection. An explicit
// value wins; otherwise the API origin is used only when it points at a
// local development host.
func ResolveBaseURL(explicit, origin string) (string, error) {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return explicit, nil
	}

	u, err := url.Parse(strings.TrimSpace(origin))
	if err != nil || u.Host == "" {
		return "", ErrNoEndpoint
	}

	if !isLocalHost(u.Hostname()) {
		return "", ErrNoEndpoint
	}

	return u.Scheme + "://" + u.Host, nil
}

func isLocalHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.Equal(net.IPv4(127, 0, 0, 1))
}

// Endpoint derives the websocket URL for identity from an http(s) base URL
// by scheme substitution. Base URLs that already use ws(s) are kept as is.
func Endpoint(baseURL, identity string) (string, error) {
	if identity == "" {
		return "", fmt.Errorf("%w: empty identity", ErrInvalidBaseURL)
	}

	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidBaseURL, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host in %q", ErrInvalidBaseURL, baseURL)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidBaseURL, u.Scheme)
	}

	u.Path = WebsocketPath
	u.RawPath = ""
	u.Fragment = ""
	u.RawQuery = url.Values{"userId": {identity}}.Encode()

	return u.String(), nil
}
