// Package target resolves the upstream origin requests are relayed to.
package target

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ErrSameOrigin is returned when the target is the proxy itself.
var ErrSameOrigin = errors.New("target is the proxy's own address")

// Loopback is the host used for port shorthands and for "localhost".
const Loopback = "127.0.0.1"

// Resolve parses raw into the upstream origin. A bare port number means
// http://127.0.0.1:<port>, a host without a scheme is taken as http, and
// the hostname "localhost" is replaced with 127.0.0.1. It returns
// ErrSameOrigin when the result points back at the proxy's own listen
// port on the loopback address.
func Resolve(raw string, listenPort int) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("target is empty")
	}

	var u *url.URL
	if port, err := strconv.Atoi(raw); err == nil {
		if port <= 0 || port > 65535 {
			return nil, fmt.Errorf("target port %d out of range", port)
		}
		u = &url.URL{Scheme: "http", Host: net.JoinHostPort(Loopback, strconv.Itoa(port))}
	} else {
		if !strings.Contains(raw, "://") {
			raw = "http://" + raw
		}
		u, err = url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing target %q: %w", raw, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("target %q: scheme must be http or https", raw)
		}
		if u.Hostname() == "" {
			return nil, fmt.Errorf("target %q: missing host", raw)
		}
		if strings.EqualFold(u.Hostname(), "localhost") {
			if p := u.Port(); p != "" {
				u.Host = net.JoinHostPort(Loopback, p)
			} else {
				u.Host = Loopback
			}
		}
	}

	if u.Hostname() == Loopback && Port(u) == listenPort {
		return nil, fmt.Errorf("%w: %s", ErrSameOrigin, u.Host)
	}
	return u, nil
}

// Port returns the effective port of u, using the scheme default when the
// URL does not name one.
func Port(u *url.URL) int {
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0
		}
		return n
	}
	switch u.Scheme {
	case "https", "wss":
		return 443
	default:
		return 80
	}
}

// RequestURL returns the upstream URL for an inbound request URI, which
// carries the path and query of the original request.
func RequestURL(origin *url.URL, requestURI string) *url.URL {
	u := *origin
	u.Path = ""
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""

	path, query, _ := strings.Cut(requestURI, "?")
	if path == "" {
		path = "/"
	}
	if unescaped, err := url.PathUnescape(path); err == nil {
		u.Path = unescaped
		if u.EscapedPath() != path {
			u.RawPath = path
		}
	} else {
		u.Path = path
	}
	u.RawQuery = query
	return &u
}

// WebSocketURL is RequestURL with the scheme translated to ws or wss.
func WebSocketURL(origin *url.URL, requestURI string) *url.URL {
	u := RequestURL(origin, requestURI)
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u
}
