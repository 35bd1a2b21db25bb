// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bus

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultDirectoryPort is the conventional service directory port.
const DefaultDirectoryPort = "9559"

// URL is a parsed endpoint: tcp://host:port, tcps://host:port,
// quic://host:port or unix:///path.
type URL struct {
	Scheme string
	Host   string // host:port for network schemes, socket path for unix
}

// ParseURL parses an endpoint URL. A missing port defaults to the directory
// port.
func ParseURL(s string) (*URL, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint %q: %w", s, err)
	}
	switch u.Scheme {
	case "unix":
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if path == "" {
			return nil, fmt.Errorf("parse endpoint %q: empty socket path", s)
		}
		return &URL{Scheme: "unix", Host: path}, nil
	case "":
		return nil, fmt.Errorf("parse endpoint %q: missing scheme", s)
	default:
		host := u.Host
		if !strings.Contains(host, ":") {
			host += ":" + DefaultDirectoryPort
		}
		return &URL{Scheme: u.Scheme, Host: host}, nil
	}
}

func (u *URL) String() string {
	if u.Scheme == "unix" {
		return "unix://" + u.Host
	}
	return u.Scheme + "://" + u.Host
}
