package utils

import (
	"net"
	"strings"

	"github.com/pkg/errors"
)

// SplitEndpoint splits a host:port endpoint. Schemes are stripped.
func SplitEndpoint(endpoint string) (string, string, error) {
	if endpoint == "" {
		return "", "", errors.New("endpoint is empty")
	}
	if i := strings.Index(endpoint, "://"); i >= 0 {
		endpoint = endpoint[i+3:]
	}
	host, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		return "", "", errors.WithMessage(err, "error parsing endpoint")
	}
	if host == "" {
		return "", "", errors.Errorf("endpoint %q has no host", endpoint)
	}
	return host, port, nil
}

// IsIP reports whether host is a literal IP address.
func IsIP(host string) bool {
	return net.ParseIP(host) != nil
}
