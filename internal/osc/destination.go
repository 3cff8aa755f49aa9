package osc

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ErrInvalidDestination reports a malformed host or port.
var ErrInvalidDestination = errors.New("osc: invalid destination")

// Destination is the UDP endpoint OSC packets are sent to.
type Destination struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (d Destination) String() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// NewDestination validates host and port.
func NewDestination(host string, port int) (Destination, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return Destination{}, fmt.Errorf("%w: empty host", ErrInvalidDestination)
	}
	if !validHost(host) {
		return Destination{}, fmt.Errorf("%w: host %q", ErrInvalidDestination, host)
	}
	if port < 1 || port > 65535 {
		return Destination{}, fmt.Errorf("%w: port %d not in 1-65535", ErrInvalidDestination, port)
	}
	return Destination{Host: host, Port: port}, nil
}

// ParsePort parses a port typed into a text field.
func ParsePort(s string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: port %q", ErrInvalidDestination, s)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("%w: port %d not in 1-65535", ErrInvalidDestination, port)
	}
	return port, nil
}

// validHost accepts IP literals and RFC 1123 host names.
func validHost(host string) bool {
	if net.ParseIP(host) != nil {
		return true
	}
	if len(host) > 253 {
		return false
	}
	for _, label := range strings.Split(strings.TrimSuffix(host, "."), ".") {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for i := 0; i < len(label); i++ {
			c := label[i]
			switch {
			case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			default:
				return false
			}
		}
	}
	return true
}
