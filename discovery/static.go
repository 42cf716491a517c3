// Package discovery maps node ids to addresses, either from a fixed list or
// from etcd.
package discovery

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
)

// DefaultPort is appended to addresses registered without one.
const DefaultPort = "7946"

var ErrNotFound = errors.New("discovery: node not registered")

// Static resolves ids from a fixed map.
type Static map[string]string

func (s Static) Resolve(_ context.Context, id string) (string, error) {
	addr, ok := s[id]
	if !ok {
		return "", fmt.Errorf("resolve %q: %w", id, ErrNotFound)
	}
	return NormalizeHostPort(addr, DefaultPort), nil
}

// ParseStatic reads a comma separated list of id=host:port pairs.
func ParseStatic(s string) (Static, error) {
	out := Static{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, addr, ok := strings.Cut(part, "=")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("bad peer entry %q, want id=host:port", part)
		}
		out[strings.TrimSpace(id)] = strings.TrimSpace(addr)
	}
	return out, nil
}

// NewID returns a random node id.
func NewID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// NormalizeHostPort cuts the tcp:// http:// https:// prefixes from the input
// address and adds a default port.
func NormalizeHostPort(addr, defPort string) string {
	for _, scheme := range []string{"tcp://", "http://", "https://"} {
		if rest, ok := strings.CutPrefix(addr, scheme); ok {
			addr = rest
			break
		}
	}
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, defPort)
}
