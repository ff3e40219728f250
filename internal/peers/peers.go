// Package peers holds the static list of participant endpoints a node
// coordinates with. The list is fixed at startup.
package peers

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

var (
	ErrEmptyPeer     = errors.New("empty peer address")
	ErrDuplicatePeer = errors.New("duplicate peer address")
	ErrInvalidPeer   = errors.New("invalid peer address")
)

// Peer is one remote participant.
type Peer struct {
	Host string
	Port int
}

// Addr is the dialable host:port of the peer.
func (p Peer) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

func (p Peer) String() string { return p.Addr() }

// Registry is an immutable, ordered set of peers.
type Registry struct {
	peers []Peer
}

// Parse builds a registry from "host" or "host:port" entries. Entries without
// a port use defaultPort.
func Parse(specs []string, defaultPort int) (Registry, error) {
	seen := make(map[string]struct{}, len(specs))
	peers := make([]Peer, 0, len(specs))
	for i, spec := range specs {
		p, err := parseOne(strings.TrimSpace(spec), defaultPort)
		if err != nil {
			return Registry{}, fmt.Errorf("peer %d (%q): %w", i, spec, err)
		}
		if _, dup := seen[p.Addr()]; dup {
			return Registry{}, fmt.Errorf("peer %d (%q): %w", i, spec, ErrDuplicatePeer)
		}
		seen[p.Addr()] = struct{}{}
		peers = append(peers, p)
	}
	return Registry{peers: peers}, nil
}

func parseOne(spec string, defaultPort int) (Peer, error) {
	if spec == "" {
		return Peer{}, ErrEmptyPeer
	}
	host, portStr, err := net.SplitHostPort(spec)
	if err != nil {
		// No port given; a bare IPv6 literal may still carry brackets.
		host = strings.TrimSuffix(strings.TrimPrefix(spec, "["), "]")
		if strings.ContainsAny(host, "[]") {
			return Peer{}, fmt.Errorf("%w: %v", ErrInvalidPeer, err)
		}
		if defaultPort <= 0 || defaultPort > 65535 {
			return Peer{}, fmt.Errorf("%w: no port and no default port", ErrInvalidPeer)
		}
		return Peer{Host: host, Port: defaultPort}, nil
	}
	if host == "" {
		return Peer{}, fmt.Errorf("%w: missing host", ErrInvalidPeer)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Peer{}, fmt.Errorf("%w: port %q", ErrInvalidPeer, portStr)
	}
	return Peer{Host: host, Port: port}, nil
}

// Peers returns a copy of the peer list in configuration order.
func (r Registry) Peers() []Peer {
	out := make([]Peer, len(r.peers))
	copy(out, r.peers)
	return out
}

// Len is the number of remote participants.
func (r Registry) Len() int { return len(r.peers) }
