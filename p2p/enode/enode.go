// Package enode identifies devp2p peers and parses the enode:// URLs used to
// bootstrap connections to them.
//
// A PeerId is the 64-byte uncompressed secp256k1 public key of a node with
// its leading 0x04 marker byte stripped — the same encoding RLPx and DPT use
// on the wire. Unlike go-ethereum's enode.Node, NodeRecord here carries no
// signed record or query-string extensions: it is the minimal (id, address)
// pair the transport and discovery codecs need.
package enode

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// PeerId is the 64-byte identifier of a devp2p node: its uncompressed
// secp256k1 public key with the leading 0x04 byte removed.
type PeerId [64]byte

// String returns the lowercase hex encoding of the id.
func (id PeerId) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the all-zero value.
func (id PeerId) IsZero() bool {
	return id == PeerId{}
}

// ParsePeerId parses a 128-character hex string (the "0x" prefix is
// optional) into a PeerId.
func ParsePeerId(s string) (PeerId, error) {
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return PeerId{}, fmt.Errorf("enode: invalid hex peer id: %w", err)
	}
	if len(b) != 64 {
		return PeerId{}, fmt.Errorf("enode: wrong peer id length %d, want 64", len(b))
	}
	var id PeerId
	copy(id[:], b)
	return id, nil
}

// NodeRecord is a peer's identity together with the TCP address at which its
// RLPx listener (and, since this implementation does not support a separate
// discovery port, its DPT listener too) can be dialed.
type NodeRecord struct {
	ID  PeerId
	IP  net.IP
	TCP uint16
}

// NewNodeRecord builds a NodeRecord identifying id at ip:tcp.
func NewNodeRecord(id PeerId, ip net.IP, tcp uint16) *NodeRecord {
	return &NodeRecord{ID: id, IP: ip, TCP: tcp}
}

// Addr returns the node's discovery (UDP) address, which shares the RLPx
// TCP port: this implementation's enode:// URLs carry no query parameters,
// so there is no way to advertise a distinct discovery port.
func (n *NodeRecord) Addr() net.UDPAddr {
	return net.UDPAddr{IP: n.IP, Port: int(n.TCP)}
}

// TCPAddr returns the node's RLPx (TCP) address.
func (n *NodeRecord) TCPAddr() net.TCPAddr {
	return net.TCPAddr{IP: n.IP, Port: int(n.TCP)}
}

// String returns the enode:// URL representation of the node:
// enode://<128-hex-char peer id>@<ip>:<tcp-port>, with an IPv6 address in
// brackets.
func (n *NodeRecord) String() string {
	ip := "127.0.0.1"
	if n.IP != nil {
		ip = n.IP.String()
	}
	return fmt.Sprintf("enode://%s@%s", n.ID.String(), net.JoinHostPort(ip, strconv.Itoa(int(n.TCP))))
}

// ParseNodeRecord parses an enode:// URL produced by String. It recognizes
// no query parameters at all: a query string of any kind is an error
// rather than silently ignored, since a caller relying on an endpoint we
// failed to parse is worse than a rejected URL.
func ParseNodeRecord(rawurl string) (*NodeRecord, error) {
	const prefix = "enode://"
	if !strings.HasPrefix(rawurl, prefix) {
		return nil, errors.New("enode: missing enode:// prefix")
	}
	rest := rawurl[len(prefix):]

	atIdx := strings.Index(rest, "@")
	if atIdx < 0 {
		return nil, errors.New("enode: missing @ separator")
	}
	id, err := ParsePeerId(rest[:atIdx])
	if err != nil {
		return nil, err
	}
	hostPort := rest[atIdx+1:]

	hostPortPart, queryPart, _ := strings.Cut(hostPort, "?")
	if queryPart != "" {
		return nil, fmt.Errorf("enode: unrecognized query parameter %q", queryPart)
	}
	host, portStr, err := net.SplitHostPort(hostPortPart)
	if err != nil {
		return nil, fmt.Errorf("enode: invalid host:port: %w", err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("enode: invalid IP address %q", host)
	}
	tcpPort, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("enode: invalid TCP port: %w", err)
	}

	return &NodeRecord{ID: id, IP: ip, TCP: uint16(tcpPort)}, nil
}
