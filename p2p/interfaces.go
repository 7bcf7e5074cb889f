// Package p2p implements the RLPx encrypted transport and the capability
// contracts that sub-protocols (eth, les, snap, ...) are built against. It
// deliberately knows nothing about any particular capability's wire
// format: a CapabilityServer is handed already-framed Messages and owns
// their interpretation.
package p2p

import (
	"fmt"

	"github.com/eth2030/devp2p-core/p2p/enode"
)

// CapabilityName identifies a sub-protocol, e.g. "eth" or "snap".
type CapabilityName string

// CapabilityId pairs a capability name with the version a peer advertises
// for it. Two peers share a capability only if both the name and the
// version match exactly: RLPx does not negotiate a common version, it
// requires an exact one.
type CapabilityId struct {
	Name    CapabilityName
	Version uint
}

func (c CapabilityId) String() string {
	return fmt.Sprintf("%s/%d", c.Name, c.Version)
}

// CapabilityInfo describes a capability this node supports, along with how
// many message codes it reserves in the multiplexed id space. Server gives
// each registered capability its own capability id, in registration order;
// Length is recorded but not used to lay out message codes.
type CapabilityInfo struct {
	Id       CapabilityId
	Length   uint64
}

// IngressPeer is the read-only view of a connected peer handed to a
// CapabilityServer callback. It never exposes a way to send: outbound
// traffic goes through the EgressPeerHandle obtained separately via
// ServerHandle, keeping "describe this peer" and "act on this peer"
// distinct.
type IngressPeer interface {
	ID() enode.PeerId
	Caps() []CapabilityInfo
	RemoteAddr() string
}

// PeerConnectOutcome is returned by CapabilityServer.OnPeerConnect to tell
// the server how to proceed with a newly handshaked peer.
type PeerConnectOutcome interface {
	isPeerConnectOutcome()
}

// Disavow rejects the peer outright: the server disconnects it without
// exchanging any further capability-level messages.
type Disavow struct {
	Reason string
}

func (Disavow) isPeerConnectOutcome() {}

// Retain accepts the peer. Hello, if non-nil, is a capability-specific
// greeting to send immediately (e.g. eth's status message); if nil, the
// capability sends nothing until it has something to say.
type Retain struct {
	Hello *Message
}

func (Retain) isPeerConnectOutcome() {}

// ReputationReport summarizes how a peer's behavior should affect its
// standing. Good and Bad are independent value types so a capability can
// report either without constructing a Kick.
type ReputationReport interface {
	isReputationReport()
}

// Good reports unremarkable, useful peer behavior.
type Good struct{}

func (Good) isReputationReport() {}

// Bad reports a protocol violation that should count against the peer but
// not necessarily end the connection immediately.
type Bad struct {
	Reason string
}

func (Bad) isReputationReport() {}

// Kick reports a violation severe enough to disconnect the peer and
// (depending on policy) temporarily ban it from reconnecting.
type Kick struct {
	Ban    bool
	Reason string
}

func (Kick) isReputationReport() {}

// HandleError is the error type a CapabilityServer returns from
// OnIngressMessage. It distinguishes malformed-message errors, which
// always map to a Bad reputation report, from any other failure, whose
// reputation consequence the capability chooses for itself.
type HandleError struct {
	RLPError error // non-nil if the message failed to decode
	Other    error // non-nil for any other handling failure
}

func (e *HandleError) Error() string {
	if e.RLPError != nil {
		return fmt.Sprintf("p2p: malformed message: %v", e.RLPError)
	}
	return fmt.Sprintf("p2p: message handling failed: %v", e.Other)
}

// ToReputationReport maps a HandleError to the reputation consequence a
// server should apply if the capability doesn't report one explicitly.
// Malformed messages are always Bad; any other failure maps to nil (no
// automatic report), leaving its consequence to the capability.
func (e *HandleError) ToReputationReport() ReputationReport {
	if e.RLPError != nil {
		return Bad{Reason: "malformed message: " + e.RLPError.Error()}
	}
	return nil
}

// Shutdown is a zero-sized marker for node shutdown. Nothing in this
// package sends or returns it: ServerHandle.GetPeers has no error result,
// and a failed EgressPeerHandle.SendMessage reports PeerGone.
type Shutdown struct{}

// PeerSendError is returned by EgressPeerHandle.SendMessage.
type PeerSendError struct {
	// Shutdown is true if the send failed because the node is shutting
	// down, rather than anything peer-specific.
	Shutdown bool
	// PeerGone is true if the send failed because the peer disconnected
	// before the message could be delivered.
	PeerGone bool
}

func (e *PeerSendError) Error() string {
	switch {
	case e.Shutdown:
		return "p2p: send failed: node is shutting down"
	case e.PeerGone:
		return "p2p: send failed: peer disconnected"
	default:
		return "p2p: send failed"
	}
}

// EgressPeerHandle lets a capability send exactly one message to a specific
// peer. It is single-shot by design: a capability server wanting a
// conversation obtains a fresh handle (via ServerHandle.GetPeers) for each
// message rather than holding a handle open, which keeps peer lifetime
// management entirely inside the Server rather than leaking into
// capability code.
type EgressPeerHandle interface {
	ID() enode.PeerId
	SendMessage(msg Message) error
}

// ServerHandle is the capability-facing view of the running Server: enough
// to discover peers and address messages to them, without exposing
// anything about how connections are accepted, dialed, or torn down.
type ServerHandle interface {
	// GetPeers returns a handle for every peer currently connected and
	// known to support capability name at the given version.
	GetPeers(name CapabilityName, version uint) []EgressPeerHandle
	// GetPeer returns a handle for a single peer, or nil if it is not
	// currently connected.
	GetPeer(id enode.PeerId) EgressPeerHandle
}

// CapabilityServer is the contract a sub-protocol implementation fulfills.
// The transport calls it with already-authenticated peers and
// already-decrypted messages; it never sees raw RLPx frames.
type CapabilityServer interface {
	// OnPeerConnect is called once per peer, after the RLPx and capability
	// handshakes succeed, before any other message from that peer is
	// delivered.
	OnPeerConnect(peer IngressPeer, handle ServerHandle) PeerConnectOutcome

	// OnIngressMessage is called for every message the peer sends under
	// this capability. If HandleError is non-nil and no ReputationReport
	// is returned, HandleError.ToReputationReport() supplies one. A Kick
	// report ends the connection; Server takes no action on other reports.
	OnIngressMessage(peer IngressPeer, handle ServerHandle, msg Message) (ReputationReport, *HandleError)

	// OnPeerDisconnect is called once the peer's connection has ended, for
	// any reason, so the capability can release any per-peer state.
	OnPeerDisconnect(id enode.PeerId)
}

// CapabilityRegistrar lets a CapabilityServer be attached to a running
// Server before it starts accepting connections.
type CapabilityRegistrar interface {
	Register(info CapabilityInfo, server CapabilityServer) error
}
