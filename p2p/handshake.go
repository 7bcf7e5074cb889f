package p2p

import (
	"errors"
	"fmt"

	gethrlp "github.com/ethereum/go-ethereum/rlp"
)

// Base-protocol message identification. Every Stream reserves capability id
// 0 for this base protocol; context id 0 is hello, context id 1 is
// disconnect. Sub-protocols registered via CapabilityRegistrar.Register get
// capability ids starting at 1.
const (
	baseProtocolCapID   = 0
	helloContextID      = 0
	disconnectContextID = 1
)

// Handshake errors.
var (
	ErrHandshakeTimeout    = errors.New("p2p: handshake timeout")
	ErrIncompatibleVersion = errors.New("p2p: incompatible base protocol version")
	ErrNoMatchingCaps      = errors.New("p2p: no matching capabilities")
)

// baseProtocolVersion is the devp2p base protocol version this node speaks.
const baseProtocolVersion = 5

// Cap identifies a single sub-protocol a peer advertises support for.
type Cap struct {
	Name    string
	Version uint
}

func (c Cap) String() string {
	return fmt.Sprintf("%s/%d", c.Name, c.Version)
}

// HelloPacket is the base-protocol handshake message exchanged immediately
// after the RLPx transport handshake completes. Each side advertises its
// client identity and the sub-protocol capabilities it supports; the
// capabilities both sides hold in common determine what happens next.
type HelloPacket struct {
	Version    uint64
	Name       string
	Caps       []Cap
	ListenPort uint64
	ID         string
}

// helloRLP is the wire shape of HelloPacket: a plain RLP list, with a
// trailing Rest field so a future base-protocol revision can append fields
// without breaking older peers, the same convention the auth/ack messages
// use.
type helloRLP struct {
	Version    uint64
	Name       string
	Caps       []Cap
	ListenPort uint64
	ID         string
	Rest       []gethrlp.RawValue `rlp:"tail"`
}

// EncodeHello RLP-encodes a HelloPacket for transmission as the base
// protocol's first message.
func EncodeHello(h *HelloPacket) ([]byte, error) {
	return gethrlp.EncodeToBytes(&helloRLP{
		Version:    h.Version,
		Name:       h.Name,
		Caps:       h.Caps,
		ListenPort: h.ListenPort,
		ID:         h.ID,
	})
}

// DecodeHello parses an RLP-encoded HelloPacket.
func DecodeHello(data []byte) (*HelloPacket, error) {
	var body helloRLP
	if err := gethrlp.DecodeBytes(data, &body); err != nil {
		return nil, fmt.Errorf("p2p: malformed hello: %w", err)
	}
	return &HelloPacket{
		Version:    body.Version,
		Name:       body.Name,
		Caps:       body.Caps,
		ListenPort: body.ListenPort,
		ID:         body.ID,
	}, nil
}

// DisconnectReason is a base-protocol disconnect reason code.
type DisconnectReason uint8

const (
	DiscRequested        DisconnectReason = 0x00
	DiscNetworkError     DisconnectReason = 0x01
	DiscProtocolError    DisconnectReason = 0x02
	DiscUselessPeer      DisconnectReason = 0x03
	DiscTooManyPeers     DisconnectReason = 0x04
	DiscAlreadyConnected DisconnectReason = 0x05
	DiscSubprotocolError DisconnectReason = 0x10
)

var disconnectReasonText = map[DisconnectReason]string{
	DiscRequested:        "requested",
	DiscNetworkError:     "network error",
	DiscProtocolError:    "protocol error",
	DiscUselessPeer:      "useless peer",
	DiscTooManyPeers:     "too many peers",
	DiscAlreadyConnected: "already connected",
	DiscSubprotocolError: "sub-protocol error",
}

func (r DisconnectReason) String() string {
	if s, ok := disconnectReasonText[r]; ok {
		return s
	}
	return fmt.Sprintf("unknown(%d)", r)
}

// encodeDisconnect RLP-encodes a disconnect reason as the single-element
// list devp2p puts on the wire, rather than a raw byte: this keeps the
// base protocol entirely RLP-framed, hello included.
func encodeDisconnect(reason DisconnectReason) ([]byte, error) {
	return gethrlp.EncodeToBytes([]DisconnectReason{reason})
}

// decodeDisconnect parses a disconnect payload, defaulting to an
// unrecognized sentinel reason if the payload is empty or malformed: a
// disconnect we can't fully parse is still a disconnect.
func decodeDisconnect(data []byte) DisconnectReason {
	var reasons []DisconnectReason
	if err := gethrlp.DecodeBytes(data, &reasons); err != nil || len(reasons) == 0 {
		return DisconnectReason(0xFF)
	}
	return reasons[0]
}

// helloOutcome carries the result of reading the remote side's hello (or
// its disconnect) back to PerformHandshake's caller goroutine.
type helloOutcome struct {
	hello *HelloPacket
	err   error
}

// PerformHandshake exchanges hello messages over an established Stream. It
// sends our hello and reads the remote hello concurrently to avoid
// deadlocking on a synchronous transport such as net.Pipe.
func PerformHandshake(s *Stream, local *HelloPacket) (*HelloPacket, error) {
	sent := make(chan error, 1)
	received := make(chan helloOutcome, 1)

	go func() {
		helloBytes, err := EncodeHello(local)
		if err != nil {
			sent <- fmt.Errorf("p2p: encode hello: %w", err)
			return
		}
		sent <- s.WriteMessage(Message{CapID: baseProtocolCapID, ContextID: helloContextID, Data: helloBytes})
	}()

	go func() { received <- readRemoteHello(s) }()

	if err := <-sent; err != nil {
		return nil, fmt.Errorf("p2p: handshake write: %w", err)
	}
	remote := <-received
	if remote.err != nil {
		return nil, remote.err
	}

	if remote.hello.Version < baseProtocolVersion {
		sendDisconnect(s, DiscProtocolError)
		return nil, fmt.Errorf("%w: remote=%d, local=%d", ErrIncompatibleVersion, remote.hello.Version, baseProtocolVersion)
	}
	if len(MatchingCaps(local.Caps, remote.hello.Caps)) == 0 {
		sendDisconnect(s, DiscUselessPeer)
		return nil, ErrNoMatchingCaps
	}
	return remote.hello, nil
}

// readRemoteHello reads a single message off s and classifies it as either
// a hello (success), a disconnect (failure with the remote's stated
// reason), or anything else (a protocol violation).
func readRemoteHello(s *Stream) helloOutcome {
	msg, err := s.ReadMessage()
	if err != nil {
		return helloOutcome{nil, fmt.Errorf("p2p: handshake read: %w", err)}
	}
	if msg.CapID == baseProtocolCapID && msg.ContextID == disconnectContextID {
		reason := decodeDisconnect(msg.Data)
		return helloOutcome{nil, fmt.Errorf("p2p: remote disconnected during handshake: %s", reason)}
	}
	if msg.CapID != baseProtocolCapID || msg.ContextID != helloContextID {
		return helloOutcome{nil, fmt.Errorf("p2p: expected hello, got cap=%d ctx=%d", msg.CapID, msg.ContextID)}
	}
	hello, err := DecodeHello(msg.Data)
	if err != nil {
		return helloOutcome{nil, err}
	}
	return helloOutcome{hello, nil}
}

// sendDisconnect sends a disconnect message in the background, since the
// remote side may no longer be reading by the time we give up on it.
func sendDisconnect(s *Stream, reason DisconnectReason) {
	go func() {
		payload, err := encodeDisconnect(reason)
		if err != nil {
			return
		}
		_ = s.WriteMessage(Message{CapID: baseProtocolCapID, ContextID: disconnectContextID, Data: payload})
	}()
}

// MatchingCaps returns the capabilities shared between local and remote,
// matched on name and version: devp2p never negotiates a compatible
// version, an exact match is the only kind that counts.
func MatchingCaps(local, remote []Cap) []Cap {
	remoteSet := make(map[Cap]bool, len(remote))
	for _, rc := range remote {
		remoteSet[rc] = true
	}
	var matched []Cap
	for _, lc := range local {
		if remoteSet[lc] {
			matched = append(matched, lc)
		}
	}
	return matched
}
