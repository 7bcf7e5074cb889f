package p2p

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/eth2030/devp2p-core/crypto"
)

// codecPhase tracks which wire element Codec.Decode expects next. A
// connection moves Handshake -> Header -> Body -> Header -> Body ... for its
// entire lifetime; it never returns to Handshake.
type codecPhase int

const (
	phaseHandshake codecPhase = iota
	phaseHeader
	phaseBody
)

// ErrCannotEncode is returned when Encode is given a decode-only event
// (AuthReceived, AckReceived, HeaderReceived, BodyReceived), and (wrapped)
// when auth or ack is requested from the wrong role. A request that comes
// too early for the handshake phase fails with a separate error.
var ErrCannotEncode = errors.New("p2p: event cannot be encoded")

// AuthReceived is the event Decode emits when a full auth message has been
// received and authenticated. It is decode-only: passing it to Encode fails.
type AuthReceived struct {
	Msg *AuthMsg
}

// AckReceived is the event Decode emits when a full ack message has been
// received and authenticated. It is decode-only.
type AckReceived struct {
	Msg *AckMsg
}

// HeaderReceived is the event Decode emits once a frame header has been
// authenticated, announcing the size of the body that follows.
type HeaderReceived struct {
	Size      uint32
	CapID     uint64
	ContextID uint64
}

// BodyReceived is the event Decode emits once a frame body has been
// decrypted and authenticated.
type BodyReceived struct {
	Data []byte
}

// EncodeAuth requests the auth message be produced; only valid before the
// handshake completes, and only for the connection initiator.
type EncodeAuth struct{}

// EncodeAck requests the ack message be produced; only valid before the
// handshake completes, and only for the connection responder.
type EncodeAck struct{}

// EncodeHeader requests a frame header announcing a body of Size bytes.
type EncodeHeader struct {
	Size      uint32
	CapID     uint64
	ContextID uint64
}

// EncodeBody requests a frame body carrying Data.
type EncodeBody struct {
	Data []byte
}

// Codec drives one side of the RLPx handshake and, once it completes, the
// per-frame encryption that follows. A Codec is not safe for concurrent use:
// the caller owns a single read loop and a single write path and serializes
// access to each (see Stream).
type Codec struct {
	priv      *ecdsa.PrivateKey
	initiator bool
	remoteID  [64]byte

	phase codecPhase
	frame *FrameState

	pendingSize              uint32
	pendingCapID, pendingContextID uint64

	// Handshake-in-progress state, valid only while phase == phaseHandshake.
	ephemeral    *ecdsa.PrivateKey
	nonce        [32]byte
	authRaw      []byte
	authMsg      *AuthMsg
	ackRaw       []byte
	remoteEphPub *ecdsa.PublicKey
}

// NewInitiatorCodec creates a Codec for the side that dials out and sends
// the auth message first.
func NewInitiatorCodec(priv *ecdsa.PrivateKey, remoteID [64]byte) *Codec {
	return &Codec{priv: priv, initiator: true, remoteID: remoteID}
}

// NewResponderCodec creates a Codec for the side that accepts a connection
// and waits for an auth message.
func NewResponderCodec(priv *ecdsa.PrivateKey) *Codec {
	return &Codec{priv: priv, initiator: false}
}

// Decode consumes as much of buf as is needed to produce the next event and
// returns it. It returns (nil, nil) when buf does not yet hold a complete
// wire element -- the caller should read more bytes and call Decode again.
// It emits at most one event per call even if buf holds enough for more.
func (c *Codec) Decode(buf *bytes.Buffer) (any, error) {
	switch c.phase {
	case phaseHandshake:
		return c.decodeHandshake(buf)
	case phaseHeader:
		if buf.Len() < HeaderLen {
			return nil, nil
		}
		hdr := buf.Next(HeaderLen)
		size, capID, contextID, err := c.frame.ParseHeader(hdr)
		if err != nil {
			return nil, err
		}
		c.pendingSize, c.pendingCapID, c.pendingContextID = size, capID, contextID
		c.phase = phaseBody
		return HeaderReceived{Size: size, CapID: capID, ContextID: contextID}, nil
	case phaseBody:
		need := BodyLen(c.pendingSize)
		if buf.Len() < need {
			return nil, nil
		}
		raw := buf.Next(need)
		data, err := c.frame.ParseBody(raw, c.pendingSize)
		if err != nil {
			return nil, err
		}
		c.phase = phaseHeader
		return BodyReceived{Data: data}, nil
	default:
		return nil, fmt.Errorf("p2p: codec in unknown phase %d", c.phase)
	}
}

func (c *Codec) decodeHandshake(buf *bytes.Buffer) (any, error) {
	if c.initiator {
		if c.authRaw == nil {
			return nil, errors.New("p2p: initiator must send auth before decoding ack")
		}
		plaintext, consumed, err := parseEIP8Envelope(c.priv, buf.Bytes())
		if err != nil {
			return nil, err
		}
		if consumed == 0 {
			return nil, nil
		}
		raw := buf.Next(consumed)
		ack, err := decodeAckBody(plaintext)
		if err != nil {
			return nil, err
		}
		remoteEphPub, err := crypto.UnmarshalPubkey(append([]byte{0x04}, ack.EphemeralPub[:]...))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadHandshake, err)
		}
		c.ackRaw = raw
		if err := c.finishHandshake(remoteEphPub, ack.Nonce[:]); err != nil {
			return nil, err
		}
		return AckReceived{Msg: ack}, nil
	}

	plaintext, consumed, err := parseEIP8Envelope(c.priv, buf.Bytes())
	if err != nil {
		return nil, err
	}
	if consumed == 0 {
		return nil, nil
	}
	raw := buf.Next(consumed)
	auth, err := decodeAuthBody(plaintext)
	if err != nil {
		return nil, err
	}
	remotePub, err := crypto.UnmarshalPubkey(append([]byte{0x04}, auth.InitiatorPub[:]...))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadHandshake, err)
	}
	digest := xorBytes(auth.Nonce[:], crypto.EcdhX(c.priv, remotePub))
	remoteEphPub, err := crypto.Recover(digest, auth.Sig[:])
	if err != nil {
		return nil, fmt.Errorf("%w: recover ephemeral key: %v", ErrBadHandshake, err)
	}
	c.authRaw = raw
	c.authMsg = auth
	c.remoteEphPub = remoteEphPub
	copy(c.remoteID[:], auth.InitiatorPub[:])
	return AuthReceived{Msg: auth}, nil
}

// Encode produces the wire bytes for an outgoing event. Passing one of the
// Decode-only event types (AuthReceived, AckReceived, HeaderReceived,
// BodyReceived) always fails with ErrCannotEncode.
func (c *Codec) Encode(v any) ([]byte, error) {
	switch e := v.(type) {
	case EncodeAuth:
		return c.encodeAuth()
	case EncodeAck:
		return c.encodeAck()
	case EncodeHeader:
		if c.frame == nil {
			return nil, errors.New("p2p: cannot encode a frame header before the handshake completes")
		}
		return c.frame.CreateHeader(e.Size, e.CapID, e.ContextID)
	case EncodeBody:
		if c.frame == nil {
			return nil, errors.New("p2p: cannot encode a frame body before the handshake completes")
		}
		return c.frame.CreateBody(e.Data)
	default:
		return nil, ErrCannotEncode
	}
}

func (c *Codec) encodeAuth() ([]byte, error) {
	if !c.initiator {
		return nil, fmt.Errorf("%w: only the initiator sends auth", ErrCannotEncode)
	}
	remotePub, err := crypto.ID2PK(c.remoteID[:])
	if err != nil {
		return nil, err
	}
	ephKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}

	shared := crypto.EcdhX(c.priv, remotePub)
	digest := xorBytes(nonce[:], shared)
	sig, err := crypto.SignRecoverable(digest, ephKey)
	if err != nil {
		return nil, err
	}

	msg := &AuthMsg{Version: handshakeVersion, Nonce: nonce}
	copy(msg.Sig[:], sig)
	copy(msg.InitiatorPub[:], crypto.Pk2ID(&c.priv.PublicKey))

	body, err := encodeAuthBody(msg)
	if err != nil {
		return nil, err
	}
	envelope, err := eip8Envelope(remotePub, body)
	if err != nil {
		return nil, err
	}

	c.ephemeral = ephKey
	c.nonce = nonce
	c.authRaw = envelope
	c.authMsg = msg
	return envelope, nil
}

func (c *Codec) encodeAck() ([]byte, error) {
	if c.initiator {
		return nil, fmt.Errorf("%w: only the responder sends ack", ErrCannotEncode)
	}
	if c.authMsg == nil {
		return nil, errors.New("p2p: cannot send ack before receiving auth")
	}
	ephKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}

	msg := &AckMsg{Version: handshakeVersion, Nonce: nonce}
	copy(msg.EphemeralPub[:], crypto.Pk2ID(&ephKey.PublicKey))

	body, err := encodeAckBody(msg)
	if err != nil {
		return nil, err
	}
	remotePub, err := crypto.UnmarshalPubkey(append([]byte{0x04}, c.authMsg.InitiatorPub[:]...))
	if err != nil {
		return nil, err
	}
	envelope, err := eip8Envelope(remotePub, body)
	if err != nil {
		return nil, err
	}

	c.ephemeral = ephKey
	c.nonce = nonce
	c.ackRaw = envelope
	return c.finishHandshakeReturn(envelope)
}

func (c *Codec) finishHandshakeReturn(ackEnvelope []byte) ([]byte, error) {
	if err := c.finishHandshake(c.remoteEphPub, c.authMsg.Nonce[:]); err != nil {
		return nil, err
	}
	return ackEnvelope, nil
}

// finishHandshake derives Secrets and builds the FrameState once both the
// local ephemeral key and the remote ephemeral public key are known.
// remoteNonce is the other side's nonce: the initiator's nonce when called
// by the responder, and the responder's nonce when called by the initiator.
func (c *Codec) finishHandshake(remoteEphPub *ecdsa.PublicKey, remoteNonce []byte) error {
	ephemeralSecret := crypto.EcdhX(c.ephemeral, remoteEphPub)
	if ephemeralSecret == nil {
		return fmt.Errorf("%w: invalid ephemeral shared point", ErrBadHandshake)
	}

	var initNonce, respNonce []byte
	if c.initiator {
		initNonce, respNonce = c.nonce[:], remoteNonce
	} else {
		initNonce, respNonce = remoteNonce, c.nonce[:]
	}

	secrets := deriveSecrets(c.initiator, ephemeralSecret, initNonce, respNonce, c.remoteID, c.authRaw, c.ackRaw)
	frame, err := NewFrameState(secrets)
	if err != nil {
		return err
	}
	c.frame = frame
	c.phase = phaseHeader
	return nil
}

// RemoteID returns the peer id authenticated during the handshake. It is
// only meaningful once the handshake has completed (after an AckReceived
// event for the initiator, or after sending ack for the responder).
func (c *Codec) RemoteID() [64]byte { return c.remoteID }
