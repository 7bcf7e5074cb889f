// Package dpt implements the UDP discovery packet codec (devp2p's "DPT",
// discovery protocol transport): a stateless envelope that signs every
// packet with the sender's node key and lets the receiver recover the
// sender's identity from the signature alone, without any prior handshake.
//
// Unlike the RLPx transport in the parent package, a malformed or
// unauthenticated DPT packet is never an error condition for the caller:
// UDP is unauthenticated and connectionless, so the only sane response to a
// bad packet is to drop it silently and keep listening.
package dpt

import (
	"bytes"
	"crypto/ecdsa"

	"github.com/eth2030/devp2p-core/crypto"
	"github.com/eth2030/devp2p-core/p2p/enode"
)

// MinMessageLen is the smallest possible well-formed packet: 32-byte hash +
// 65-byte signature + 1-byte type, with zero-length data.
const MinMessageLen = 32 + 65 + 1

// Message is a decoded, authenticated discovery packet.
type Message struct {
	Type byte
	Data []byte
}

// Encode signs data under the given type code with priv and wraps it in the
// DPT envelope:
//
//	hash(32) || sig(65) || type(1) || data
//
// where sig is a recoverable ECDSA signature over keccak256(type || data),
// and hash is keccak256 of everything from sig onward. The outer hash lets
// a receiver reject a truncated or corrupted packet in one comparison
// before spending a signature-recovery on it.
func Encode(priv *ecdsa.PrivateKey, msgType byte, data []byte) ([]byte, error) {
	typData := make([]byte, 0, 1+len(data))
	typData = append(typData, msgType)
	typData = append(typData, data...)

	sigHash := crypto.Keccak256(typData)
	sig, err := crypto.SignRecoverable(sigHash, priv)
	if err != nil {
		return nil, err
	}

	hashData := make([]byte, 0, len(sig)+len(typData))
	hashData = append(hashData, sig...)
	hashData = append(hashData, typData...)
	hash := crypto.Keccak256(hashData)

	out := make([]byte, 0, len(hash)+len(hashData))
	out = append(out, hash...)
	out = append(out, hashData...)
	return out, nil
}

// Decode validates and parses a DPT packet. It returns ok == false for any
// failure -- too short, corrupted hash, or an unrecoverable signature --
// with no error value, matching the protocol's silent-drop contract: a
// caller's receive loop should simply discard the packet and continue
// reading, never log or propagate the specific failure reason, since a
// hostile or confused peer gets no feedback about why its packet was
// rejected either way.
func Decode(buf []byte) (msg *Message, remoteID enode.PeerId, ok bool) {
	if len(buf) < MinMessageLen {
		return nil, enode.PeerId{}, false
	}

	wantHash := buf[:32]
	gotHash := crypto.Keccak256(buf[32:])
	if !bytes.Equal(wantHash, gotHash) {
		return nil, enode.PeerId{}, false
	}

	sig := buf[32:97]
	sigHash := crypto.Keccak256(buf[97:])
	pub, err := crypto.Recover(sigHash, sig)
	if err != nil {
		return nil, enode.PeerId{}, false
	}

	id := crypto.Pk2ID(pub)
	if len(id) != 64 {
		return nil, enode.PeerId{}, false
	}
	copy(remoteID[:], id)

	data := make([]byte, len(buf)-98)
	copy(data, buf[98:])
	return &Message{Type: buf[97], Data: data}, remoteID, true
}
