package p2p

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"

	gethrlp "github.com/ethereum/go-ethereum/rlp"
	"golang.org/x/crypto/sha3"

	"github.com/eth2030/devp2p-core/crypto"
)

// handshakeVersion is the auth/ack version field we advertise. decodeAuthBody
// and decodeAckBody accept any value >= handshakeVersion: the field exists so a future
// revision of the handshake can add fields after it without breaking
// interoperability with this implementation, per EIP-8.
const handshakeVersion = 4

// ErrBadHandshake is returned for any structurally invalid or undersized
// auth/ack message, including a version field below handshakeVersion.
var ErrBadHandshake = errors.New("p2p: bad handshake message")

// AuthMsg is the plaintext of the RLPx auth message, sent by the connection
// initiator. Sig is produced over the ECDH shared secret between the
// initiator's long-term key and the recipient's long-term key, XORed with
// the initiator's nonce, which lets the recipient recover the initiator's
// ephemeral public key without it being sent in the clear.
type AuthMsg struct {
	Sig           [65]byte
	InitiatorPub  [64]byte
	Nonce         [32]byte
	Version       uint64
}

// AckMsg is the plaintext of the RLPx ack message, sent by the recipient in
// response to a valid AuthMsg.
type AckMsg struct {
	EphemeralPub [64]byte
	Nonce        [32]byte
	Version      uint64
}

// authBody and ackBody are the RLP list shapes of AuthMsg/AckMsg. Rest
// absorbs any fields a future handshake version appends after Version,
// per the EIP-8 convention that a decoder must tolerate trailing fields
// it doesn't understand.
type authBody struct {
	Sig          [65]byte
	InitiatorPub [64]byte
	Nonce        [32]byte
	Version      uint64
	Rest         []gethrlp.RawValue `rlp:"tail"`
}

type ackBody struct {
	EphemeralPub [64]byte
	Nonce        [32]byte
	Version      uint64
	Rest         []gethrlp.RawValue `rlp:"tail"`
}

// encodeAuthBody RLP-encodes the auth plaintext as a list, in field order.
func encodeAuthBody(m *AuthMsg) ([]byte, error) {
	return gethrlp.EncodeToBytes(&authBody{
		Sig:          m.Sig,
		InitiatorPub: m.InitiatorPub,
		Nonce:        m.Nonce,
		Version:      m.Version,
	})
}

// decodeAuthBody parses an RLP-encoded auth list out of data, which may
// carry random EIP-8 padding after the list: a Stream decode stops once the
// list closes rather than demanding the whole buffer be consumed, so the
// padding is simply left unread.
func decodeAuthBody(data []byte) (*AuthMsg, error) {
	var body authBody
	s := gethrlp.NewStream(bytes.NewReader(data), 0)
	if err := s.Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadHandshake, err)
	}
	if body.Version < handshakeVersion {
		return nil, ErrBadHandshake
	}
	return &AuthMsg{Sig: body.Sig, InitiatorPub: body.InitiatorPub, Nonce: body.Nonce, Version: body.Version}, nil
}

func encodeAckBody(m *AckMsg) ([]byte, error) {
	return gethrlp.EncodeToBytes(&ackBody{
		EphemeralPub: m.EphemeralPub,
		Nonce:        m.Nonce,
		Version:      m.Version,
	})
}

func decodeAckBody(data []byte) (*AckMsg, error) {
	var body ackBody
	s := gethrlp.NewStream(bytes.NewReader(data), 0)
	if err := s.Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadHandshake, err)
	}
	if body.Version < handshakeVersion {
		return nil, ErrBadHandshake
	}
	return &AckMsg{EphemeralPub: body.EphemeralPub, Nonce: body.Nonce, Version: body.Version}, nil
}

// eip8Envelope wraps an ECIES box in the EIP-8 [u16 big-endian size][box]
// framing. The size prefix is also the ECIES associated data, binding the
// envelope length into the authentication tag.
func eip8Envelope(pub *ecdsa.PublicKey, plaintext []byte) ([]byte, error) {
	// Pad the plaintext with random bytes so the overall ciphertext length
	// does not leak the exact field lengths across implementations, as
	// recommended by EIP-8. The padding is never interpreted: the RLP
	// decoder above stops once it has consumed the known list.
	pad := make([]byte, 100+len(plaintext)%41)
	if _, err := rand.Read(pad); err != nil {
		return nil, err
	}
	padded := append(append([]byte(nil), plaintext...), pad...)

	// ECIES overhead: 65-byte ephemeral pubkey + 16-byte IV + 32-byte MAC.
	const eciesOverhead = 65 + 16 + 32
	size := uint16(len(padded) + eciesOverhead)
	var sizeBuf [2]byte
	binary.BigEndian.PutUint16(sizeBuf[:], size)

	box, err := crypto.Encrypt(pub, padded, sizeBuf[:])
	if err != nil {
		return nil, err
	}
	return append(sizeBuf[:], box...), nil
}

// parseEIP8Envelope strips and validates the [u16 size][box] framing and
// decrypts the box for prv. It returns the plaintext (which may carry
// trailing random padding) and the number of bytes consumed from buf.
//
// If buf does not yet contain a full envelope, it returns (nil, 0, nil):
// callers interpret this as "need more bytes," not an error.
func parseEIP8Envelope(prv *ecdsa.PrivateKey, buf []byte) (plaintext []byte, consumed int, err error) {
	if len(buf) < 2 {
		return nil, 0, nil
	}
	size := int(binary.BigEndian.Uint16(buf[:2]))
	total := 2 + size
	if len(buf) < total {
		return nil, 0, nil
	}
	pt, err := crypto.Decrypt(prv, buf[2:total], buf[:2])
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrBadHandshake, err)
	}
	return pt, total, nil
}

// Secrets holds the per-direction keys derived at the end of a successful
// handshake. AES and MAC are shared; the egress/ingress MAC accumulators
// differ because each side seeds its MAC with the packet *it* sent first.
type Secrets struct {
	RemoteID   [64]byte
	AES        []byte
	MACKey     []byte
	EgressMAC  hash.Hash
	IngressMAC hash.Hash
}

// xorBytes returns a XOR b over the first len(a) bytes; b must be at least
// as long as a.
func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// deriveSecrets computes the shared AES/MAC secrets and seeds the egress and
// ingress MAC accumulators from the ephemeral ECDH shared secret and the
// nonces and raw packets exchanged during the handshake.
//
// sharedSecret = keccak256(ephemeralSecret || keccak256(respNonce || initNonce))
// aesSecret    = keccak256(ephemeralSecret || sharedSecret)
// macSecret    = keccak256(ephemeralSecret || aesSecret)
// egressMAC seed  = macSecret XOR recipient-nonce, fed the packet we sent first
// ingressMAC seed = macSecret XOR our-nonce, fed the packet we received first
func deriveSecrets(initiator bool, ephemeralSecret, initNonce, respNonce []byte, remoteID [64]byte, authPacket, ackPacket []byte) *Secrets {
	sharedSecret := crypto.Keccak256(ephemeralSecret, crypto.Keccak256(respNonce, initNonce))
	aesSecret := crypto.Keccak256(ephemeralSecret, sharedSecret)
	macSecret := crypto.Keccak256(ephemeralSecret, aesSecret)

	mac1 := sha3.NewLegacyKeccak256()
	mac1.Write(xorBytes(macSecret, respNonce))
	mac1.Write(authPacket)

	mac2 := sha3.NewLegacyKeccak256()
	mac2.Write(xorBytes(macSecret, initNonce))
	mac2.Write(ackPacket)

	s := &Secrets{RemoteID: remoteID, AES: aesSecret, MACKey: macSecret}
	if initiator {
		s.EgressMAC, s.IngressMAC = mac1, mac2
	} else {
		s.EgressMAC, s.IngressMAC = mac2, mac1
	}
	return s
}
