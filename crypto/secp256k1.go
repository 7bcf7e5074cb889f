package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"errors"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Errors returned by the secp256k1 primitives. Adversarial input never
// panics; it is always reported through one of these.
var (
	ErrInvalidPublicKey  = errors.New("crypto: invalid public key")
	ErrInvalidSignature  = errors.New("crypto: invalid signature")
	ErrInvalidPeerIDSize = errors.New("crypto: peer id must be 64 bytes")
)

// S256 returns the secp256k1 curve used throughout devp2p.
func S256() elliptic.Curve { return gethcrypto.S256() }

// GenerateKey generates a new secp256k1 private key.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	return gethcrypto.GenerateKey()
}

// FromECDSAPub marshals a public key to 65-byte uncompressed form (0x04 prefix).
func FromECDSAPub(pub *ecdsa.PublicKey) []byte {
	return gethcrypto.FromECDSAPub(pub)
}

// UnmarshalPubkey parses a 65-byte uncompressed secp256k1 public key.
func UnmarshalPubkey(data []byte) (*ecdsa.PublicKey, error) {
	pub, err := gethcrypto.UnmarshalPubkey(data)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	return pub, nil
}

// Pk2ID derives a PeerId (64 bytes) from a public key: the uncompressed
// encoding minus its leading 0x04 byte.
func Pk2ID(pub *ecdsa.PublicKey) []byte {
	b := FromECDSAPub(pub)
	if len(b) != 65 {
		return nil
	}
	id := make([]byte, 64)
	copy(id, b[1:])
	return id
}

// ID2PK reconstructs a public key from a 64-byte PeerId by re-attaching the
// 0x04 prefix byte.
func ID2PK(id []byte) (*ecdsa.PublicKey, error) {
	if len(id) != 64 {
		return nil, ErrInvalidPeerIDSize
	}
	full := make([]byte, 65)
	full[0] = 0x04
	copy(full[1:], id)
	return UnmarshalPubkey(full)
}

// SignRecoverable produces a 65-byte compact, recoverable ECDSA signature
// (R(32) || S(32) || V(1)) over a 32-byte digest.
func SignRecoverable(digest []byte, prv *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := gethcrypto.Sign(digest, prv)
	if err != nil {
		return nil, ErrInvalidSignature
	}
	return sig, nil
}

// Recover recovers the uncompressed public key from a 32-byte digest and a
// 65-byte compact recoverable signature.
func Recover(digest, sig []byte) (*ecdsa.PublicKey, error) {
	pub, err := gethcrypto.SigToPub(digest, sig)
	if err != nil {
		return nil, ErrInvalidSignature
	}
	return pub, nil
}

// EcdhX performs ECDH between prv and pub, returning the x-coordinate of the
// shared point as a 32-byte big-endian value (no further hashing applied).
func EcdhX(prv *ecdsa.PrivateKey, pub *ecdsa.PublicKey) []byte {
	curve := prv.Curve
	sx, sy := curve.ScalarMult(pub.X, pub.Y, prv.D.Bytes())
	if sx.Sign() == 0 && sy.Sign() == 0 {
		return nil
	}
	shared := make([]byte, 32)
	b := sx.Bytes()
	copy(shared[32-len(b):], b)
	return shared
}
