// ecies.go wraps go-ethereum's ECIES implementation for the secp256k1 boxes
// used to encrypt the RLPx auth/ack handshake messages: an ephemeral-key
// concat-KDF, AES-CTR encryption, and an HMAC-SHA-256 tag over the
// ciphertext plus whatever associated data the caller supplies.
package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"

	gethecies "github.com/ethereum/go-ethereum/crypto/ecies"
)

// ECIES box layout: 0x04 || ephemeral_pubkey(64) || iv(16) || ciphertext || tag(32).
const (
	eciesPubkeyLen = 65
	eciesIVLen     = 16
	eciesMACLen    = 32
)

var (
	// ErrECIESCiphertext is returned when a box is too short to contain its
	// fixed-size fields.
	ErrECIESCiphertext = errors.New("ecies: invalid ciphertext")

	// ErrMACMismatch is returned when the authentication tag does not match.
	ErrMACMismatch = errors.New("ecies: MAC verification failed")
)

// Encrypt encrypts plaintext for pub using ECIES with a fresh ephemeral key
// pair, authenticating s2 as additional MAC-only data (the EIP-8 two-byte
// outer size, for the handshake). Output layout:
// 0x04 || ephemeral_pubkey(64) || iv(16) || ciphertext || tag(32).
func Encrypt(pub *ecdsa.PublicKey, plaintext, s2 []byte) ([]byte, error) {
	box, err := gethecies.Encrypt(rand.Reader, gethecies.ImportECDSAPublic(pub), plaintext, nil, s2)
	if err != nil {
		return nil, err
	}
	return box, nil
}

// Decrypt reverses Encrypt using the recipient's private key. s2 must match
// the associated data supplied to Encrypt.
func Decrypt(prv *ecdsa.PrivateKey, box, s2 []byte) ([]byte, error) {
	if len(box) < eciesPubkeyLen+eciesIVLen+eciesMACLen {
		return nil, ErrECIESCiphertext
	}
	plaintext, err := gethecies.ImportECDSA(prv).Decrypt(box, nil, s2)
	if err != nil {
		return nil, ErrMACMismatch
	}
	return plaintext, nil
}
