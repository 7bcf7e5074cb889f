package crypto

import (
	"golang.org/x/crypto/sha3"
)

// Keccak256 calculates the Keccak-256 hash of the concatenation of the given
// byte slices. This is the legacy Keccak construction used throughout devp2p
// and RLPx, not the NIST SHA3-256 finalization.
func Keccak256(data ...[]byte) []byte {
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	return d.Sum(nil)
}
