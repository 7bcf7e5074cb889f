package crypto

import (
	"bytes"
	"testing"
)

func TestKeccak256KnownVector(t *testing.T) {
	// keccak256("") — the canonical empty-input test vector.
	want := "c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470"[:64]
	got := Keccak256()
	if hexEncode(got) != want {
		t.Fatalf("Keccak256(): got %s, want %s", hexEncode(got), want)
	}
}

func hexEncode(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hextable[v>>4]
		out[i*2+1] = hextable[v&0x0f]
	}
	return string(out)
}

func TestKeccak256VariadicEqualsConcat(t *testing.T) {
	a, b := []byte("hello "), []byte("world")
	got := Keccak256(a, b)
	want := Keccak256(append(append([]byte(nil), a...), b...))
	if !bytes.Equal(got, want) {
		t.Fatalf("Keccak256(a, b) != Keccak256(concat(a, b))")
	}
}

func TestPeerIDRoundtrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	id := Pk2ID(&key.PublicKey)
	if len(id) != 64 {
		t.Fatalf("Pk2ID: got length %d, want 64", len(id))
	}
	pub, err := ID2PK(id)
	if err != nil {
		t.Fatalf("ID2PK: %v", err)
	}
	if pub.X.Cmp(key.PublicKey.X) != 0 || pub.Y.Cmp(key.PublicKey.Y) != 0 {
		t.Fatal("ID2PK(Pk2ID(pub)) != pub")
	}
}

func TestID2PKWrongLength(t *testing.T) {
	if _, err := ID2PK(make([]byte, 63)); err != ErrInvalidPeerIDSize {
		t.Fatalf("got %v, want ErrInvalidPeerIDSize", err)
	}
	if _, err := ID2PK(make([]byte, 65)); err != ErrInvalidPeerIDSize {
		t.Fatalf("got %v, want ErrInvalidPeerIDSize", err)
	}
}

func TestSignRecoverRoundtrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	digest := Keccak256([]byte("message to sign"))
	sig, err := SignRecoverable(digest, key)
	if err != nil {
		t.Fatalf("SignRecoverable: %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("signature length: got %d, want 65", len(sig))
	}
	pub, err := Recover(digest, sig)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if pub.X.Cmp(key.PublicKey.X) != 0 || pub.Y.Cmp(key.PublicKey.Y) != 0 {
		t.Fatal("recovered key does not match signer")
	}
}

func TestRecoverRejectsTamperedSignature(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	digest := Keccak256([]byte("message to sign"))
	sig, err := SignRecoverable(digest, key)
	if err != nil {
		t.Fatalf("SignRecoverable: %v", err)
	}
	sig[0] ^= 0xff

	pub, err := Recover(digest, sig)
	if err == nil && pub.X.Cmp(key.PublicKey.X) == 0 {
		t.Fatal("tampered signature recovered the original key")
	}
}

func TestEcdhXSymmetric(t *testing.T) {
	a, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	s1 := EcdhX(a, &b.PublicKey)
	s2 := EcdhX(b, &a.PublicKey)
	if !bytes.Equal(s1, s2) {
		t.Fatal("ECDH shared secret is not symmetric")
	}
	if len(s1) != 32 {
		t.Fatalf("shared secret length: got %d, want 32", len(s1))
	}
}

func TestECIESEncryptDecryptRoundtrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	plaintext := []byte("auth message plaintext padded to some length")
	aad := []byte{0x01, 0x02}

	box, err := Encrypt(&key.PublicKey, plaintext, aad)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	got, err := Decrypt(key, box, aad)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("decrypted plaintext does not match original")
	}
}

func TestECIESDecryptWrongAADFails(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	box, err := Encrypt(&key.PublicKey, []byte("hello"), []byte{0x00, 0x05})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decrypt(key, box, []byte{0x00, 0x06}); err != ErrMACMismatch {
		t.Fatalf("got %v, want ErrMACMismatch", err)
	}
}

func TestECIESDecryptTamperedCiphertextFails(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	box, err := Encrypt(&key.PublicKey, []byte("hello there"), nil)
	if err != nil {
		t.Fatal(err)
	}
	box[len(box)-10] ^= 0x01
	if _, err := Decrypt(key, box, nil); err != ErrMACMismatch {
		t.Fatalf("got %v, want ErrMACMismatch", err)
	}
}

func TestECIESDecryptTooShort(t *testing.T) {
	if _, err := Decrypt(nil, make([]byte, 10), nil); err != ErrECIESCiphertext {
		t.Fatalf("got %v, want ErrECIESCiphertext", err)
	}
}
