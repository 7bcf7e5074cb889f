package p2p

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"hash"

	gethrlp "github.com/ethereum/go-ethereum/rlp"
)

// HeaderLen is the size in bytes of an encrypted RLPx frame header: 16 bytes
// of encrypted header data followed by a 16-byte MAC.
const HeaderLen = 32

const frameMACLen = 16

// ErrFrameMAC is returned when a frame or header MAC does not match. This is
// always fatal: unlike DPT, RLPx has no "silently drop and keep reading"
// mode, because the MAC accumulator state itself would already be corrupted
// by the time the mismatch is detected.
var ErrFrameMAC = errors.New("p2p: frame MAC mismatch")

// FrameState holds one connection's per-direction frame cipher streams and
// MAC accumulators. It is not safe for concurrent use: a connection's read
// side and write side must each be driven from a single goroutine, since the
// AES-CTR counters and Keccak accumulators advance with every call.
type FrameState struct {
	enc, dec  cipher.Stream
	macCipher cipher.Block

	egressMAC, ingressMAC hash.Hash
}

// NewFrameState builds the per-connection cipher streams and MAC
// accumulators from a completed handshake's Secrets. The AES-CTR streams
// start from a zero IV and are never reseeded: their internal counters
// persist across every subsequent header and body for the lifetime of the
// connection, which is what lets the MAC accumulator detect any
// reordering or replay within the stream.
func NewFrameState(s *Secrets) (*FrameState, error) {
	encBlock, err := aes.NewCipher(s.AES)
	if err != nil {
		return nil, err
	}
	decBlock, err := aes.NewCipher(s.AES)
	if err != nil {
		return nil, err
	}
	macBlock, err := aes.NewCipher(s.MACKey)
	if err != nil {
		return nil, err
	}
	zeroIV := make([]byte, encBlock.BlockSize())
	return &FrameState{
		enc:        cipher.NewCTR(encBlock, zeroIV),
		dec:        cipher.NewCTR(decBlock, zeroIV),
		macCipher:  macBlock,
		egressMAC:  s.EgressMAC,
		ingressMAC: s.IngressMAC,
	}, nil
}

// updateMAC folds seed into mac's running state by encrypting the current
// digest with the (unrelated) MAC block cipher, XORing in seed, and feeding
// the result back into the hash. This AES-ECB-as-compression-function
// construction is what lets a 16-byte MAC absorb an arbitrarily long stream
// of frames while still producing a fresh tag after each one.
func updateMAC(mac hash.Hash, block cipher.Block, seed []byte) []byte {
	aesbuf := make([]byte, frameMACLen)
	block.Encrypt(aesbuf, mac.Sum(nil)[:frameMACLen])
	for i := range aesbuf {
		aesbuf[i] ^= seed[i]
	}
	mac.Write(aesbuf)
	return mac.Sum(nil)[:frameMACLen]
}

// CreateHeader encrypts and authenticates a frame header announcing a body
// of size bytes for the given capability/context pair, returning the
// HeaderLen-byte wire representation (16-byte ciphertext plus 16-byte MAC).
func (fs *FrameState) CreateHeader(size uint32, capID, contextID uint64) ([]byte, error) {
	if size > 0xFFFFFF {
		return nil, fmt.Errorf("p2p: frame body too large: %d", size)
	}
	headerData, err := gethrlp.EncodeToBytes([]uint64{capID, contextID})
	if err != nil {
		return nil, err
	}
	if len(headerData) > 16-3 {
		return nil, fmt.Errorf("p2p: frame header-data too large")
	}

	plain := make([]byte, 16)
	plain[0] = byte(size >> 16)
	plain[1] = byte(size >> 8)
	plain[2] = byte(size)
	copy(plain[3:], headerData)

	out := make([]byte, HeaderLen)
	fs.enc.XORKeyStream(out[:16], plain)
	mac := updateMAC(fs.egressMAC, fs.macCipher, out[:16])
	copy(out[16:], mac)
	return out, nil
}

// ParseHeader decrypts and authenticates a HeaderLen-byte header, returning
// the announced body size. buf must be exactly HeaderLen bytes.
func (fs *FrameState) ParseHeader(buf []byte) (size uint32, capID, contextID uint64, err error) {
	if len(buf) != HeaderLen {
		return 0, 0, 0, fmt.Errorf("p2p: header must be %d bytes, got %d", HeaderLen, len(buf))
	}
	want := updateMAC(fs.ingressMAC, fs.macCipher, buf[:16])
	if !hmacEqual(want, buf[16:]) {
		return 0, 0, 0, ErrFrameMAC
	}

	plain := make([]byte, 16)
	fs.dec.XORKeyStream(plain, buf[:16])
	size = uint32(plain[0])<<16 | uint32(plain[1])<<8 | uint32(plain[2])

	s := gethrlp.NewStream(bytes.NewReader(plain[3:]), 0)
	if _, err := s.List(); err == nil {
		capID, _ = s.Uint64()
		contextID, _ = s.Uint64()
	}
	return size, capID, contextID, nil
}

// BodyLen returns the number of wire bytes CreateBody produces for a payload
// of the given size: the payload padded up to a 16-byte boundary, plus a
// 16-byte MAC.
func BodyLen(size uint32) int {
	padded := int(size)
	if rem := padded % 16; rem != 0 {
		padded += 16 - rem
	}
	return padded + frameMACLen
}

// CreateBody encrypts and authenticates data as a frame body.
func (fs *FrameState) CreateBody(data []byte) ([]byte, error) {
	padded := len(data)
	if rem := padded % 16; rem != 0 {
		padded += 16 - rem
	}
	plain := make([]byte, padded)
	copy(plain, data)

	out := make([]byte, padded+frameMACLen)
	fs.enc.XORKeyStream(out[:padded], plain)

	fs.egressMAC.Write(out[:padded])
	seed := fs.egressMAC.Sum(nil)[:frameMACLen]
	mac := updateMAC(fs.egressMAC, fs.macCipher, seed)
	copy(out[padded:], mac)
	return out, nil
}

// ParseBody decrypts and authenticates a frame body announcing a payload of
// size bytes. buf must be exactly BodyLen(size) bytes. The returned slice is
// the unpadded payload.
func (fs *FrameState) ParseBody(buf []byte, size uint32) ([]byte, error) {
	want := BodyLen(size)
	if len(buf) != want {
		return nil, fmt.Errorf("p2p: body must be %d bytes, got %d", want, len(buf))
	}
	padded := want - frameMACLen
	ciphertext, tag := buf[:padded], buf[padded:]

	fs.ingressMAC.Write(ciphertext)
	seed := fs.ingressMAC.Sum(nil)[:frameMACLen]
	expected := updateMAC(fs.ingressMAC, fs.macCipher, seed)
	if !hmacEqual(expected, tag) {
		return nil, ErrFrameMAC
	}

	plain := make([]byte, padded)
	fs.dec.XORKeyStream(plain, ciphertext)
	return plain[:size], nil
}

func hmacEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
