package p2p

import (
	"bytes"
	"crypto/ecdsa"
	"testing"

	gethrlp "github.com/ethereum/go-ethereum/rlp"

	"github.com/eth2030/devp2p-core/crypto"
)

func codecTestKeys(t *testing.T) (*ecdsa.PrivateKey, *ecdsa.PrivateKey) {
	t.Helper()
	client, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	server, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return client, server
}

func peerIDArray(pub *ecdsa.PublicKey) [64]byte {
	var id [64]byte
	copy(id[:], crypto.Pk2ID(pub))
	return id
}

// driveHandshake feeds init's auth bytes to resp and resp's ack bytes back
// to init, without any network round trip, to exercise the Codec state
// machine directly.
func driveHandshake(t *testing.T, client, server *Codec) {
	t.Helper()

	auth, err := client.Encode(EncodeAuth{})
	if err != nil {
		t.Fatalf("client Encode(EncodeAuth): %v", err)
	}

	serverBuf := bytes.NewBuffer(auth)
	ev, err := server.Decode(serverBuf)
	if err != nil {
		t.Fatalf("server Decode(auth): %v", err)
	}
	if _, ok := ev.(AuthReceived); !ok {
		t.Fatalf("server got %T, want AuthReceived", ev)
	}

	ack, err := server.Encode(EncodeAck{})
	if err != nil {
		t.Fatalf("server Encode(EncodeAck): %v", err)
	}

	clientBuf := bytes.NewBuffer(ack)
	ev, err = client.Decode(clientBuf)
	if err != nil {
		t.Fatalf("client Decode(ack): %v", err)
	}
	if _, ok := ev.(AckReceived); !ok {
		t.Fatalf("client got %T, want AckReceived", ev)
	}
}

func TestCodecHandshakeThenFrame(t *testing.T) {
	clientKey, serverKey := codecTestKeys(t)
	serverID := peerIDArray(&serverKey.PublicKey)

	client := NewInitiatorCodec(clientKey, serverID)
	server := NewResponderCodec(serverKey)
	driveHandshake(t, client, server)

	clientID := peerIDArray(&clientKey.PublicKey)
	if server.RemoteID() != clientID {
		t.Fatal("server did not record the client's peer id")
	}

	payload := []byte("framed payload")
	header, err := client.Encode(EncodeHeader{Size: uint32(len(payload))})
	if err != nil {
		t.Fatalf("Encode(EncodeHeader): %v", err)
	}
	body, err := client.Encode(EncodeBody{Data: payload})
	if err != nil {
		t.Fatalf("Encode(EncodeBody): %v", err)
	}

	buf := bytes.NewBuffer(append(header, body...))
	ev, err := server.Decode(buf)
	if err != nil {
		t.Fatalf("server Decode(header): %v", err)
	}
	hdr, ok := ev.(HeaderReceived)
	if !ok {
		t.Fatalf("got %T, want HeaderReceived", ev)
	}
	if hdr.Size != uint32(len(payload)) {
		t.Fatalf("size: got %d, want %d", hdr.Size, len(payload))
	}

	ev, err = server.Decode(buf)
	if err != nil {
		t.Fatalf("server Decode(body): %v", err)
	}
	body2, ok := ev.(BodyReceived)
	if !ok {
		t.Fatalf("got %T, want BodyReceived", ev)
	}
	if !bytes.Equal(body2.Data, payload) {
		t.Fatalf("payload mismatch: got %q, want %q", body2.Data, payload)
	}
}

func TestCodecDecodeNeedsMoreBytes(t *testing.T) {
	clientKey, serverKey := codecTestKeys(t)
	serverID := peerIDArray(&serverKey.PublicKey)

	client := NewInitiatorCodec(clientKey, serverID)
	server := NewResponderCodec(serverKey)

	auth, err := client.Encode(EncodeAuth{})
	if err != nil {
		t.Fatal(err)
	}

	// Feed the auth message one byte short: Decode must report "need more
	// bytes" (nil, nil), not an error.
	buf := bytes.NewBuffer(auth[:len(auth)-1])
	ev, err := server.Decode(buf)
	if err != nil {
		t.Fatalf("truncated auth: got error %v, want nil", err)
	}
	if ev != nil {
		t.Fatalf("truncated auth: got event %v, want nil", ev)
	}
}

func TestCodecEncodeRejectsDecodeOnlyEvents(t *testing.T) {
	clientKey, serverKey := codecTestKeys(t)
	serverID := peerIDArray(&serverKey.PublicKey)
	client := NewInitiatorCodec(clientKey, serverID)

	if _, err := client.Encode(AuthReceived{}); err != ErrCannotEncode {
		t.Fatalf("got %v, want ErrCannotEncode", err)
	}
	if _, err := client.Encode(AckReceived{}); err != ErrCannotEncode {
		t.Fatalf("got %v, want ErrCannotEncode", err)
	}
	if _, err := client.Encode(HeaderReceived{}); err != ErrCannotEncode {
		t.Fatalf("got %v, want ErrCannotEncode", err)
	}
	if _, err := client.Encode(BodyReceived{}); err != ErrCannotEncode {
		t.Fatalf("got %v, want ErrCannotEncode", err)
	}
}

func TestCodecResponderCannotSendAuth(t *testing.T) {
	_, serverKey := codecTestKeys(t)
	server := NewResponderCodec(serverKey)
	if _, err := server.Encode(EncodeAuth{}); err == nil {
		t.Fatal("expected an error when a responder encodes EncodeAuth")
	}
}

func TestCodecInitiatorCannotSendAck(t *testing.T) {
	clientKey, serverKey := codecTestKeys(t)
	serverID := peerIDArray(&serverKey.PublicKey)
	client := NewInitiatorCodec(clientKey, serverID)
	if _, err := client.Encode(EncodeAck{}); err == nil {
		t.Fatal("expected an error when an initiator encodes EncodeAck")
	}
}

// EIP-8 forward compatibility: an auth plaintext with extra trailing RLP
// list items beyond [sig, pk, nonce, version] must still parse.
func TestDecodeAuthBodyToleratesTrailingItems(t *testing.T) {
	clientKey, serverKey := codecTestKeys(t)
	_ = serverKey

	var sig [65]byte
	var pub [64]byte
	var nonce [32]byte
	copy(pub[:], crypto.Pk2ID(&clientKey.PublicKey))
	for i := range sig {
		sig[i] = byte(i)
	}
	for i := range nonce {
		nonce[i] = byte(i * 3)
	}

	payload, err := gethrlp.EncodeToBytes([]any{
		sig[:], pub[:], nonce[:], uint64(handshakeVersion),
		"future-field-one", uint64(42),
	})
	if err != nil {
		t.Fatalf("EncodeToBytes: %v", err)
	}

	msg, err := decodeAuthBody(payload)
	if err != nil {
		t.Fatalf("decodeAuthBody with trailing items: %v", err)
	}
	if msg.Sig != sig || msg.InitiatorPub != pub || msg.Nonce != nonce {
		t.Fatal("decoded fields do not match the encoded ones")
	}
}

func TestDecodeAuthBodyRejectsLowVersion(t *testing.T) {
	var sig [65]byte
	var pub [64]byte
	var nonce [32]byte
	payload, err := gethrlp.EncodeToBytes([]any{sig[:], pub[:], nonce[:], uint64(3)})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := decodeAuthBody(payload); err != ErrBadHandshake {
		t.Fatalf("got %v, want ErrBadHandshake", err)
	}
}

func TestDecodeAckBodyToleratesTrailingItems(t *testing.T) {
	var pub [64]byte
	var nonce [32]byte
	payload, err := gethrlp.EncodeToBytes([]any{
		pub[:], nonce[:], uint64(handshakeVersion), "padding-field",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := decodeAckBody(payload); err != nil {
		t.Fatalf("decodeAckBody with trailing items: %v", err)
	}
}
