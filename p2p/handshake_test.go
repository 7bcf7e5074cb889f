package p2p

import (
	"net"
	"testing"
)

func streamPair(t *testing.T) (client, server *Stream) {
	t.Helper()
	clientKey := genKey(t)
	serverKey := genKey(t)
	serverID := peerIDArray(&serverKey.PublicKey)

	c1, c2 := net.Pipe()
	t.Cleanup(func() { c1.Close(); c2.Close() })

	type result struct {
		s   *Stream
		err error
	}
	clientCh := make(chan result, 1)
	serverCh := make(chan result, 1)
	go func() {
		s, err := NewClientStream(c1, clientKey, serverID)
		clientCh <- result{s, err}
	}()
	go func() {
		s, err := NewServerStream(c2, serverKey)
		serverCh <- result{s, err}
	}()
	cr, sr := <-clientCh, <-serverCh
	if cr.err != nil {
		t.Fatalf("client transport handshake: %v", cr.err)
	}
	if sr.err != nil {
		t.Fatalf("server transport handshake: %v", sr.err)
	}
	return cr.s, sr.s
}

func TestPerformHandshakeMatchingCaps(t *testing.T) {
	client, server := streamPair(t)

	clientHello := &HelloPacket{
		Version: baseProtocolVersion,
		Name:    "test-client/1.0",
		Caps:    []Cap{{Name: "eth", Version: 68}},
	}
	serverHello := &HelloPacket{
		Version: baseProtocolVersion,
		Name:    "test-server/1.0",
		Caps:    []Cap{{Name: "eth", Version: 68}, {Name: "snap", Version: 1}},
	}

	type result struct {
		hello *HelloPacket
		err   error
	}
	clientCh := make(chan result, 1)
	serverCh := make(chan result, 1)
	go func() {
		h, err := PerformHandshake(client, clientHello)
		clientCh <- result{h, err}
	}()
	go func() {
		h, err := PerformHandshake(server, serverHello)
		serverCh <- result{h, err}
	}()

	cr := <-clientCh
	sr := <-serverCh
	if cr.err != nil {
		t.Fatalf("client PerformHandshake: %v", cr.err)
	}
	if sr.err != nil {
		t.Fatalf("server PerformHandshake: %v", sr.err)
	}
	if cr.hello.Name != serverHello.Name {
		t.Fatalf("client saw name %q, want %q", cr.hello.Name, serverHello.Name)
	}
	if sr.hello.Name != clientHello.Name {
		t.Fatalf("server saw name %q, want %q", sr.hello.Name, clientHello.Name)
	}
}

func TestPerformHandshakeNoMatchingCapsFails(t *testing.T) {
	client, server := streamPair(t)

	clientHello := &HelloPacket{Version: baseProtocolVersion, Name: "c", Caps: []Cap{{Name: "eth", Version: 68}}}
	serverHello := &HelloPacket{Version: baseProtocolVersion, Name: "s", Caps: []Cap{{Name: "les", Version: 4}}}

	errCh := make(chan error, 2)
	go func() { _, err := PerformHandshake(client, clientHello); errCh <- err }()
	go func() { _, err := PerformHandshake(server, serverHello); errCh <- err }()

	first := <-errCh
	second := <-errCh
	if first == nil && second == nil {
		t.Fatal("expected at least one side to report no matching capabilities")
	}
}

func TestHelloEncodeDecodeRoundTrip(t *testing.T) {
	h := &HelloPacket{
		Version:    baseProtocolVersion,
		Name:       "geth-like/v1.2.3",
		Caps:       []Cap{{Name: "eth", Version: 68}, {Name: "snap", Version: 1}},
		ListenPort: 30303,
		ID:         "abcdef",
	}
	encoded, err := EncodeHello(h)
	if err != nil {
		t.Fatalf("EncodeHello: %v", err)
	}
	got, err := DecodeHello(encoded)
	if err != nil {
		t.Fatalf("DecodeHello: %v", err)
	}
	if got.Version != h.Version || got.Name != h.Name || got.ListenPort != h.ListenPort || got.ID != h.ID {
		t.Fatalf("scalar field mismatch: got %+v, want %+v", got, h)
	}
	if len(got.Caps) != len(h.Caps) {
		t.Fatalf("cap count: got %d, want %d", len(got.Caps), len(h.Caps))
	}
	for i := range h.Caps {
		if got.Caps[i] != h.Caps[i] {
			t.Fatalf("cap %d: got %+v, want %+v", i, got.Caps[i], h.Caps[i])
		}
	}
}

func TestMatchingCaps(t *testing.T) {
	local := []Cap{{Name: "eth", Version: 67}, {Name: "eth", Version: 68}, {Name: "snap", Version: 1}}
	remote := []Cap{{Name: "eth", Version: 68}, {Name: "les", Version: 4}}
	matched := MatchingCaps(local, remote)
	if len(matched) != 1 || matched[0] != (Cap{Name: "eth", Version: 68}) {
		t.Fatalf("got %+v, want [{eth 68}]", matched)
	}
}
