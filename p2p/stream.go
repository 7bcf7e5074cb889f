package p2p

import (
	"bytes"
	"crypto/ecdsa"
	"fmt"
	"io"
	"net"
	"sync"
)

// Message is a single capability-layer message exchanged over an
// established Stream: a capability id, a context id distinguishing
// concurrent request/response pairs within that capability, and an opaque
// payload the capability interprets.
type Message struct {
	CapID     uint64
	ContextID uint64
	Data      []byte
}

// Stream is a single RLPx connection: the handshake is performed once, at
// construction, and every Message afterward is sent and received through
// the resulting per-direction frame cipher. A Stream owns its net.Conn and
// its Codec; callers must not touch either directly.
//
// ReadMessage and WriteMessage may be called concurrently from different
// goroutines (one reader, one writer), matching how net.Conn is normally
// driven, but each individually serializes against concurrent calls to
// itself via rmu/wmu.
type Stream struct {
	conn  net.Conn
	codec *Codec

	rmu    sync.Mutex
	rbuf   bytes.Buffer
	rtmp   [4096]byte

	wmu sync.Mutex
}

// NewClientStream dials the RLPx handshake as the connection initiator over
// conn, authenticating to remoteID with the local static key priv. It
// blocks until the handshake completes or fails.
func NewClientStream(conn net.Conn, priv *ecdsa.PrivateKey, remoteID [64]byte) (*Stream, error) {
	s := &Stream{conn: conn, codec: NewInitiatorCodec(priv, remoteID)}

	auth, err := s.codec.Encode(EncodeAuth{})
	if err != nil {
		return nil, fmt.Errorf("p2p: build auth message: %w", err)
	}
	if _, err := conn.Write(auth); err != nil {
		return nil, fmt.Errorf("p2p: write auth message: %w", err)
	}

	if _, err := s.awaitEvent(func(ev any) bool {
		_, ok := ev.(AckReceived)
		return ok
	}); err != nil {
		return nil, fmt.Errorf("p2p: handshake failed: %w", err)
	}
	return s, nil
}

// NewServerStream accepts the RLPx handshake as the connection responder
// over conn, using the local static key priv. It blocks until the
// handshake completes or fails.
func NewServerStream(conn net.Conn, priv *ecdsa.PrivateKey) (*Stream, error) {
	s := &Stream{conn: conn, codec: NewResponderCodec(priv)}

	if _, err := s.awaitEvent(func(ev any) bool {
		_, ok := ev.(AuthReceived)
		return ok
	}); err != nil {
		return nil, fmt.Errorf("p2p: handshake failed: %w", err)
	}

	ack, err := s.codec.Encode(EncodeAck{})
	if err != nil {
		return nil, fmt.Errorf("p2p: build ack message: %w", err)
	}
	if _, err := conn.Write(ack); err != nil {
		return nil, fmt.Errorf("p2p: write ack message: %w", err)
	}
	return s, nil
}

// RemoteID returns the authenticated peer id of the other side.
func (s *Stream) RemoteID() [64]byte { return s.codec.RemoteID() }

// Close closes the underlying connection.
func (s *Stream) Close() error { return s.conn.Close() }

// RemoteAddr returns the underlying connection's remote network address.
func (s *Stream) RemoteAddr() string { return s.conn.RemoteAddr().String() }

// awaitEvent reads from conn, feeding bytes into the codec, until Decode
// produces an event satisfying want. Events that don't satisfy want (there
// are none during the handshake phase, but this generalizes cleanly) are
// discarded.
func (s *Stream) awaitEvent(want func(any) bool) (any, error) {
	for {
		ev, err := s.codec.Decode(&s.rbuf)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			if want(ev) {
				return ev, nil
			}
			continue
		}
		if err := s.fill(); err != nil {
			return nil, err
		}
	}
}

// fill reads at least one chunk from conn into rbuf.
func (s *Stream) fill() error {
	n, err := s.conn.Read(s.rtmp[:])
	if n > 0 {
		s.rbuf.Write(s.rtmp[:n])
	}
	if err != nil {
		if err == io.EOF && n > 0 {
			return nil
		}
		return err
	}
	return nil
}

// WriteMessage sends m as a single frame (header + body) over the
// connection. It is safe to call concurrently with ReadMessage; concurrent
// calls to WriteMessage are serialized by wmu.
func (s *Stream) WriteMessage(m Message) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	header, err := s.codec.Encode(EncodeHeader{Size: uint32(len(m.Data)), CapID: m.CapID, ContextID: m.ContextID})
	if err != nil {
		return fmt.Errorf("p2p: encode frame header: %w", err)
	}
	if _, err := s.conn.Write(header); err != nil {
		return fmt.Errorf("p2p: write frame header: %w", err)
	}

	body, err := s.codec.Encode(EncodeBody{Data: m.Data})
	if err != nil {
		return fmt.Errorf("p2p: encode frame body: %w", err)
	}
	if _, err := s.conn.Write(body); err != nil {
		return fmt.Errorf("p2p: write frame body: %w", err)
	}
	return nil
}

// ReadMessage blocks until a full message has been received, decrypted, and
// authenticated. A returned error (other than io.EOF on a closed
// connection) indicates a fatal framing or MAC failure: the connection's
// cipher state is no longer trustworthy and must not be reused.
func (s *Stream) ReadMessage() (Message, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()

	var hdr HeaderReceived
	ev, err := s.awaitEvent(func(ev any) bool {
		h, ok := ev.(HeaderReceived)
		if ok {
			hdr = h
		}
		return ok
	})
	if err != nil {
		return Message{}, err
	}
	_ = ev

	body, err := s.awaitEvent(func(ev any) bool {
		_, ok := ev.(BodyReceived)
		return ok
	})
	if err != nil {
		return Message{}, err
	}
	return Message{CapID: hdr.CapID, ContextID: hdr.ContextID, Data: body.(BodyReceived).Data}, nil
}
