package p2p

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"net"
	"sync"

	gethlog "github.com/ethereum/go-ethereum/log"

	"github.com/eth2030/devp2p-core/crypto"
	"github.com/eth2030/devp2p-core/p2p/enode"
)

var serverLog = gethlog.New("module", "p2p")

// capSlot is one registered capability: its advertised id/version, the
// capability id assigned on the wire, and the server that handles it.
type capSlot struct {
	info   CapabilityInfo
	server CapabilityServer
	capID  uint64
}

// Server accepts and dials RLPx connections, performs the transport and
// base-protocol handshakes, and dispatches capability-level messages to
// whichever CapabilityServer owns the matching capability id. It implements
// ServerHandle and CapabilityRegistrar for the capabilities it hosts.
type Server struct {
	priv       *ecdsa.PrivateKey
	name       string
	listenPort uint64

	mu       sync.Mutex
	slots    []*capSlot
	byID     map[uint64]*capSlot
	byName   map[CapabilityId]*capSlot
	peers    map[enode.PeerId]*peerConn
	listener net.Listener
}

var _ ServerHandle = (*Server)(nil)
var _ CapabilityRegistrar = (*Server)(nil)

// NewServer creates a Server identifying itself as name, listening (once
// Listen is called) on listenPort, and authenticating with priv.
func NewServer(priv *ecdsa.PrivateKey, name string, listenPort uint64) *Server {
	return &Server{
		priv:       priv,
		name:       name,
		listenPort: listenPort,
		byID:       make(map[uint64]*capSlot),
		byName:     make(map[CapabilityId]*capSlot),
		peers:      make(map[enode.PeerId]*peerConn),
	}
}

// Register attaches a CapabilityServer to this Server. It must be called
// before Listen or Dial; capability ids are assigned in registration order
// starting at 1 (0 is reserved for the base protocol).
func (s *Server) Register(info CapabilityInfo, server CapabilityServer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byName[info.Id]; exists {
		return fmt.Errorf("p2p: capability %s already registered", info.Id)
	}
	slot := &capSlot{info: info, server: server, capID: uint64(len(s.slots) + 1)}
	s.slots = append(s.slots, slot)
	s.byID[slot.capID] = slot
	s.byName[info.Id] = slot
	return nil
}

// hello builds the HelloPacket advertising every registered capability.
func (s *Server) hello() *HelloPacket {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := &HelloPacket{
		Version:    baseProtocolVersion,
		Name:       s.name,
		ListenPort: s.listenPort,
		ID:         hex.EncodeToString(crypto.Pk2ID(&s.priv.PublicKey)),
	}
	for _, slot := range s.slots {
		h.Caps = append(h.Caps, Cap{Name: string(slot.info.Id.Name), Version: slot.info.Id.Version})
	}
	return h
}

// Listen starts accepting inbound connections on addr. Accepted connections
// are handshaked and served in their own goroutine; Listen itself does not
// block past the initial bind.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	go s.acceptLoop(ln)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			serverLog.Info("accept loop exiting", "err", err)
			return
		}
		go s.serveInbound(conn)
	}
}

func (s *Server) serveInbound(conn net.Conn) {
	stream, err := NewServerStream(conn, s.priv)
	if err != nil {
		serverLog.Debug("rlpx handshake failed", "remote", conn.RemoteAddr(), "err", err)
		conn.Close()
		return
	}
	s.runPeer(stream)
}

// Dial connects to node as the RLPx initiator and runs the resulting peer
// in the background. It returns once the transport handshake has
// completed; the base-protocol handshake then runs in the background too.
func (s *Server) Dial(node *enode.NodeRecord) error {
	conn, err := net.Dial("tcp", node.TCPAddr().String())
	if err != nil {
		return err
	}
	stream, err := NewClientStream(conn, s.priv, node.ID)
	if err != nil {
		conn.Close()
		return fmt.Errorf("p2p: rlpx handshake: %w", err)
	}
	go s.runPeer(stream)
	return nil
}

func (s *Server) runPeer(stream *Stream) {
	defer stream.Close()

	remoteHello, err := PerformHandshake(stream, s.hello())
	if err != nil {
		serverLog.Debug("base protocol handshake failed", "remote", stream.RemoteAddr(), "err", err)
		return
	}

	var id enode.PeerId = stream.RemoteID()
	pc := &peerConn{stream: stream, id: id, remoteAddr: stream.RemoteAddr()}

	s.mu.Lock()
	for _, rc := range remoteHello.Caps {
		if slot, ok := s.byName[CapabilityId{Name: CapabilityName(rc.Name), Version: rc.Version}]; ok {
			pc.caps = append(pc.caps, slot.info)
		}
	}
	s.peers[id] = pc
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.peers, id)
		s.mu.Unlock()
		for _, slot := range s.capsFor(pc) {
			slot.server.OnPeerDisconnect(id)
		}
	}()

	for _, slot := range s.capsFor(pc) {
		switch outcome := slot.server.OnPeerConnect(pc, s).(type) {
		case Disavow:
			serverLog.Debug("capability disavowed peer", "cap", slot.info.Id, "remote", stream.RemoteAddr(), "reason", outcome.Reason)
			return
		case Retain:
			if outcome.Hello != nil {
				outcome.Hello.CapID = slot.capID
				if err := stream.WriteMessage(*outcome.Hello); err != nil {
					return
				}
			}
		}
	}

	for {
		msg, err := stream.ReadMessage()
		if err != nil {
			serverLog.Debug("peer read failed", "remote", stream.RemoteAddr(), "err", err)
			return
		}
		if msg.CapID == baseProtocolCapID {
			if msg.ContextID == disconnectContextID {
				return
			}
			continue
		}
		s.mu.Lock()
		slot := s.byID[msg.CapID]
		s.mu.Unlock()
		if slot == nil {
			continue
		}
		report, handleErr := slot.server.OnIngressMessage(pc, s, msg)
		if handleErr != nil && report == nil {
			report = handleErr.ToReputationReport()
		}
		if _, kicked := report.(Kick); kicked {
			return
		}
	}
}

// capsFor returns the registered slots the peer supports, in the order the
// peer's hello listed them.
func (s *Server) capsFor(pc *peerConn) []*capSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*capSlot
	for _, info := range pc.caps {
		if slot, ok := s.byName[info.Id]; ok {
			out = append(out, slot)
		}
	}
	return out
}

// GetPeers implements ServerHandle.
func (s *Server) GetPeers(name CapabilityName, version uint) []EgressPeerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []EgressPeerHandle
	for _, pc := range s.peers {
		for _, info := range pc.caps {
			if info.Id.Name == name && info.Id.Version == version {
				out = append(out, pc)
				break
			}
		}
	}
	return out
}

// GetPeer implements ServerHandle.
func (s *Server) GetPeer(id enode.PeerId) EgressPeerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pc, ok := s.peers[id]; ok {
		return pc
	}
	return nil
}

// peerConn is both the IngressPeer and EgressPeerHandle view of a connected
// peer: the capability callbacks never see the Stream directly.
type peerConn struct {
	stream     *Stream
	id         enode.PeerId
	caps       []CapabilityInfo
	remoteAddr string
}

var _ IngressPeer = (*peerConn)(nil)
var _ EgressPeerHandle = (*peerConn)(nil)

func (p *peerConn) ID() enode.PeerId          { return p.id }
func (p *peerConn) Caps() []CapabilityInfo    { return p.caps }
func (p *peerConn) RemoteAddr() string        { return p.remoteAddr }
func (p *peerConn) SendMessage(msg Message) error {
	if err := p.stream.WriteMessage(msg); err != nil {
		return &PeerSendError{PeerGone: true}
	}
	return nil
}
