package dpt

import (
	"crypto/ecdsa"
	"net"

	gethlog "github.com/ethereum/go-ethereum/log"

	"github.com/eth2030/devp2p-core/p2p/enode"
)

var connLog = gethlog.New("module", "dpt")

// maxPacketSize is generous for the ping/pong/find/neighbors message types;
// discovery packets are never fragmented.
const maxPacketSize = 1280

// Conn is a UDP socket bound to a fixed node key, sending and receiving
// DPT-enveloped packets. It has no notion of sessions or pending requests --
// that belongs to whatever table/routing logic sits above it -- it only
// authenticates the wire format.
type Conn struct {
	priv *ecdsa.PrivateKey
	pc   net.PacketConn
}

// Listen binds a Conn to addr (e.g. ":30303").
func Listen(priv *ecdsa.PrivateKey, addr string) (*Conn, error) {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	return &Conn{priv: priv, pc: pc}, nil
}

// Close releases the underlying socket.
func (c *Conn) Close() error { return c.pc.Close() }

// LocalAddr returns the socket's bound address.
func (c *Conn) LocalAddr() net.Addr { return c.pc.LocalAddr() }

// Send signs and transmits a message of the given type to dst.
func (c *Conn) Send(dst *net.UDPAddr, msgType byte, data []byte) error {
	packet, err := Encode(c.priv, msgType, data)
	if err != nil {
		return err
	}
	_, err = c.pc.WriteTo(packet, dst)
	return err
}

// Packet is one authenticated datagram received off the wire.
type Packet struct {
	Msg      *Message
	From     *net.UDPAddr
	RemoteID enode.PeerId
}

// ReadPacket blocks for the next datagram and authenticates it. Datagrams
// that fail validation are dropped without being returned or logged beyond
// a debug trace: ReadPacket loops internally rather than surface the drop
// to the caller, since a caller expecting one event per call would
// otherwise need its own retry loop anyway.
func (c *Conn) ReadPacket() (*Packet, error) {
	buf := make([]byte, maxPacketSize)
	for {
		n, from, err := c.pc.ReadFrom(buf)
		if err != nil {
			return nil, err
		}
		udpFrom, ok := from.(*net.UDPAddr)
		if !ok {
			continue
		}
		msg, remoteID, ok := Decode(buf[:n])
		if !ok {
			connLog.Debug("dropped malformed discovery packet", "from", udpFrom)
			continue
		}
		return &Packet{Msg: msg, From: udpFrom, RemoteID: remoteID}, nil
	}
}
