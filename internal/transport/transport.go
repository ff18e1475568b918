// Package transport abstracts the single-peer unreliable datagram
// socket the sender and receiver engines run over. It is a thin
// adapter: blocking send to a fixed peer, and receive-with-deadline
// that reports either a datagram or a timeout, mirroring the
// KISSConnection (SendFrame/RecvData/Close) shape used throughout the
// retrieval pack's TCP and serial transports, generalized to UDP.
package transport

import (
	"errors"
	"net"
	"strconv"
	"sync"
	"time"
)

// ErrTimeout is returned by Receive when the deadline elapses before a
// datagram arrives. It is a transient condition: callers retry or
// treat it as a state-machine timeout event, never as fatal on its
// own.
var ErrTimeout = errors.New("transport: receive timed out")

// ErrClosed names the closed-transport condition. Neither UDPTransport
// nor Pipe returns it: a UDPTransport used after Close returns the
// underlying socket's error, and Pipe's Close has no effect.
var ErrClosed = errors.New("transport: closed")

// Datagram is one received packet and the address it came from.
type Datagram struct {
	Payload []byte
	From    net.Addr
}

// Transport is a single-peer datagram endpoint.
type Transport interface {
	// Send delivers a datagram to the fixed peer. It fails only on
	// hard socket errors, which are fatal to the caller's state
	// machine.
	Send(payload []byte) error
	// Receive blocks until a datagram arrives or the deadline
	// elapses, in which case it returns ErrTimeout.
	Receive(deadline time.Time) (Datagram, error)
	Close() error
}

// UDPTransport implements Transport over a *net.UDPConn. A sender
// transport is created connected to a fixed peer (DialUDP); a receiver
// transport is created bound to a local port (ListenUDP) and learns
// its peer address from the first datagram it receives, exactly as
// original_source/receiver.cpp captures sender_addr from its first
// recvfrom and replies to it from then on.
type UDPTransport struct {
	conn      *net.UDPConn
	connected bool // true if conn was Dial'd to a fixed peer
	mu        sync.Mutex
	peer      *net.UDPAddr
}

// DialUDP opens a sender-side transport connected to host:port.
func DialUDP(host string, port int) (*UDPTransport, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, err
	}
	return &UDPTransport{conn: conn, connected: true, peer: addr}, nil
}

// ListenUDP opens a receiver-side transport bound to :port. The peer
// is unknown until the first Receive call.
func ListenUDP(port int) (*UDPTransport, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, err
	}
	return &UDPTransport{conn: conn, connected: false}, nil
}

// Send implements Transport.
func (t *UDPTransport) Send(payload []byte) error {
	t.mu.Lock()
	peer := t.peer
	connected := t.connected
	t.mu.Unlock()

	if connected {
		_, err := t.conn.Write(payload)
		return err
	}
	if peer == nil {
		return errors.New("transport: no peer known yet")
	}
	_, err := t.conn.WriteToUDP(payload, peer)
	return err
}

// Receive implements Transport.
func (t *UDPTransport) Receive(deadline time.Time) (Datagram, error) {
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return Datagram{}, err
	}
	buf := make([]byte, 65535)
	n, addr, err := t.conn.ReadFromUDP(buf)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return Datagram{}, ErrTimeout
		}
		return Datagram{}, err
	}
	t.mu.Lock()
	if t.peer == nil {
		t.peer = addr
	}
	t.mu.Unlock()
	return Datagram{Payload: buf[:n], From: addr}, nil
}

// Close implements Transport.
func (t *UDPTransport) Close() error {
	return t.conn.Close()
}
