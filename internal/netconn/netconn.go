// Package netconn supplies the live network transport for
// internal/session.Engine: a *net.TCPConn wrapped to satisfy
// session.Connection, with an outgoing IP TTL and TCP MD5 signature
// (RFC 2385) socket options applied before the BGP handshake starts.
package netconn

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/route-beacon/bgp-engine/internal/session"
)

// Conn wraps a *net.TCPConn to satisfy session.Connection.
type Conn struct {
	tcp *net.TCPConn
}

// Dial opens a TCP connection to address, applying ttl as the outgoing IP
// TTL (0 leaves the system default)
// and md5Key (empty disables TCP MD5SIG) before returning.
func Dial(ctx context.Context, address string, ttl int, md5Key string) (*Conn, error) {
	var d net.Dialer
	if md5Key != "" {
		d.Control = controlWithMD5(address, md5Key)
	}
	raw, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", address, err)
	}
	tcp, ok := raw.(*net.TCPConn)
	if !ok {
		raw.Close()
		return nil, fmt.Errorf("dialed connection to %s is not TCP", address)
	}
	c := &Conn{tcp: tcp}
	if ttl > 0 {
		if err := c.setTTL(ttl); err != nil {
			tcp.Close()
			return nil, fmt.Errorf("setting TTL on %s: %w", address, err)
		}
	}
	return c, nil
}

// Listener accepts inbound BGP connections with the same socket-option
// treatment as Dial.
type Listener struct {
	ln  *net.TCPListener
	ttl int
}

// Listen opens a TCP listener on addr.
func Listen(addr string, ttl int) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return nil, fmt.Errorf("listener on %s is not TCP", addr)
	}
	return &Listener{ln: tcpLn, ttl: ttl}, nil
}

// AddMD5Peer installs a TCP_MD5SIG key on the listening socket for a
// specific peer address. Unlike the dial side, Linux requires this to be
// set on the listening socket itself before the peer's SYN arrives, so
// callers must register every MD5-protected neighbor up front.
func (l *Listener) AddMD5Peer(peerAddr, key string) error {
	raw, err := l.ln.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		sockErr = setTCPMD5(int(fd), peerAddr, key)
	}); err != nil {
		return err
	}
	return sockErr
}

// Accept blocks for the next inbound connection.
func (l *Listener) Accept() (*Conn, error) {
	raw, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	tcp := raw.(*net.TCPConn)
	c := &Conn{tcp: tcp}
	if l.ttl > 0 {
		if err := c.setTTL(l.ttl); err != nil {
			tcp.Close()
			return nil, fmt.Errorf("setting TTL on accepted connection: %w", err)
		}
	}
	return c, nil
}

func (l *Listener) Close() error { return l.ln.Close() }

func (c *Conn) Read(p []byte) (int, error)  { return c.tcp.Read(p) }
func (c *Conn) Write(p []byte) (int, error) { return c.tcp.Write(p) }
func (c *Conn) Close() error                { return c.tcp.Close() }

func (c *Conn) SetReadDeadline(t time.Time) error  { return c.tcp.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.tcp.SetWriteDeadline(t) }

func (c *Conn) RemoteAddr() string {
	return c.tcp.RemoteAddr().String()
}

var _ session.Connection = (*Conn)(nil)

// setTTL sets IP_TTL on the socket to ttl, the TTL of every packet this
// side sends. It sets no minimum TTL for received packets, so the GTSM
// (RFC 5082) check on the peer's incoming TTL is not made here.
func (c *Conn) setTTL(ttl int) error {
	raw, err := c.tcp.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TTL, ttl)
	}); err != nil {
		return err
	}
	return sockErr
}

// controlWithMD5 returns a net.Dialer.Control hook that installs a
// TCP_MD5SIG socket option for the given peer address before connect(2)
// runs, the standard Linux mechanism for RFC 2385 signed BGP sessions.
func controlWithMD5(address, key string) func(string, string, syscall.RawConn) error {
	return func(_, _ string, c syscall.RawConn) error {
		var sockErr error
		if err := c.Control(func(fd uintptr) {
			sockErr = setTCPMD5(int(fd), address, key)
		}); err != nil {
			return err
		}
		return sockErr
	}
}
