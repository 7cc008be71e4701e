//go:build linux

package netconn

import (
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"
)

// tcpMD5Sig mirrors the kernel's struct tcp_md5sig from
// include/uapi/linux/tcp.h: a generic sockaddr_storage identifying the
// peer followed by the key length and a fixed 80-byte key buffer. Go has
// no portable binding for this, so the layout is built by hand the way
// other Go BGP implementations in this space do it.
type tcpMD5Sig struct {
	addr      [128]byte // sockaddr_storage
	flags     uint8
	prefixlen uint8
	keylen    uint16
	_         uint32
	key       [80]byte
}

const tcpMD5SIG = 14 // TCP_MD5SIG, include/uapi/linux/tcp.h

// setTCPMD5 installs a TCP MD5SIG key for the given peer address on fd,
// the Linux mechanism RFC 2385 signed BGP sessions rely on.
func setTCPMD5(fd int, address, key string) error {
	if len(key) > 80 {
		return fmt.Errorf("md5 key too long: %d bytes (max 80)", len(key))
	}

	host, _, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("invalid peer address %q for TCP MD5SIG", address)
	}

	var sig tcpMD5Sig
	sig.keylen = uint16(len(key))
	copy(sig.key[:], key)

	if ip4 := ip.To4(); ip4 != nil {
		sa := (*unix.RawSockaddrInet4)(unsafe.Pointer(&sig.addr))
		sa.Family = unix.AF_INET
		copy(sa.Addr[:], ip4)
	} else {
		sa := (*unix.RawSockaddrInet6)(unsafe.Pointer(&sig.addr))
		sa.Family = unix.AF_INET6
		copy(sa.Addr[:], ip.To16())
	}

	_, _, errno := unix.Syscall6(
		unix.SYS_SETSOCKOPT,
		uintptr(fd),
		uintptr(unix.IPPROTO_TCP),
		uintptr(tcpMD5SIG),
		uintptr(unsafe.Pointer(&sig)),
		unsafe.Sizeof(sig),
		0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}
