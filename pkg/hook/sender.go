package hook

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/psaab/flowfw/pkg/packet"
)

// RawSender injects complete IP packets through raw sockets. It serves
// as the dataplane's sender for block replies.
type RawSender struct {
	mu  sync.Mutex
	fd4 int
	fd6 int
}

// NewRawSender opens one raw socket per address family.
func NewRawSender() (*RawSender, error) {
	fd4, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.IPPROTO_RAW)
	if err != nil {
		return nil, fmt.Errorf("raw IPv4 socket: %w", err)
	}
	fd6, err := unix.Socket(unix.AF_INET6, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.IPPROTO_RAW)
	if err != nil {
		unix.Close(fd4)
		return nil, fmt.Errorf("raw IPv6 socket: %w", err)
	}
	return &RawSender{fd4: fd4, fd6: fd6}, nil
}

// Send writes pkt to the destination in its IP header. The interface and
// direction are left to the routing table.
func (s *RawSender) Send(pkt []byte, _ uint32, _ packet.Direction) error {
	v := packet.New(pkt)
	if v.Flags()&packet.FlagIP46 == 0 {
		return fmt.Errorf("send: not an IP packet")
	}
	dst := v.Addr(packet.Dst)

	s.mu.Lock()
	defer s.mu.Unlock()
	if dst.Is4() {
		return unix.Sendto(s.fd4, pkt, 0, &unix.SockaddrInet4{Addr: dst.As4()})
	}
	return unix.Sendto(s.fd6, pkt, 0, &unix.SockaddrInet6{Addr: dst.As16()})
}

// Close closes both sockets.
func (s *RawSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err4 := unix.Close(s.fd4)
	err6 := unix.Close(s.fd6)
	if err4 != nil {
		return err4
	}
	return err6
}
