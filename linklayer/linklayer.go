// Package linklayer opens raw layer-2 sockets bound to a network
// interface: a transmit handle for sending arbitrary Ethernet frames and a
// promiscuous receive handle for capturing everything that arrives.
//
// Frames are sent and received through libpcap (via gopacket/pcap), which
// reaches raw AF_PACKET sockets and promiscuous mode without hand-rolled
// syscalls.
package linklayer

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
)

// RecvTimeout bounds how long a single recv_frame call may block so the
// sniffer loop observes shutdown requests promptly.
const RecvTimeout = 10 * time.Millisecond

// Errors distinguishable by the session coordinator.
var (
	ErrPrivilegeDenied   = errors.New("linklayer: privilege denied opening raw socket")
	ErrInterfaceNotFound = errors.New("linklayer: interface not found")
	ErrInterfaceDown     = errors.New("linklayer: interface down")
)

// TxHandle sends raw Ethernet frames on an interface.
type TxHandle struct {
	handle *pcap.Handle
}

// RxHandle receives all EtherTypes on an interface, placed in promiscuous
// mode for the handle's lifetime. Closing the handle is the sole point at
// which promiscuous mode is relinquished (design note: "the sniffer's raw
// socket handle must be the sole owner of the promiscuous-mode bit").
type RxHandle struct {
	handle *pcap.Handle
}

// OpenTx opens a handle capable of sending arbitrary Ethernet frames on
// iface.
func OpenTx(iface string) (*TxHandle, error) {
	h, err := pcap.OpenLive(iface, 65536, false, pcap.BlockForever)
	if err != nil {
		return nil, classifyOpenErr(iface, err)
	}
	return &TxHandle{handle: h}, nil
}

// OpenRx opens a promiscuous-mode handle receiving all EtherTypes on iface.
// recv_frame on the returned handle never blocks longer than RecvTimeout.
func OpenRx(iface string) (*RxHandle, error) {
	h, err := pcap.OpenLive(iface, 65536, true, RecvTimeout)
	if err != nil {
		return nil, classifyOpenErr(iface, err)
	}
	return &RxHandle{handle: h}, nil
}

// classifyOpenErr maps libpcap's opaque error strings onto the
// distinguishable failure kinds the coordinator needs. libpcap does not
// expose typed errors for these conditions, so (as in the rest of the
// ecosystem's pcap-based tools) classification is done on message text.
func classifyOpenErr(iface string, err error) error {
	switch {
	case isPermissionErr(err):
		return fmt.Errorf("%w: %s: %v", ErrPrivilegeDenied, iface, err)
	default:
		if _, ifErr := net.InterfaceByName(iface); ifErr != nil {
			return fmt.Errorf("%w: %s: %v", ErrInterfaceNotFound, iface, ifErr)
		}
		return fmt.Errorf("linklayer: opening %s: %w", iface, err)
	}
}

func isPermissionErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "permission denied") || strings.Contains(msg, "operation not permitted")
}

// SendFrame writes a raw Ethernet frame. A permission error from the write
// is wrapped in ErrInterfaceDown; any other error is treated as transient
// and returned wrapped (still matchable with errors.Is) so the caller may
// retry.
func (t *TxHandle) SendFrame(b []byte) error {
	if err := t.handle.WritePacketData(b); err != nil {
		if isPermissionErr(err) {
			return fmt.Errorf("%w: %v", ErrInterfaceDown, err)
		}
		return fmt.Errorf("linklayer: transient send error: %w", err)
	}
	return nil
}

// RecvFrame reads one frame, blocking no longer than RecvTimeout. A nil
// slice with a nil error means the timeout elapsed without a frame.
func (r *RxHandle) RecvFrame() ([]byte, error) {
	data, _, err := r.handle.ZeroCopyReadPacketData()
	if err != nil {
		if errors.Is(err, pcap.NextErrorTimeoutExpired) {
			return nil, nil
		}
		return nil, fmt.Errorf("linklayer: recv error: %w", err)
	}
	// copy out of libpcap's reused buffer before returning to the caller
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// SetBPFFilter restricts the handle to frames matching filter.
func (r *RxHandle) SetBPFFilter(filter string) error {
	return r.handle.SetBPFFilter(filter)
}

func (t *TxHandle) Close() {
	if t != nil && t.handle != nil {
		t.handle.Close()
	}
}

func (r *RxHandle) Close() {
	if r != nil && r.handle != nil {
		r.handle.Close()
	}
}

// ResolveLocalMac returns the hardware address bound to iface.
func ResolveLocalMac(iface string) (net.HardwareAddr, error) {
	i, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInterfaceNotFound, iface, err)
	}
	if len(i.HardwareAddr) == 0 {
		return nil, fmt.Errorf("%w: %s has no hardware address", ErrInterfaceNotFound, iface)
	}
	return i.HardwareAddr, nil
}

// ResolveIfIndex returns the OS interface index of iface.
func ResolveIfIndex(iface string) (int, error) {
	i, err := net.InterfaceByName(iface)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInterfaceNotFound, iface, err)
	}
	return i.Index, nil
}

// NewPacketSource wraps handle's raw frames for consumers that want
// gopacket's decoding conveniences.
func NewPacketSource(r *RxHandle, decoder gopacket.Decoder) *gopacket.PacketSource {
	return gopacket.NewPacketSource(r.handle, decoder)
}
