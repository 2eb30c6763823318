// Package sniffer implements the capture loop: read every frame off a
// receive handle, decide if it belongs to the session, and publish it to a
// bounded consumer queue. Matching is done per active target rather than
// with a fixed BPF filter so the victim set can change without reopening
// the capture handle.
package sniffer

import (
	"encoding/binary"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/relayforge/aitm/linklayer"
	"github.com/relayforge/aitm/model"
	"github.com/relayforge/aitm/target"
)

// minFrameLen is the shortest frame the sniffer accepts: an Ethernet
// header with no payload.
const minFrameLen = 14

const etherTypeARP = 0x0806

// Receiver abstracts the receive handle so tests can substitute a fake.
type Receiver interface {
	RecvFrame() ([]byte, error)
}

var _ Receiver = (*linklayer.RxHandle)(nil)

// Sniffer reads frames from a receive handle and publishes CapturedFrames
// for traffic involving an active target.
type Sniffer struct {
	rx          Receiver
	table       *target.Table
	attackerMAC net.HardwareAddr
	shutdown    *atomic.Bool
	log         *zap.Logger
	queue       *Queue
}

// New constructs a Sniffer publishing into a Queue of the given capacity.
func New(rx Receiver, tbl *target.Table, attackerMAC net.HardwareAddr,
	shutdown *atomic.Bool, log *zap.Logger, queueCapacity int) *Sniffer {
	return &Sniffer{
		rx:          rx,
		table:       tbl,
		attackerMAC: attackerMAC,
		shutdown:    shutdown,
		log:         log,
		queue:       NewQueue(queueCapacity),
	}
}

// Queue returns the sniffer's capture-event output. Consumers drain it at
// their own cadence; the sniffer never blocks on a slow consumer.
func (s *Sniffer) Queue() *Queue {
	return s.queue
}

// Run executes the capture loop until shutdown is requested. Each
// iteration's recv has a short timeout (linklayer.RecvTimeout) so the
// shutdown flag is checked frequently and the loop exits promptly once set.
func (s *Sniffer) Run() error {
	for {
		if s.shutdown.Load() {
			return nil
		}

		raw, err := s.rx.RecvFrame()
		if err != nil {
			s.log.Warn("transient recv error", zap.Error(err))
			continue
		}
		if raw == nil {
			continue
		}

		if len(raw) < minFrameLen {
			continue
		}

		dstMAC := net.HardwareAddr(raw[0:6])
		srcMAC := net.HardwareAddr(raw[6:12])

		if dstMAC[0]&0x01 == 1 {
			continue
		}

		idx, matched := s.matchTarget(srcMAC, dstMAC)
		if !matched {
			continue
		}

		etherType := binary.BigEndian.Uint16(raw[12:14])
		if macEqual(srcMAC, s.attackerMAC) && etherType == etherTypeARP {
			continue
		}

		now := time.Now()
		frame := model.CapturedFrame{
			Raw:         append([]byte(nil), raw...),
			CapturedSec: uint64(now.Unix()),
			CapturedUsec: uint32(now.Nanosecond() / 1000),
			TargetIndex: idx,
		}
		s.queue.Push(frame)
	}
}

// matchTarget reports whether src or dst identifies an active target, and
// that target's index (src takes priority when both match, which only
// differs from dst when a target is spoofing its own frames between peers).
func (s *Sniffer) matchTarget(src, dst net.HardwareAddr) (int, bool) {
	if idx, ok := s.table.FindActiveByMAC(src); ok {
		return idx, true
	}
	if idx, ok := s.table.FindActiveByMAC(dst); ok {
		return idx, true
	}
	return 0, false
}

func macEqual(a, b net.HardwareAddr) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
