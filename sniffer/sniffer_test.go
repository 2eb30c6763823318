package sniffer

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/relayforge/aitm/model"
	"github.com/relayforge/aitm/target"
)

// fakeReceiver replays a fixed list of frames, then returns no frame after
// a 1ms sleep on every later call, like a receive timeout.
type fakeReceiver struct {
	mu     sync.Mutex
	frames [][]byte
	i      int
}

func (f *fakeReceiver) RecvFrame() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.i >= len(f.frames) {
		time.Sleep(time.Millisecond)
		return nil, nil
	}
	fr := f.frames[f.i]
	f.i++
	return fr, nil
}

func mac(s string) net.HardwareAddr {
	m, _ := net.ParseMAC(s)
	return m
}

func ethFrame(dst, src net.HardwareAddr, etherType uint16, payload []byte) []byte {
	b := make([]byte, 14+len(payload))
	copy(b[0:6], dst)
	copy(b[6:12], src)
	b[12] = byte(etherType >> 8)
	b[13] = byte(etherType)
	copy(b[14:], payload)
	return b
}

func newTableWithTarget() *target.Table {
	tbl := target.NewTable(zap.NewNop())
	_ = tbl.Install(model.ScanResult{
		GatewayIP: "192.168.1.1",
		Devices: []model.Device{
			{IP: "192.168.1.1", MAC: mac("bb:bb:bb:bb:bb:bb"), IsGateway: true},
			{IP: "192.168.1.42", MAC: mac("11:22:33:44:55:66")},
		},
	}, []int{1})
	return tbl
}

func drain(s *Sniffer, n int, timeout time.Duration) []model.CapturedFrame {
	var out []model.CapturedFrame
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case f := <-s.Queue().Recv():
			out = append(out, f)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestRunSurfacesMatchingTarget(t *testing.T) {
	tbl := newTableWithTarget()
	recv := &fakeReceiver{frames: [][]byte{
		ethFrame(mac("11:22:33:44:55:66"), mac("bb:bb:bb:bb:bb:bb"), 0x0800, []byte("hello")),
	}}
	var shutdown atomic.Bool
	s := New(recv, tbl, mac("aa:bb:cc:dd:ee:ff"), &shutdown, zap.NewNop(), 8)

	go s.Run()
	defer shutdown.Store(true)

	got := drain(s, 1, time.Second)
	if len(got) != 1 {
		t.Fatalf("got %d captured frames, want 1", len(got))
	}
	if got[0].TargetIndex != 0 {
		t.Errorf("TargetIndex = %d, want 0", got[0].TargetIndex)
	}
}

func TestRunSkipsUninvolvedTraffic(t *testing.T) {
	tbl := newTableWithTarget()
	recv := &fakeReceiver{frames: [][]byte{
		ethFrame(mac("cc:cc:cc:cc:cc:cc"), mac("dd:dd:dd:dd:dd:dd"), 0x0800, []byte("hello")),
	}}
	var shutdown atomic.Bool
	s := New(recv, tbl, mac("aa:bb:cc:dd:ee:ff"), &shutdown, zap.NewNop(), 8)

	go s.Run()
	defer shutdown.Store(true)

	got := drain(s, 1, 100*time.Millisecond)
	if len(got) != 0 {
		t.Fatalf("got %d captured frames, want 0", len(got))
	}
}

func TestRunSkipsMulticastDestination(t *testing.T) {
	tbl := newTableWithTarget()
	multicastDst, _ := net.ParseMAC("01:00:5e:00:00:01")
	recv := &fakeReceiver{frames: [][]byte{
		ethFrame(multicastDst, mac("11:22:33:44:55:66"), 0x0800, []byte("hello")),
	}}
	var shutdown atomic.Bool
	s := New(recv, tbl, mac("aa:bb:cc:dd:ee:ff"), &shutdown, zap.NewNop(), 8)

	go s.Run()
	defer shutdown.Store(true)

	got := drain(s, 1, 100*time.Millisecond)
	if len(got) != 0 {
		t.Fatalf("got %d captured frames, want 0 (multicast destination)", len(got))
	}
}

func TestRunSuppressesOwnArp(t *testing.T) {
	tbl := newTableWithTarget()
	attacker := mac("aa:bb:cc:dd:ee:ff")
	recv := &fakeReceiver{frames: [][]byte{
		ethFrame(mac("11:22:33:44:55:66"), attacker, 0x0806, []byte("arp-reply")),
	}}
	var shutdown atomic.Bool
	s := New(recv, tbl, attacker, &shutdown, zap.NewNop(), 8)

	go s.Run()
	defer shutdown.Store(true)

	got := drain(s, 1, 100*time.Millisecond)
	if len(got) != 0 {
		t.Fatalf("got %d captured frames, want 0 (own forged arp)", len(got))
	}
}

func TestRunRejectsShortFrame(t *testing.T) {
	tbl := newTableWithTarget()
	recv := &fakeReceiver{frames: [][]byte{
		make([]byte, 13),
	}}
	var shutdown atomic.Bool
	s := New(recv, tbl, mac("aa:bb:cc:dd:ee:ff"), &shutdown, zap.NewNop(), 8)

	go s.Run()
	defer shutdown.Store(true)

	got := drain(s, 1, 100*time.Millisecond)
	if len(got) != 0 {
		t.Fatalf("got %d captured frames, want 0 (sub-minimum length)", len(got))
	}
}

func TestQueueDropsOldestOnOverflow(t *testing.T) {
	q := NewQueue(2)
	q.Push(model.CapturedFrame{TargetIndex: 1})
	q.Push(model.CapturedFrame{TargetIndex: 2})
	q.Push(model.CapturedFrame{TargetIndex: 3})

	if q.Lost() != 1 {
		t.Fatalf("Lost() = %d, want 1", q.Lost())
	}
	first := <-q.Recv()
	if first.TargetIndex != 2 {
		t.Errorf("oldest surviving entry TargetIndex = %d, want 2", first.TargetIndex)
	}
}
