package poison

import (
	"bytes"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/relayforge/aitm/target"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  [][]byte
	fail  bool
}

func (f *fakeSender) SendFrame(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return bytes.ErrTooLarge
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	f.sent = append(f.sent, cp)
	return nil
}

func mac(s string) net.HardwareAddr {
	m, _ := net.ParseMAC(s)
	return m
}

func TestBuildArpReply(t *testing.T) {
	attacker := mac("aa:bb:cc:dd:ee:ff")
	gateway := net.ParseIP("192.168.1.1")
	targetMAC := mac("11:22:33:44:55:66")
	targetIP := net.ParseIP("192.168.1.42")

	frame, err := buildArpReply(attacker, gateway, targetMAC, targetIP)
	if err != nil {
		t.Fatalf("buildArpReply() error = %v", err)
	}
	if len(frame) != 42 {
		t.Fatalf("len(frame) = %d, want 42", len(frame))
	}

	checks := []struct {
		name  string
		start int
		want  []byte
	}{
		{"dst mac", 0, []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66}},
		{"src mac", 6, []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}},
		{"ethertype arp", 12, []byte{0x08, 0x06}},
		{"sender hw", 22, []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}},
		{"sender proto", 28, []byte{0xc0, 0xa8, 0x01, 0x01}},
		{"target hw", 32, []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66}},
		{"target proto", 38, []byte{0xc0, 0xa8, 0x01, 0x2a}},
	}
	for _, c := range checks {
		got := frame[c.start : c.start+len(c.want)]
		if !bytes.Equal(got, c.want) {
			t.Errorf("%s: got % x, want % x", c.name, got, c.want)
		}
	}
}

func TestRunExitsWithNoActiveTargets(t *testing.T) {
	tbl := target.NewTable(zap.NewNop())
	var shutdown atomic.Bool
	p := New(&fakeSender{}, tbl, mac("aa:bb:cc:dd:ee:ff"), net.ParseIP("192.168.1.1"), &shutdown, zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- p.Run() }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not exit promptly with zero targets")
	}
}

func TestChunkedSleepRespondsToShutdown(t *testing.T) {
	var shutdown atomic.Bool
	p := &Poisoner{shutdown: &shutdown}

	go func() {
		time.Sleep(20 * time.Millisecond)
		shutdown.Store(true)
	}()

	start := time.Now()
	ok := p.chunkedSleep(5 * time.Second)
	if ok {
		t.Errorf("chunkedSleep() = true, want false after shutdown")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("chunkedSleep() took %v, want well under the 5s window", elapsed)
	}
}
