package traceroute

import (
	"net"
	"testing"
	"time"

	"github.com/relayforge/aitm/misc"
)

func TestEchoMatchesPayload(t *testing.T) {
	ipHeader := make([]byte, 20)
	ipHeader[0] = 0x45 // version 4, IHL 5 (20 bytes)

	icmpHeader := make([]byte, 8)
	icmpHeader[0] = 8 // echo request
	icmpHeader[4] = 0x12
	icmpHeader[5] = 0x34 // id = 0x1234
	icmpHeader[6] = 0x00
	icmpHeader[7] = 0x07 // seq = 7

	payload := append(ipHeader, icmpHeader...)

	if !echoMatchesPayload(payload, 0x1234, 7) {
		t.Error("expected match for correct id/seq")
	}
	if echoMatchesPayload(payload, 0x1234, 8) {
		t.Error("expected no match for wrong seq")
	}
	if echoMatchesPayload(payload[:10], 0x1234, 7) {
		t.Error("expected no match for truncated payload")
	}
}

func TestEchoMatchesPayloadNotEchoRequest(t *testing.T) {
	ipHeader := make([]byte, 20)
	ipHeader[0] = 0x45
	icmpHeader := make([]byte, 8)
	icmpHeader[0] = 0 // echo reply, not request
	payload := append(ipHeader, icmpHeader...)
	if echoMatchesPayload(payload, 0, 0) {
		t.Error("expected no match for non-echo-request type byte")
	}
}

func TestResolveIPv4Literal(t *testing.T) {
	ip, err := resolveIPv4("192.168.1.1")
	if err != nil {
		t.Fatalf("resolveIPv4() error = %v", err)
	}
	if ip.String() != "192.168.1.1" {
		t.Errorf("resolveIPv4() = %v, want 192.168.1.1", ip)
	}
}

func TestResolveIPv4RejectsIPv6Literal(t *testing.T) {
	if _, err := resolveIPv4("::1"); err == nil {
		t.Error("expected an error resolving an IPv6 literal to IPv4")
	}
}

func TestRTTMillis(t *testing.T) {
	got := rttMillis(1500 * time.Microsecond)
	if got != 1.5 {
		t.Errorf("rttMillis() = %v, want 1.5", got)
	}
}

func TestAddrIP(t *testing.T) {
	ip := net.ParseIP("10.0.0.5")
	if got := addrIP(&net.IPAddr{IP: ip}); got != "10.0.0.5" {
		t.Errorf("addrIP(IPAddr) = %q, want 10.0.0.5", got)
	}
	if got := addrIP(&net.UDPAddr{IP: ip, Port: 33434}); got != "10.0.0.5" {
		t.Errorf("addrIP(UDPAddr) = %q, want 10.0.0.5", got)
	}
}

func TestReverseDNSStopsAfterFailCounterExceeded(t *testing.T) {
	fails := misc.NewFailCounter(1)
	// an unroutable TEST-NET-1 address that will not resolve in any reasonable timeout
	got := reverseDNS("192.0.2.1", fails)
	if got != "*" {
		t.Fatalf("reverseDNS() = %q, want *", got)
	}
	if !fails.Exceeded() {
		t.Fatal("expected the fail counter to be exceeded after one failed lookup")
	}
	// second call should short-circuit without attempting another lookup
	if got := reverseDNS("192.0.2.1", fails); got != "*" {
		t.Errorf("reverseDNS() after exceeding = %q, want *", got)
	}
}

func TestOptionsWithDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	if o.MaxHops != DefaultMaxHops || o.ProbesPerHop != DefaultProbesPerHop || o.Timeout != DefaultProbeTimeout {
		t.Errorf("withDefaults() = %+v, want spec defaults", o)
	}

	custom := Options{MaxHops: 5, ProbesPerHop: 1, Timeout: time.Second}.withDefaults()
	if custom.MaxHops != 5 || custom.ProbesPerHop != 1 || custom.Timeout != time.Second {
		t.Errorf("withDefaults() overrode explicit values: %+v", custom)
	}
}
