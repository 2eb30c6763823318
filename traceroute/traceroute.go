// Package traceroute implements an ICMP traceroute: per-TTL echo probes
// correlated against Time Exceeded responses, with reverse DNS on each
// responding hop. Each hop sends multiple probes rather than one, and
// matches replies back to their probe via the ICMP echo id/sequence
// embedded in Time Exceeded payloads.
package traceroute

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/relayforge/aitm/misc"
	"github.com/relayforge/aitm/model"
)

// Default probe parameters for a trace call.
const (
	DefaultMaxHops       = 30
	DefaultProbesPerHop  = 3
	DefaultProbeTimeout  = 3 * time.Second
	interProbePacing     = 100 * time.Millisecond
	echoPayloadSize      = 64 - 8 // total 64 bytes minus the 8-byte ICMP echo header
	reverseDNSTimeout    = 500 * time.Millisecond
	// dnsMaxFailures bounds repeated reverse-DNS lookups for one trace: once
	// this many have failed, remaining hops report "*" without attempting
	// another lookup, so a slow or broken resolver can't stall the whole
	// trace one hop at a time.
	dnsMaxFailures = 5
)

var (
	// ErrPrivilegeDenied is returned when opening a raw ICMP socket fails
	// for lack of capability (CAP_NET_RAW or root on Linux).
	ErrPrivilegeDenied = errors.New("traceroute: privilege denied opening raw icmp socket")
	// ErrDNSUnresolved is returned when the target host cannot be resolved
	// to an IPv4 address.
	ErrDNSUnresolved = errors.New("traceroute: unknown host")
)

// Options configures a trace call; zero values fall back to spec defaults.
type Options struct {
	MaxHops      int
	ProbesPerHop int
	Timeout      time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxHops <= 0 {
		o.MaxHops = DefaultMaxHops
	}
	if o.ProbesPerHop <= 0 {
		o.ProbesPerHop = DefaultProbesPerHop
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultProbeTimeout
	}
	return o
}

// Trace resolves targetHost, then walks TTLs 1..MaxHops sending
// ProbesPerHop ICMP echoes each, until the target replies or hops are
// exhausted.
func Trace(targetHost string, opts Options) (model.TracerouteResult, error) {
	opts = opts.withDefaults()

	resolvedIP, err := resolveIPv4(targetHost)
	if err != nil {
		return model.TracerouteResult{}, fmt.Errorf("%w: %s: %v", ErrDNSUnresolved, targetHost, err)
	}

	conn, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if err != nil {
		return model.TracerouteResult{}, fmt.Errorf("%w: %v", ErrPrivilegeDenied, err)
	}
	defer conn.Close()

	id := os.Getpid() & 0xffff
	start := time.Now()
	result := model.TracerouteResult{TargetHost: targetHost, ResolvedIP: resolvedIP}
	dnsFails := misc.NewFailCounter(dnsMaxFailures)

	for ttl := 1; ttl <= opts.MaxHops; ttl++ {
		hop, reached := probeHop(conn, resolvedIP, ttl, id, opts.ProbesPerHop, opts.Timeout, dnsFails)
		result.Hops = append(result.Hops, hop)
		if reached {
			result.TotalHops = ttl
			result.Elapsed = time.Since(start)
			return result, nil
		}
	}
	result.TotalHops = opts.MaxHops
	result.Elapsed = time.Since(start)
	return result, nil
}

func resolveIPv4(host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
		return nil, fmt.Errorf("%s is not an IPv4 address", host)
	}
	addrs, err := net.LookupIP(host)
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		if v4 := a.To4(); v4 != nil {
			return v4, nil
		}
	}
	return nil, fmt.Errorf("no IPv4 address for %s", host)
}

func probeHop(conn *icmp.PacketConn, target net.IP, ttl, id, probesPerHop int, timeout time.Duration, dnsFails *misc.FailCounter) (model.TracerouteHop, bool) {
	hop := model.TracerouteHop{Hop: ttl, IP: "*", Hostname: "*"}

	if err := conn.IPv4PacketConn().SetTTL(ttl); err != nil {
		for i := 0; i < probesPerHop; i++ {
			hop.Probes = append(hop.Probes, model.ProbeResult{Status: model.ProbeUnreachable})
		}
		return hop, false
	}

	reached := false
	var respondedIP string

	for probe := 0; probe < probesPerHop; probe++ {
		status, rtt, peerIP, isTarget := sendProbe(conn, target, ttl, id, probe, timeout)
		hop.Probes = append(hop.Probes, model.ProbeResult{Status: status, RTTMs: rtt})
		if peerIP != "" && respondedIP == "" {
			respondedIP = peerIP
		}
		if isTarget {
			reached = true
		}
		if probe < probesPerHop-1 {
			time.Sleep(interProbePacing)
		}
	}

	if respondedIP != "" {
		hop.IP = respondedIP
		hop.Hostname = reverseDNS(respondedIP, dnsFails)
	}
	return hop, reached
}

func sendProbe(conn *icmp.PacketConn, target net.IP, ttl, id, seq int, timeout time.Duration) (status string, rttMs float64, peerIP string, isTarget bool) {
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   id,
			Seq:  seq,
			Data: make([]byte, echoPayloadSize),
		},
	}
	b, err := msg.Marshal(nil)
	if err != nil {
		return model.ProbeUnreachable, 0, "", false
	}

	sendTime := time.Now()
	if _, err := conn.WriteTo(b, &net.IPAddr{IP: target}); err != nil {
		return model.ProbeUnreachable, 0, "", false
	}

	deadline := sendTime.Add(timeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return model.ProbeUnreachable, 0, "", false
	}

	buf := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			return model.ProbeTimeout, 0, "", false
		}
		rtt := time.Since(sendTime)
		peerIP := addrIP(peer)

		reply, err := icmp.ParseMessage(1, buf[:n])
		if err != nil {
			if time.Now().After(deadline) {
				return model.ProbeTimeout, 0, "", false
			}
			continue
		}

		switch reply.Type {
		case ipv4.ICMPTypeEchoReply:
			if echo, ok := reply.Body.(*icmp.Echo); ok && echo.ID == id && echo.Seq == seq {
				return model.ProbeOK, rttMillis(rtt), peerIP, peerIP == target.String()
			}
		case ipv4.ICMPTypeTimeExceeded:
			if echoMatches(reply, id, seq) {
				return model.ProbeOK, rttMillis(rtt), peerIP, false
			}
		}

		if time.Now().After(deadline) {
			return model.ProbeTimeout, 0, "", false
		}
	}
}

func rttMillis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}

func addrIP(addr net.Addr) string {
	switch a := addr.(type) {
	case *net.IPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	default:
		return addr.String()
	}
}

// echoMatches reports whether an ICMP Time Exceeded message's embedded
// original packet carries the given echo ID and sequence: the IP header
// (whose length is derived from the IHL nibble) followed by the first 8
// bytes of an ICMP echo request.
func echoMatches(reply *icmp.Message, wantID, wantSeq int) bool {
	te, ok := reply.Body.(*icmp.TimeExceeded)
	if !ok {
		return false
	}
	return echoMatchesPayload(te.Data, wantID, wantSeq)
}

func echoMatchesPayload(data []byte, wantID, wantSeq int) bool {
	if len(data) < 28 {
		return false
	}
	ihl := int(data[0]&0x0f) * 4
	if ihl < 20 || len(data) < ihl+8 {
		return false
	}
	icmpData := data[ihl:]
	if icmpData[0] != 8 { // echo request
		return false
	}
	id := int(binary.BigEndian.Uint16(icmpData[4:6]))
	seq := int(binary.BigEndian.Uint16(icmpData[6:8]))
	return id == wantID && seq == wantSeq
}

// reverseDNS resolves ip to a hostname, trimming the trailing FQDN dot; it
// returns the literal "*" on any failure. Once fails has recorded
// dnsMaxFailures failures for this trace, no further lookups are attempted.
func reverseDNS(ip string, fails *misc.FailCounter) string {
	if fails.Exceeded() {
		return "*"
	}
	ctx, cancel := context.WithTimeout(context.Background(), reverseDNSTimeout)
	defer cancel()
	names, err := net.DefaultResolver.LookupAddr(ctx, ip)
	if err != nil || len(names) == 0 {
		fails.Inc()
		return "*"
	}
	return strings.TrimSuffix(names[0], ".")
}
