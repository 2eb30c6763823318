// Package decode turns a raw captured frame into a model.DecodeTree: a
// generic, protocol-agnostic tree of named layers and fields. It never
// fails destructively — a parse error at any layer truncates the tree and
// appends an "Error" layer rather than propagating. Built on
// gopacket/layers' per-protocol DecodeFromBytes, the same library used
// elsewhere in this module to build and parse ARP traffic, bent here
// toward reading rather than constructing frames.
package decode

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/relayforge/aitm/model"
)

const (
	etherTypeVLAN = 0x8100
	etherTypeQinQ = 0x88a8
	etherTypeARP  = 0x0806
	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86DD
)

// maxVLANTags bounds stacked 802.1Q/802.1ad tags to two (QinQ).
const maxVLANTags = 2

var tcpWellKnownPorts = map[uint16]string{
	80:   "HTTP",
	443:  "HTTPS (TLS/SSL)",
	21:   "FTP",
	25:   "SMTP",
	110:  "POP3",
	143:  "IMAP",
	22:   "SSH",
	139:  "NetBIOS",
	5060: "SIP",
	5061: "SIP",
}

var udpWellKnownPorts = map[uint16]string{
	53:   "DNS",
	67:   "DHCP",
	68:   "DHCP",
	123:  "NTP",
	137:  "NetBIOS",
	138:  "NetBIOS",
	161:  "SNMP",
	162:  "SNMP",
	5060: "SIP",
	5061: "SIP",
}

// Decode parses raw into a DecodeTree. It always returns a tree, even for
// malformed or truncated input.
func Decode(raw []byte) model.DecodeTree {
	tree := model.DecodeTree{Root: "Frame"}

	ethLayer, ethType, rest, err := decodeEthernet(raw)
	if err != nil {
		tree.Layers = append(tree.Layers, errorLayer(err), hexDumpLayer(raw))
		return tree
	}
	tree.Layers = append(tree.Layers, ethLayer)

	for i := 0; i < maxVLANTags && (ethType == etherTypeVLAN || ethType == etherTypeQinQ); i++ {
		var vlanLayer model.Layer
		vlanLayer, ethType, rest, err = decodeVLAN(rest)
		if err != nil {
			tree.Layers = append(tree.Layers, errorLayer(err), hexDumpLayer(raw))
			return tree
		}
		tree.Layers = append(tree.Layers, vlanLayer)
	}

	switch ethType {
	case etherTypeARP:
		if l, err := decodeARP(rest); err != nil {
			tree.Layers = append(tree.Layers, errorLayer(err))
		} else {
			tree.Layers = append(tree.Layers, l)
		}
	case etherTypeIPv4:
		if l, err := decodeIPv4(rest); err != nil {
			tree.Layers = append(tree.Layers, errorLayer(err))
		} else {
			tree.Layers = append(tree.Layers, l)
		}
	case etherTypeIPv6:
		if l, err := decodeIPv6(rest); err != nil {
			tree.Layers = append(tree.Layers, errorLayer(err))
		} else {
			tree.Layers = append(tree.Layers, l)
		}
	default:
		tree.Layers = append(tree.Layers, model.Layer{
			Name: "Unknown",
			Fields: []model.Field{
				{Name: "ether_type", Value: fmt.Sprintf("0x%04x", ethType)},
			},
		})
	}

	tree.Layers = append(tree.Layers, hexDumpLayer(raw))
	return tree
}

func decodeEthernet(raw []byte) (model.Layer, uint16, []byte, error) {
	if len(raw) < 14 {
		return model.Layer{}, 0, nil, fmt.Errorf("decode: frame too short for ethernet header: %d bytes", len(raw))
	}
	dst := net.HardwareAddr(raw[0:6])
	src := net.HardwareAddr(raw[6:12])
	etherType := binary.BigEndian.Uint16(raw[12:14])
	l := model.Layer{
		Name: "Ethernet",
		Fields: []model.Field{
			{Name: "dst_mac", Value: dst.String()},
			{Name: "src_mac", Value: src.String()},
			{Name: "ether_type", Value: fmt.Sprintf("0x%04x", etherType)},
		},
	}
	return l, etherType, raw[14:], nil
}

func decodeVLAN(data []byte) (model.Layer, uint16, []byte, error) {
	if len(data) < 4 {
		return model.Layer{}, 0, nil, fmt.Errorf("decode: truncated vlan tag: %d bytes", len(data))
	}
	tci := binary.BigEndian.Uint16(data[0:2])
	vid := tci & 0x0FFF
	pcp := (tci >> 13) & 0x07
	inner := binary.BigEndian.Uint16(data[2:4])
	l := model.Layer{
		Name: "VLAN",
		Fields: []model.Field{
			{Name: "vid", Value: fmt.Sprintf("%d", vid)},
			{Name: "pcp", Value: fmt.Sprintf("%d", pcp)},
			{Name: "ether_type", Value: fmt.Sprintf("0x%04x", inner)},
		},
	}
	return l, inner, data[4:], nil
}

func decodeARP(data []byte) (model.Layer, error) {
	var arp layers.ARP
	if err := arp.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return model.Layer{}, fmt.Errorf("decode: malformed arp: %w", err)
	}

	op := "other"
	switch arp.Operation {
	case layers.ARPRequest:
		op = "REQUEST"
	case layers.ARPReply:
		op = "REPLY"
	}

	gratuitous := net.IP(arp.SourceProtAddress).Equal(net.IP(arp.DstProtAddress))
	probe := arp.Operation == layers.ARPRequest && isZeroAddr(arp.SourceProtAddress)
	targetMACZero := isZeroAddr(arp.DstHwAddress)

	return model.Layer{
		Name: "ARP",
		Fields: []model.Field{
			{Name: "hw_type", Value: fmt.Sprintf("%d", arp.AddrType)},
			{Name: "proto_type", Value: fmt.Sprintf("0x%04x", uint16(arp.Protocol))},
			{Name: "hlen", Value: fmt.Sprintf("%d", arp.HwAddressSize)},
			{Name: "plen", Value: fmt.Sprintf("%d", arp.ProtAddressSize)},
			{Name: "operation", Value: op},
			{Name: "sender_hw", Value: net.HardwareAddr(arp.SourceHwAddress).String()},
			{Name: "sender_proto", Value: net.IP(arp.SourceProtAddress).String()},
			{Name: "target_hw", Value: net.HardwareAddr(arp.DstHwAddress).String()},
			{Name: "target_proto", Value: net.IP(arp.DstProtAddress).String()},
			{Name: "gratuitous", Value: fmt.Sprintf("%t", gratuitous)},
			{Name: "probe", Value: fmt.Sprintf("%t", probe)},
			{Name: "target_mac_zero", Value: fmt.Sprintf("%t", targetMACZero)},
		},
	}, nil
}

func isZeroAddr(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func decodeIPv4(data []byte) (model.Layer, error) {
	var ip layers.IPv4
	if err := ip.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return model.Layer{}, fmt.Errorf("decode: malformed ipv4: %w", err)
	}

	l := model.Layer{
		Name: "IPv4",
		Fields: []model.Field{
			{Name: "version", Value: fmt.Sprintf("%d", ip.Version)},
			{Name: "ihl", Value: fmt.Sprintf("%d", ip.IHL)},
			{Name: "ttl", Value: fmt.Sprintf("%d", ip.TTL)},
			{Name: "protocol", Value: fmt.Sprintf("%d", uint8(ip.Protocol))},
			{Name: "src_ip", Value: ip.SrcIP.String()},
			{Name: "dst_ip", Value: ip.DstIP.String()},
		},
	}

	switch ip.Protocol {
	case layers.IPProtocolICMPv4:
		sub, err := decodeICMPv4(ip.Payload)
		if err != nil {
			l.Subs = append(l.Subs, errorLayer(err))
		} else {
			l.Subs = append(l.Subs, sub)
		}
	case layers.IPProtocolTCP:
		sub, err := decodeTCP(ip.Payload)
		if err != nil {
			l.Subs = append(l.Subs, errorLayer(err))
		} else {
			l.Subs = append(l.Subs, sub)
		}
	case layers.IPProtocolUDP:
		sub, err := decodeUDP(ip.Payload)
		if err != nil {
			l.Subs = append(l.Subs, errorLayer(err))
		} else {
			l.Subs = append(l.Subs, sub)
		}
	}
	return l, nil
}

func decodeIPv6(data []byte) (model.Layer, error) {
	var ip layers.IPv6
	if err := ip.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return model.Layer{}, fmt.Errorf("decode: malformed ipv6: %w", err)
	}

	l := model.Layer{
		Name: "IPv6",
		Fields: []model.Field{
			{Name: "version", Value: fmt.Sprintf("%d", ip.Version)},
			{Name: "hop_limit", Value: fmt.Sprintf("%d", ip.HopLimit)},
			{Name: "next_header", Value: fmt.Sprintf("%d", uint8(ip.NextHeader))},
			{Name: "src_ip", Value: ip.SrcIP.String()},
			{Name: "dst_ip", Value: ip.DstIP.String()},
		},
	}

	switch ip.NextHeader {
	case layers.IPProtocolICMPv6:
		var icmp layers.ICMPv6
		if err := icmp.DecodeFromBytes(ip.Payload, gopacket.NilDecodeFeedback); err != nil {
			l.Subs = append(l.Subs, errorLayer(fmt.Errorf("decode: malformed icmpv6: %w", err)))
		} else {
			l.Subs = append(l.Subs, model.Layer{
				Name: "ICMPv6",
				Fields: []model.Field{
					{Name: "type_code", Value: icmp.TypeCode.String()},
				},
			})
		}
	case layers.IPProtocolTCP:
		sub, err := decodeTCP(ip.Payload)
		if err != nil {
			l.Subs = append(l.Subs, errorLayer(err))
		} else {
			l.Subs = append(l.Subs, sub)
		}
	case layers.IPProtocolUDP:
		sub, err := decodeUDP(ip.Payload)
		if err != nil {
			l.Subs = append(l.Subs, errorLayer(err))
		} else {
			l.Subs = append(l.Subs, sub)
		}
	}
	return l, nil
}

func decodeICMPv4(payload []byte) (model.Layer, error) {
	var icmp layers.ICMPv4
	if err := icmp.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		return model.Layer{}, fmt.Errorf("decode: malformed icmp: %w", err)
	}
	return model.Layer{
		Name: "ICMP",
		Fields: []model.Field{
			{Name: "type_code", Value: icmp.TypeCode.String()},
			{Name: "id", Value: fmt.Sprintf("%d", icmp.Id)},
			{Name: "seq", Value: fmt.Sprintf("%d", icmp.Seq)},
		},
	}, nil
}

func decodeTCP(payload []byte) (model.Layer, error) {
	var tcp layers.TCP
	if err := tcp.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		return model.Layer{}, fmt.Errorf("decode: malformed tcp: %w", err)
	}
	class, matched := classifyPort(tcpWellKnownPorts, uint16(tcp.SrcPort), uint16(tcp.DstPort))
	fields := []model.Field{
		{Name: "src_port", Value: fmt.Sprintf("%d", tcp.SrcPort)},
		{Name: "dst_port", Value: fmt.Sprintf("%d", tcp.DstPort)},
	}
	if matched {
		fields = append(fields, model.Field{Name: "classification", Value: class})
	}
	return model.Layer{Name: "TCP", Fields: fields}, nil
}

func decodeUDP(payload []byte) (model.Layer, error) {
	var udp layers.UDP
	if err := udp.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		return model.Layer{}, fmt.Errorf("decode: malformed udp: %w", err)
	}
	srcPort := uint16(udp.SrcPort)
	dstPort := uint16(udp.DstPort)
	class, matched := classifyPort(udpWellKnownPorts, srcPort, dstPort)
	fields := []model.Field{
		{Name: "src_port", Value: fmt.Sprintf("%d", udp.SrcPort)},
		{Name: "dst_port", Value: fmt.Sprintf("%d", udp.DstPort)},
	}
	if matched {
		fields = append(fields, model.Field{Name: "classification", Value: class})
	}

	l := model.Layer{Name: "UDP", Fields: fields}
	if (srcPort == 67 || srcPort == 68 || dstPort == 67 || dstPort == 68) && len(udp.Payload) > 0 {
		if sub, err := decodeDHCP(udp.Payload); err == nil {
			l.Subs = append(l.Subs, sub)
		}
	}
	return l, nil
}

func decodeDHCP(payload []byte) (model.Layer, error) {
	var dhcp layers.DHCPv4
	if err := dhcp.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		return model.Layer{}, fmt.Errorf("decode: malformed dhcp: %w", err)
	}
	fields := []model.Field{
		{Name: "op", Value: fmt.Sprintf("%d", dhcp.Operation)},
		{Name: "xid", Value: fmt.Sprintf("%#x", dhcp.Xid)},
		{Name: "client_ip", Value: dhcp.ClientIP.String()},
		{Name: "your_client_ip", Value: dhcp.YourClientIP.String()},
	}
	for _, opt := range dhcp.Options {
		fields = append(fields, model.Field{
			Name:  fmt.Sprintf("option_%d", opt.Type),
			Value: fmt.Sprintf("% x", opt.Data),
		})
	}
	return model.Layer{Name: "DHCP", Fields: fields}, nil
}

// classifyPort applies the well-known-port tie-break rule: if both ports
// are well known, the smaller wins; otherwise whichever matches; otherwise
// unmatched.
func classifyPort(table map[uint16]string, srcPort, dstPort uint16) (string, bool) {
	srcName, srcOK := table[srcPort]
	dstName, dstOK := table[dstPort]
	switch {
	case srcOK && dstOK:
		if srcPort <= dstPort {
			return srcName, true
		}
		return dstName, true
	case srcOK:
		return srcName, true
	case dstOK:
		return dstName, true
	default:
		return "", false
	}
}

func errorLayer(err error) model.Layer {
	return model.Layer{
		Name: "Error",
		Fields: []model.Field{
			{Name: "reason", Value: err.Error()},
		},
	}
}

// hexDumpLayer renders raw as a 16-bytes-per-line hex dump with a
// printable-ASCII gutter, a terminal field consumers may ignore.
func hexDumpLayer(raw []byte) model.Layer {
	const width = 16
	var fields []model.Field
	for off := 0; off < len(raw); off += width {
		end := off + width
		if end > len(raw) {
			end = len(raw)
		}
		chunk := raw[off:end]

		hexPart := make([]byte, 0, width*3)
		asciiPart := make([]byte, 0, width)
		for _, b := range chunk {
			hexPart = append(hexPart, fmt.Sprintf("%02x ", b)...)
			if b >= 0x20 && b < 0x7f {
				asciiPart = append(asciiPart, b)
			} else {
				asciiPart = append(asciiPart, '.')
			}
		}
		fields = append(fields, model.Field{
			Name:  fmt.Sprintf("%04x", off),
			Value: fmt.Sprintf("%-48s %s", string(hexPart), string(asciiPart)),
		})
	}
	return model.Layer{Name: "HexDump", Fields: fields}
}
