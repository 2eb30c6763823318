// Package detector watches decoded ARP layers for anomalies: a changed
// IP-to-MAC binding, a MAC reclaiming a second IP, or a single source
// fanning ARP requests out across many targets (a scan signature). It
// never touches the traffic path; it only observes and emits alerts.
//
// The three fixed-size caches use hashicorp/golang-lru/v2 for bounded,
// eviction-safe lookups instead of a hand-rolled map with manual FIFO
// eviction.
package detector

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/relayforge/aitm/model"
)

// cacheSize bounds arpSeen and macSeen to 64 entries.
const cacheSize = 64

// scanSetBound caps the distinct target IPs tracked per source MAC.
const scanSetBound = 16

// scanThreshold is the cardinality at which a "possible scan" notice fires.
const scanThreshold = 10

// Alert is one anomaly observation, ready for a sink to render or store.
type Alert struct {
	Kind    string
	Message string
}

const (
	KindMappingChange = "mapping_change"
	KindMACReclaim    = "mac_reclaim"
	KindScan          = "scan"
)

// Detector holds the three bounded caches used to spot ARP anomalies.
type Detector struct {
	arpSeen   *lru.Cache[string, string]              // IP -> MAC
	macSeen   *lru.Cache[string, string]              // MAC -> last IP
	scanTable *lru.Cache[string, map[string]struct{}] // MAC -> set of target IPs
	log       *zap.Logger
}

// New constructs a Detector with fresh, empty caches.
func New(log *zap.Logger) (*Detector, error) {
	arpSeen, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("detector: arp_seen cache: %w", err)
	}
	macSeen, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("detector: mac_seen cache: %w", err)
	}
	scanTable, err := lru.New[string, map[string]struct{}](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("detector: scan_table cache: %w", err)
	}
	return &Detector{arpSeen: arpSeen, macSeen: macSeen, scanTable: scanTable, log: log}, nil
}

// Observe inspects a decoded ARP layer (as produced by package decode) and
// returns zero or more alerts. Non-ARP layers are ignored.
func (d *Detector) Observe(layer model.Layer) []Alert {
	if layer.Name != "ARP" {
		return nil
	}
	f := fieldMap(layer.Fields)

	switch f["operation"] {
	case "REPLY":
		return d.observeReply(f["sender_proto"], f["sender_hw"])
	case "REQUEST":
		return d.observeRequest(f["sender_hw"], f["target_proto"])
	default:
		return nil
	}
}

func (d *Detector) observeReply(ip, mac string) []Alert {
	var alerts []Alert

	if oldMAC, ok := d.arpSeen.Get(ip); ok && oldMAC != mac {
		alerts = append(alerts, Alert{
			Kind:    KindMappingChange,
			Message: fmt.Sprintf("[Alert] ARP mapping change for %s: %s -> %s", ip, oldMAC, mac),
		})
	}
	d.arpSeen.Add(ip, mac)

	if oldIP, ok := d.macSeen.Get(mac); ok && oldIP != ip {
		alerts = append(alerts, Alert{
			Kind:    KindMACReclaim,
			Message: fmt.Sprintf("[Notice] %s now also claims %s (was %s)", mac, ip, oldIP),
		})
	}
	d.macSeen.Add(mac, ip)

	return alerts
}

func (d *Detector) observeRequest(mac, targetIP string) []Alert {
	set, ok := d.scanTable.Get(mac)
	if !ok {
		set = make(map[string]struct{})
	}

	_, already := set[targetIP]
	if !already && len(set) < scanSetBound {
		set[targetIP] = struct{}{}
	}
	d.scanTable.Add(mac, set)

	if !already && len(set) == scanThreshold {
		return []Alert{{
			Kind:    KindScan,
			Message: fmt.Sprintf("[Notice] %s sent ARP requests to %d+ unique targets (possible scan)", mac, scanThreshold),
		}}
	}
	return nil
}

func fieldMap(fields []model.Field) map[string]string {
	m := make(map[string]string, len(fields))
	for _, f := range fields {
		m[f.Name] = f.Value
	}
	return m
}
