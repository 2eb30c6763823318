// Package inventory adapts an externally executed host-scanning helper
// into a model.ScanResult. The helper is untrusted input: its absence, a
// non-zero exit, output that cannot be read, or a result with no devices
// are all surfaced as an Error rather than risking a fabricated device
// list. Individual lines that do not parse are skipped.
package inventory

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/relayforge/aitm/model"
)

// Error is returned for every inventory failure: a missing helper binary,
// a non-zero exit, unparseable output, or an empty device list.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("inventory: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

const (
	sectionNone = iota
	sectionGateway
	sectionOthers
)

// Adapter invokes a scanner helper and parses its stdout grammar.
type Adapter struct {
	scannerPath string
	scannerArgs []string
	log         *zap.Logger
}

// NewAdapter builds an Adapter that runs scannerPath (with scannerArgs) as
// a child process to produce the host inventory.
func NewAdapter(scannerPath string, scannerArgs []string, log *zap.Logger) *Adapter {
	return &Adapter{scannerPath: scannerPath, scannerArgs: scannerArgs, log: log}
}

// Scan runs the scanner helper and parses its output into a ScanResult.
func (a *Adapter) Scan(ctx context.Context) (model.ScanResult, error) {
	cmd := exec.CommandContext(ctx, a.scannerPath, a.scannerArgs...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		a.log.Error("scanner helper failed", zap.String("scanner", a.scannerPath),
			zap.Error(err), zap.String("stderr", stderr.String()))
		return model.ScanResult{}, &Error{Op: "run scanner", Err: err}
	}

	res, err := parseScanOutput(stdout.String())
	if err != nil {
		a.log.Error("failed to parse scanner output", zap.Error(err))
		return model.ScanResult{}, &Error{Op: "parse output", Err: err}
	}
	if len(res.Devices) == 0 {
		return model.ScanResult{}, &Error{Op: "parse output", Err: errors.New("empty scan result")}
	}

	iface, err := DefaultInterface(ctx)
	if err != nil {
		a.log.Warn("failed to resolve default interface", zap.Error(err))
	} else {
		res.Interface = iface
	}

	a.log.Info("scan complete", zap.Int("devices", len(res.Devices)), zap.String("gateway_ip", res.GatewayIP))
	return res, nil
}

// parseScanOutput parses the helper's output grammar:
//
//	Your Device:
//	<IPV4 header line>
//	<dotted-ipv4> <mac>
//	<blank>
//	Gateway (Router):
//	<dotted-ipv4> <mac>
//	<blank>
//	Other Devices:
//	<dotted-ipv4> <mac>
//	...
//	Scan complete
//
// Headers and blank lines are skipped; unparseable lines are ignored
// silently; leading whitespace is tolerated; duplicate IPs keep the first
// occurrence.
func parseScanOutput(raw string) (model.ScanResult, error) {
	var res model.ScanResult
	seen := make(map[string]bool)

	section := sectionNone
	sc := bufio.NewScanner(strings.NewReader(raw))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		switch {
		case strings.EqualFold(line, "Your Device:"):
			continue
		case strings.EqualFold(line, "Gateway (Router):"):
			section = sectionGateway
			continue
		case strings.EqualFold(line, "Other Devices:"):
			section = sectionOthers
			continue
		case strings.EqualFold(line, "Scan complete"):
			continue
		}

		ip, mac, ok := parseDeviceLine(line)
		if !ok {
			// unrecognised header/diagnostic line or malformed entry; skip silently
			continue
		}
		if seen[ip] {
			continue
		}
		seen[ip] = true

		res.Devices = append(res.Devices, model.Device{
			IP:        ip,
			MAC:       mac,
			IsGateway: section == sectionGateway,
		})
		if section == sectionGateway {
			res.GatewayIP = ip
		}
	}
	if err := sc.Err(); err != nil {
		return model.ScanResult{}, fmt.Errorf("scanning output: %w", err)
	}
	return res, nil
}

// parseDeviceLine parses "<dotted-ipv4> <mac>", tolerating extra
// whitespace-separated fields that some scanners append (hostname, vendor).
func parseDeviceLine(line string) (ip string, mac net.HardwareAddr, ok bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", nil, false
	}
	parsed := net.ParseIP(fields[0])
	if parsed == nil || parsed.To4() == nil {
		return "", nil, false
	}
	hw, err := net.ParseMAC(fields[1])
	if err != nil {
		return "", nil, false
	}
	return parsed.String(), hw, true
}

// DefaultInterface resolves the default-route interface name, the Go
// equivalent of `ip route | grep '^default' | awk '{print $5}' | head -n1`.
func DefaultInterface(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, "ip", "route").Output()
	if err != nil {
		return "", fmt.Errorf("running ip route: %w", err)
	}
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "default") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		return fields[4], nil
	}
	return "", errors.New("no default route found")
}
