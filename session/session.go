// Package session is the coordinator: it owns a target table and a pair of
// raw-socket handles, launches the poisoner and sniffer as independent
// workers sharing a single shutdown flag, and tears them down within a
// bounded deadline. Shutdown is cooperative by default, with a hard
// fallback (closing the raw handles to unblock any in-flight send/recv)
// reserved for workers that don't exit before the deadline.
package session

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/relayforge/aitm/linklayer"
	"github.com/relayforge/aitm/model"
	"github.com/relayforge/aitm/poison"
	"github.com/relayforge/aitm/sniffer"
	"github.com/relayforge/aitm/target"
)

// State is one point in the coordinator's lifecycle.
type State int

const (
	Idle State = iota
	Starting
	Running
	Stopping
	Stopped
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	case Stopped:
		return "Stopped"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// StopOutcome distinguishes a cooperative exit from a forced one.
type StopOutcome int

const (
	Clean StopOutcome = iota
	Forced
)

func (o StopOutcome) String() string {
	if o == Forced {
		return "Forced"
	}
	return "Clean"
}

// Event is one lifecycle notification surfaced to the caller's on_event hook.
type Event struct {
	Kind    string
	Message string
	At      time.Time
}

// gatewayArpTimeout bounds the blocking gateway-MAC resolution round trip
// performed at start when the inventory scan didn't already report the
// gateway's MAC address.
const gatewayArpTimeout = 2 * time.Second

// Coordinator launches and tears down sessions. It holds no per-session
// state itself; each Start call returns an independent Session handle.
type Coordinator struct {
	log *zap.Logger
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(log *zap.Logger) *Coordinator {
	return &Coordinator{log: log}
}

// Session is one running attacker-in-the-middle engine: a target table, a
// transmit and receive handle, and the poisoner/sniffer workers reading
// and writing through them.
type Session struct {
	id    string
	cfg   model.SessionConfig
	table *target.Table
	tx    *linklayer.TxHandle
	rx    *linklayer.RxHandle

	poisoner *poison.Poisoner
	sniffer  *sniffer.Sniffer

	shutdown atomic.Bool
	wg       sync.WaitGroup

	mu    sync.Mutex
	state State

	workerErrMu sync.Mutex
	workerErr   error

	onEvent func(Event)
	log     *zap.Logger
}

// Start executes the session's start sequence: resolve identity, install
// targets, open handles, optionally resolve the gateway MAC, then launch
// workers. Any failure here is fatal; the session never reaches Running.
func (c *Coordinator) Start(ctx context.Context, iface string, scan model.ScanResult, targetIndices []int,
	queueCapacity int, onEvent func(Event)) (*Session, error) {

	if onEvent == nil {
		onEvent = func(Event) {}
	}

	attackerMAC, err := linklayer.ResolveLocalMac(iface)
	if err != nil {
		return nil, fmt.Errorf("session: resolving attacker mac: %w", err)
	}
	ifIndex, err := linklayer.ResolveIfIndex(iface)
	if err != nil {
		return nil, fmt.Errorf("session: resolving interface index: %w", err)
	}

	tbl := target.NewTable(c.log)
	if err := tbl.Install(scan, targetIndices); err != nil {
		return nil, fmt.Errorf("session: installing targets: %w", err)
	}

	tx, err := linklayer.OpenTx(iface)
	if err != nil {
		return nil, fmt.Errorf("session: opening tx handle: %w", err)
	}
	rx, err := linklayer.OpenRx(iface)
	if err != nil {
		tx.Close()
		return nil, fmt.Errorf("session: opening rx handle: %w", err)
	}

	gatewayIP := tbl.GatewayIP()
	gatewayDev, _ := scan.GatewayDevice()
	if len(gatewayDev.MAC) == 0 {
		resolved, err := resolveGatewayMAC(tx, rx, attackerMAC, gatewayIP, gatewayArpTimeout)
		if err != nil {
			c.log.Warn("gateway mac re-resolution failed, proceeding without it", zap.Error(err))
		} else {
			c.log.Info("re-resolved gateway mac via arp request", zap.String("mac", resolved.String()))
		}
	}

	cfg := model.SessionConfig{
		Interface:    iface,
		AttackerMAC:  attackerMAC,
		IfIndex:      ifIndex,
		GatewayIP:    gatewayIP,
		StopDeadline: model.DefaultStopDeadline,
	}

	s := &Session{
		id:      uuid.NewString(),
		cfg:     cfg,
		table:   tbl,
		tx:      tx,
		rx:      rx,
		onEvent: onEvent,
		log:     c.log,
		state:   Starting,
	}
	s.poisoner = poison.New(tx, tbl, attackerMAC, gatewayIP, &s.shutdown, c.log)
	s.sniffer = sniffer.New(rx, tbl, attackerMAC, &s.shutdown, c.log, queueCapacity)

	s.wg.Add(2)
	go s.runWorker("poisoner", s.poisoner.Run)
	go s.runWorker("sniffer", s.sniffer.Run)

	s.setState(Running)
	s.emit(Event{Kind: "session_started", Message: fmt.Sprintf("session %s started on %s", s.id, iface), At: time.Now()})
	return s, nil
}

// ID returns the session's unique identifier, assigned at Start.
func (s *Session) ID() string {
	return s.id
}

func (s *Session) runWorker(name string, run func() error) {
	defer s.wg.Done()
	if err := run(); err != nil {
		s.workerErrMu.Lock()
		s.workerErr = multierr.Append(s.workerErr, fmt.Errorf("%s: %w", name, err))
		s.workerErrMu.Unlock()

		s.mu.Lock()
		fatal := s.state == Running
		if fatal {
			s.state = Error
		}
		s.mu.Unlock()

		if fatal {
			s.log.Error("worker exited with fatal error, initiating shutdown", zap.String("worker", name), zap.Error(err))
			s.shutdown.Store(true)
			s.table.DeactivateAll()
		}
	}
}

// Stop executes the session's stop sequence: request shutdown, deactivate
// every target defensively, then poll for worker completion up to deadline
// (the session's configured StopDeadline when deadline is not positive)
// before falling back to a forced close of the raw handles. Go has no
// portable forced-termination primitive for blocked goroutines, so the
// forced path here closes the handles to unblock any in-flight recv/send
// rather than killing an OS thread; cooperative shutdown is always tried
// first, with this as the hard fallback once the deadline elapses.
func (s *Session) Stop(deadline time.Duration) StopOutcome {
	s.setState(Stopping)
	s.shutdown.Store(true)
	s.table.DeactivateAll()

	if deadline <= 0 {
		deadline = s.cfg.StopDeadline
	}
	if deadline <= 0 {
		deadline = model.DefaultStopDeadline
	}
	const pollInterval = 500 * time.Millisecond
	const maxPolls = 10

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	stopBy := time.Now().Add(deadline)
	outcome := Forced
	for i := 0; i < maxPolls; i++ {
		wait := time.Until(stopBy)
		if wait <= 0 {
			break
		}
		if i < maxPolls-1 && wait > pollInterval {
			wait = pollInterval
		}
		select {
		case <-done:
			outcome = Clean
		case <-time.After(wait):
			continue
		}
		break
	}

	if outcome == Forced {
		s.log.Warn("stop deadline exceeded, forcing worker termination by closing handles")
		s.tx.Close()
		s.rx.Close()
		select {
		case <-done:
		case <-time.After(200 * time.Millisecond):
			s.log.Warn("workers did not exit after forced handle close, detaching")
		}
	} else {
		s.tx.Close()
		s.rx.Close()
	}

	s.setState(Stopped)
	s.emit(Event{Kind: "session_stopped", Message: fmt.Sprintf("session stopped: %s", outcome), At: time.Now()})
	return outcome
}

// IsActive reports whether the session is in the Running state.
func (s *Session) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Running
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the aggregated worker error, if any worker exited abnormally.
func (s *Session) Err() error {
	s.workerErrMu.Lock()
	defer s.workerErrMu.Unlock()
	return s.workerErr
}

// Sniffer exposes the running session's capture queue to consumers.
func (s *Session) Sniffer() *sniffer.Sniffer {
	return s.sniffer
}

// Poisoner exposes the running session's per-target send stats.
func (s *Session) Poisoner() *poison.Poisoner {
	return s.poisoner
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) emit(e Event) {
	s.onEvent(e)
}

// resolveGatewayMAC sends one ARP request for gatewayIP and blocks for up
// to timeout for a matching reply, used when a scan didn't already report
// the gateway's MAC address.
func resolveGatewayMAC(tx poison.Sender, rx sniffer.Receiver, attackerMAC net.HardwareAddr, gatewayIP net.IP, timeout time.Duration) (net.HardwareAddr, error) {
	req, err := poison.BuildArpRequest(attackerMAC, gatewayIP)
	if err != nil {
		return nil, fmt.Errorf("session: building gateway arp request: %w", err)
	}
	if err := tx.SendFrame(req); err != nil {
		return nil, fmt.Errorf("session: sending gateway arp request: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		raw, err := rx.RecvFrame()
		if err != nil {
			return nil, fmt.Errorf("session: recv during gateway resolution: %w", err)
		}
		if raw == nil {
			continue
		}
		mac, ip, ok := poison.ParseArpReply(raw)
		if !ok || !ip.Equal(gatewayIP) {
			continue
		}
		return mac, nil
	}
	return nil, fmt.Errorf("session: timed out waiting for gateway arp reply")
}
