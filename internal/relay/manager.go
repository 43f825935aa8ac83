// Copyright (c) 2026 ToeiRei
// VDIMaster - cloud desktop session broker
// This source code is licensed under the MIT license found in the LICENSE file.

package relay

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/toeirei/vdimaster/internal/logging"
)

const (
	// DefaultPortMin and DefaultPortMax bound the relay port range.
	DefaultPortMin = 33890
	DefaultPortMax = 33990

	// DefaultIdleTimeout is handed to socat as -T: a relay with no traffic
	// for this long exits on its own, so an orchestrator crash never leaves
	// a port open indefinitely.
	DefaultIdleTimeout = 10 * time.Minute

	// RDPPort is the target port on the VM side.
	RDPPort = 3389

	maxPortAttempts = 10
)

// ErrPortRangeExhausted is returned when no free port is found within the
// bounded number of allocation attempts.
var ErrPortRangeExhausted = errors.New("relay: port range exhausted")

// Relay describes one running forwarder.
type Relay struct {
	Port     int
	PID      int
	ClientIP string
}

// Manager allocates ports, starts scoped socat forwarders, and tears them
// down. Safe for concurrent use; every operation is independent.
type Manager struct {
	runner      Runner
	filter      PacketFilter
	portMin     int
	portMax     int
	idleTimeout time.Duration

	// probe checks whether a local port is free by binding it. Replaceable
	// in tests.
	probe func(port int) error
}

// NewManager builds a Manager over the given process runner and packet
// filter. portMin/portMax of 0 select the defaults.
func NewManager(runner Runner, filter PacketFilter, portMin, portMax int, idleTimeout time.Duration) *Manager {
	if portMin <= 0 || portMax <= 0 || portMax < portMin {
		portMin, portMax = DefaultPortMin, DefaultPortMax
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Manager{
		runner:      runner,
		filter:      filter,
		portMin:     portMin,
		portMax:     portMax,
		idleTimeout: idleTimeout,
		probe:       probePort,
	}
}

func probePort(port int) error {
	l, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return err
	}
	return l.Close()
}

// allocatePort picks a pseudo-random free port from the range. Collisions
// retry up to maxPortAttempts before failing loudly.
func (m *Manager) allocatePort() (int, error) {
	span := m.portMax - m.portMin + 1
	for attempt := 0; attempt < maxPortAttempts; attempt++ {
		port := m.portMin + rand.Intn(span)
		if err := m.probe(port); err != nil {
			logging.Debugf("relay: port %d busy, retrying: %v", port, err)
			continue
		}
		return port, nil
	}
	return 0, ErrPortRangeExhausted
}

// Open starts a relay forwarding a fresh local port to vmIP:3389, scoped to
// clientIP at both the socat listener and the packet filter.
func (m *Manager) Open(vmIP, clientIP string) (Relay, error) {
	port, err := m.allocatePort()
	if err != nil {
		return Relay{}, err
	}

	listen := fmt.Sprintf("TCP-LISTEN:%d,reuseaddr,fork,range=%s/32", port, clientIP)
	target := fmt.Sprintf("TCP:%s:%d", vmIP, RDPPort)
	idle := strconv.Itoa(int(m.idleTimeout.Seconds()))
	pid, err := m.runner.Start("socat", "-T", idle, listen, target)
	if err != nil {
		return Relay{}, fmt.Errorf("relay: start socat on port %d: %w", port, err)
	}

	// The socat range filter already scopes the listener; a filter failure
	// here loses one of two layers, so log it loudly but keep the relay.
	if err := m.filter.Apply(port, clientIP); err != nil {
		logging.Errorf("relay: packet filter rules for port %d failed: %v", port, err)
	}

	logging.Infof("relay: opened port %d -> %s:%d for %s (pid %d)", port, vmIP, RDPPort, clientIP, pid)
	return Relay{Port: port, PID: pid, ClientIP: clientIP}, nil
}

// Close tears a relay down: SIGTERM to the recorded PID, then removal of
// the port's filter rules. Both steps run regardless of the other's outcome,
// and a process or rule that is already gone is a no-op.
func (m *Manager) Close(r Relay) error {
	if r.PID > 0 {
		if err := m.runner.Signal(r.PID, syscall.SIGTERM); err != nil {
			if errors.Is(err, syscall.ESRCH) {
				logging.Debugf("relay: pid %d already gone", r.PID)
			} else {
				logging.Warnf("relay: terminate pid %d: %v", r.PID, err)
			}
		}
	}
	if r.Port > 0 {
		if err := m.filter.Remove(r.Port, r.ClientIP); err != nil {
			logging.Warnf("relay: remove rules for port %d: %v", r.Port, err)
		}
	}
	return nil
}

// Sweep removes leftover relay processes and filter rules across the whole
// port range and reports how many of each it removed. Run at startup: a
// crash may have left relays behind with no session record pointing at them.
func (m *Manager) Sweep() (killed, cleared int) {
	pattern := fmt.Sprintf("socat .*TCP-LISTEN:(%s)", m.portPattern())
	for _, pid := range findPIDs(m.runner, pattern) {
		if err := m.runner.Signal(pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
			logging.Warnf("relay: sweep terminate pid %d: %v", pid, err)
			continue
		}
		logging.Infof("relay: swept leftover relay pid %d", pid)
		killed++
	}
	for port := m.portMin; port <= m.portMax; port++ {
		if err := m.filter.ClearPort(port); err != nil {
			logging.Warnf("relay: sweep rules for port %d: %v", port, err)
			continue
		}
		cleared++
	}
	return killed, cleared
}

func (m *Manager) portPattern() string {
	// Alternation over the exact range keeps the pgrep match from touching
	// unrelated socat processes on neighboring ports.
	pattern := strconv.Itoa(m.portMin)
	for port := m.portMin + 1; port <= m.portMax; port++ {
		pattern += "|" + strconv.Itoa(port)
	}
	return pattern
}
