// Copyright (c) 2026 ToeiRei
// VDIMaster - cloud desktop session broker
// This source code is licensed under the MIT license found in the LICENSE file.

package relay

import (
	"strconv"
	"strings"

	"github.com/toeirei/vdimaster/internal/logging"
)

// PacketFilter installs and removes the host firewall rule pair that scopes
// one relay port to one client address. The socat listener carries its own
// address filter; the packet filter is the second, independent layer.
type PacketFilter interface {
	// Apply installs an allow rule for clientIP on port and a deny rule for
	// everyone else on the same port.
	Apply(port int, clientIP string) error
	// Remove deletes the rule pair. Missing rules are a no-op.
	Remove(port int, clientIP string) error
	// ClearPort deletes every rule referencing port, used by the crash
	// recovery sweep where the original client address is unknown.
	ClearPort(port int) error
}

// IptablesFilter drives the host iptables INPUT chain.
type IptablesFilter struct {
	Runner Runner
}

func allowRule(port int, clientIP string) []string {
	return []string{"INPUT", "-p", "tcp", "--dport", strconv.Itoa(port), "-s", clientIP, "-j", "ACCEPT"}
}

func denyRule(port int) []string {
	return []string{"INPUT", "-p", "tcp", "--dport", strconv.Itoa(port), "-j", "DROP"}
}

func (f IptablesFilter) Apply(port int, clientIP string) error {
	if err := f.Runner.Run("iptables", append([]string{"-I"}, allowRule(port, clientIP)...)...); err != nil {
		return err
	}
	return f.Runner.Run("iptables", append([]string{"-A"}, denyRule(port)...)...)
}

func (f IptablesFilter) Remove(port int, clientIP string) error {
	// Attempt both deletions independently; a rule that is already gone
	// makes iptables -D fail, which is the idempotent outcome we want.
	if clientIP != "" {
		if err := f.Runner.Run("iptables", append([]string{"-D"}, allowRule(port, clientIP)...)...); err != nil {
			logging.Debugf("relay: allow rule for port %d already gone: %v", port, err)
		}
	}
	if err := f.Runner.Run("iptables", append([]string{"-D"}, denyRule(port)...)...); err != nil {
		logging.Debugf("relay: deny rule for port %d already gone: %v", port, err)
	}
	return nil
}

func (f IptablesFilter) ClearPort(port int) error {
	out, err := f.Runner.Output("iptables", "-S", "INPUT")
	if err != nil {
		return err
	}
	needle := "--dport " + strconv.Itoa(port)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "-A INPUT") || !strings.Contains(line, needle) {
			continue
		}
		args := strings.Fields(strings.Replace(line, "-A ", "-D ", 1))
		if err := f.Runner.Run("iptables", args...); err != nil {
			logging.Warnf("relay: failed to clear rule %q: %v", line, err)
		}
	}
	return nil
}
