// Copyright (c) 2026 ToeiRei
// VDIMaster - cloud desktop session broker
// This source code is licensed under the MIT license found in the LICENSE file.

// Package relay manages ephemeral socat TCP forwarders that bridge a public
// port to a VM's private RDP endpoint for the lifetime of one session.
package relay

import (
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/toeirei/vdimaster/internal/logging"
)

// Runner abstracts process control so tests can run without spawning real
// processes or touching real firewall rules.
type Runner interface {
	// Start launches a long-lived process and returns its PID.
	Start(name string, args ...string) (int, error)
	// Run executes a short command to completion.
	Run(name string, args ...string) error
	// Output executes a short command and returns its stdout.
	Output(name string, args ...string) (string, error)
	// Signal delivers a signal to a PID.
	Signal(pid int, sig syscall.Signal) error
}

// ExecRunner runs real processes via os/exec.
type ExecRunner struct{}

func (ExecRunner) Start(name string, args ...string) (int, error) {
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	// Reap the child when it exits so it never lingers as a zombie.
	go func() {
		if err := cmd.Wait(); err != nil {
			logging.Debugf("relay: process %d exited: %v", pid, err)
		}
	}()
	return pid, nil
}

func (ExecRunner) Run(name string, args ...string) error {
	return exec.Command(name, args...).Run()
}

func (ExecRunner) Output(name string, args ...string) (string, error) {
	out, err := exec.Command(name, args...).Output()
	return string(out), err
}

func (ExecRunner) Signal(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}

// findPIDs returns the PIDs of processes whose command line matches the
// pattern, via pgrep. No matches is not an error.
func findPIDs(r Runner, pattern string) []int {
	out, err := r.Output("pgrep", "-f", pattern)
	if err != nil {
		return nil
	}
	var pids []int
	for _, line := range strings.Fields(out) {
		if pid, err := strconv.Atoi(line); err == nil {
			pids = append(pids, pid)
		}
	}
	return pids
}
