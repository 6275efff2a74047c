// Package cliproc manages long-lived claude CLI subprocesses: spawning,
// stream-json stdout parsing, session pooling, and forced cleanup.
package cliproc

import (
	"sync"
	"syscall"
)

// Every spawned CLI PID is tracked here so the signal path can reap
// children even when the normal shutdown sequence never runs.
var (
	registryMu sync.Mutex
	livePIDs   = make(map[int]struct{})
)

func registerPID(pid int) {
	registryMu.Lock()
	defer registryMu.Unlock()
	livePIDs[pid] = struct{}{}
}

func unregisterPID(pid int) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(livePIDs, pid)
}

// RegisteredPIDs returns a snapshot of tracked subprocess PIDs.
func RegisteredPIDs() []int {
	registryMu.Lock()
	defer registryMu.Unlock()
	pids := make([]int, 0, len(livePIDs))
	for pid := range livePIDs {
		pids = append(pids, pid)
	}
	return pids
}

// KillAll force-kills every registered subprocess, process group first so
// grandchildren go too. Best effort; returns how many PIDs were signalled.
func KillAll() int {
	registryMu.Lock()
	pids := make([]int, 0, len(livePIDs))
	for pid := range livePIDs {
		pids = append(pids, pid)
	}
	livePIDs = make(map[int]struct{})
	registryMu.Unlock()

	for _, pid := range pids {
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
	}
	return len(pids)
}
