package tmux

import (
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// IsProcessAlive checks if a process with the given PID exists. Uses
// kill(pid, 0), which checks existence without sending a signal.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// GetDescendantPIDs returns all descendant PIDs of the given PID,
// recursively, via pgrep -P.
func GetDescendantPIDs(pid int) []int {
	if pid <= 0 {
		return nil
	}
	return descendantPIDs(pid)
}

func descendantPIDs(pid int) []int {
	cmd := exec.Command("pgrep", "-P", strconv.Itoa(pid))
	output, err := cmd.Output()
	if err != nil {
		return nil
	}

	var descendants []int
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		childPID, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		descendants = append(descendants, childPID)
		descendants = append(descendants, descendantPIDs(childPID)...)
	}
	return descendants
}

// KillProcessTree sends SIGKILL to a process and all its descendants.
// Descendants are killed first, deepest children before their parents, so
// nothing gets orphaned mid-kill.
func KillProcessTree(pid int) {
	if pid <= 0 {
		return
	}

	descendants := GetDescendantPIDs(pid)
	for i := len(descendants) - 1; i >= 0; i-- {
		if IsProcessAlive(descendants[i]) {
			_ = syscall.Kill(descendants[i], syscall.SIGKILL)
		}
	}
	if IsProcessAlive(pid) {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}
