//go:build !linux

package procscan

import (
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
)

func processCwd(pid int) (string, error) {
	out, err := exec.Command("lsof", "-a", "-p", strconv.Itoa(pid), "-d", "cwd", "-Fn").Output()
	if err != nil {
		return "", fmt.Errorf("procscan: cwd of %d: %w", pid, err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(line, "n") {
			return strings.TrimPrefix(line, "n"), nil
		}
	}
	return "", fmt.Errorf("procscan: cwd of %d: not reported", pid)
}

func isZombie(pid int) bool {
	out, err := exec.Command("ps", "-o", "stat=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return false
	}
	return strings.HasPrefix(strings.TrimSpace(string(out)), "Z")
}

func systemStats() SystemStats {
	st := SystemStats{CPUs: runtime.NumCPU()}
	// "{ 1.23 1.10 0.98 }"
	if out, err := exec.Command("sysctl", "-n", "vm.loadavg").Output(); err == nil {
		fields := strings.Fields(strings.Trim(strings.TrimSpace(string(out)), "{}"))
		if len(fields) >= 3 {
			st.Load1, _ = strconv.ParseFloat(fields[0], 64)
			st.Load5, _ = strconv.ParseFloat(fields[1], 64)
			st.Load15, _ = strconv.ParseFloat(fields[2], 64)
		}
	}
	if out, err := exec.Command("sysctl", "-n", "hw.memsize").Output(); err == nil {
		if b, err := strconv.ParseUint(strings.TrimSpace(string(out)), 10, 64); err == nil {
			st.MemTotalKB = b / 1024
		}
	}
	return st
}
