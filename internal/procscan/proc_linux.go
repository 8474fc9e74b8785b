//go:build linux

package procscan

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
)

func processCwd(pid int) (string, error) {
	cwd, err := os.Readlink(fmt.Sprintf("/proc/%d/cwd", pid))
	if err != nil {
		return "", fmt.Errorf("procscan: cwd of %d: %w", pid, err)
	}
	return cwd, nil
}

func isZombie(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	// The state follows the parenthesised comm, which may contain spaces.
	s := string(data)
	i := strings.LastIndexByte(s, ')')
	if i < 0 || i+2 >= len(s) {
		return false
	}
	return s[i+2] == 'Z'
}

func systemStats() SystemStats {
	st := SystemStats{CPUs: runtime.NumCPU()}
	if data, err := os.ReadFile("/proc/loadavg"); err == nil {
		fields := strings.Fields(string(data))
		if len(fields) >= 3 {
			st.Load1, _ = strconv.ParseFloat(fields[0], 64)
			st.Load5, _ = strconv.ParseFloat(fields[1], 64)
			st.Load15, _ = strconv.ParseFloat(fields[2], 64)
		}
	}
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return st
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			st.MemTotalKB = kb
		case "MemAvailable:":
			st.MemAvailableKB = kb
		}
	}
	return st
}
