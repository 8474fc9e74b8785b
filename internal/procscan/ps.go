package procscan

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// psArgs asks for every process with unbounded command width. etime is used
// rather than etimes because BSD ps lacks the latter.
var psArgs = []string{"-axww", "-o", "pid=,ppid=,etime=,tty=,pcpu=,rss=,args="}

// PSReader reads the process table with one ps invocation.
type PSReader struct {
	Binary  string
	Timeout time.Duration
	now     func() time.Time
}

// NewPSReader returns a reader that runs "ps" with a 5s timeout.
func NewPSReader() *PSReader {
	return &PSReader{Binary: "ps", Timeout: 5 * time.Second, now: time.Now}
}

// ReadTable implements TableReader.
func (r *PSReader) ReadTable(ctx context.Context) ([]Process, error) {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, r.Binary, psArgs...).Output()
	if err != nil {
		return nil, fmt.Errorf("%w: ps: %v", ErrScanUnavailable, err)
	}
	return ParsePS(string(out), r.now()), nil
}

// ParsePS parses ps output in psArgs column order. Malformed lines are skipped.
func ParsePS(out string, now time.Time) []Process {
	var procs []Process
	for _, line := range strings.Split(out, "\n") {
		p, ok := parsePSLine(line, now)
		if ok {
			procs = append(procs, p)
		}
	}
	return procs
}

func parsePSLine(line string, now time.Time) (Process, bool) {
	fields, rest := splitFields(line, 6)
	if len(fields) < 6 || rest == "" {
		return Process{}, false
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return Process{}, false
	}
	ppid, err := strconv.Atoi(fields[1])
	if err != nil {
		return Process{}, false
	}
	elapsed, err := ParseEtime(fields[2])
	if err != nil {
		return Process{}, false
	}
	cpu, _ := strconv.ParseFloat(strings.Replace(fields[4], ",", ".", 1), 64)
	rss, _ := strconv.ParseInt(fields[5], 10, 64)

	return Process{
		PID:       pid,
		PPID:      ppid,
		Elapsed:   elapsed,
		StartTime: now.Add(-elapsed).Truncate(time.Second),
		TTY:       fields[3],
		CPU:       cpu,
		RSSKB:     rss,
		Command:   rest,
	}, true
}

// splitFields consumes n whitespace-separated fields and returns the
// remainder with its internal spacing intact.
func splitFields(line string, n int) ([]string, string) {
	fields := make([]string, 0, n)
	s := strings.TrimLeft(line, " \t")
	for len(fields) < n && s != "" {
		end := strings.IndexAny(s, " \t")
		if end < 0 {
			fields = append(fields, s)
			s = ""
			break
		}
		fields = append(fields, s[:end])
		s = strings.TrimLeft(s[end:], " \t")
	}
	return fields, strings.TrimRight(s, " \t\r")
}

// ParseEtime parses ps's [[dd-]hh:]mm:ss elapsed format.
func ParseEtime(s string) (time.Duration, error) {
	var days int
	if i := strings.IndexByte(s, '-'); i >= 0 {
		d, err := strconv.Atoi(s[:i])
		if err != nil {
			return 0, fmt.Errorf("etime %q: %w", s, err)
		}
		days = d
		s = s[i+1:]
	}
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("etime %q: unexpected format", s)
	}
	nums := make([]int, len(parts))
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return 0, fmt.Errorf("etime %q: %w", s, err)
		}
		nums[i] = n
	}
	var h, m, sec int
	if len(nums) == 3 {
		h, m, sec = nums[0], nums[1], nums[2]
	} else {
		m, sec = nums[0], nums[1]
	}
	total := time.Duration(days)*24*time.Hour +
		time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(sec)*time.Second
	return total, nil
}
