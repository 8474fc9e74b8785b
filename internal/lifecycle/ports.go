package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/asheshgoplani/ttydeck/internal/procscan"
)

// Prober answers questions about OS listeners.
type Prober interface {
	PortFree(port int) bool
	WaitListening(ctx context.Context, port int, timeout time.Duration) error
}

// OSProber probes the loopback interface.
type OSProber struct{}

// PortFree implements Prober.
func (OSProber) PortFree(port int) bool { return procscan.PortFree(port) }

// WaitListening implements Prober.
func (OSProber) WaitListening(ctx context.Context, port int, timeout time.Duration) error {
	return procscan.WaitListening(ctx, port, timeout)
}

// portAllocator hands out ports from [min, max]. Reserved ports belong to
// starts that have not yet written a running record.
type portAllocator struct {
	min, max int
	probe    Prober

	mu       sync.Mutex
	reserved map[int]bool
}

func newPortAllocator(min, max int, probe Prober) *portAllocator {
	return &portAllocator{min: min, max: max, probe: probe, reserved: make(map[int]bool)}
}

// reserve picks the lowest port that is not reserved, not held by an active
// record and not bound by anything on the host.
func (a *portAllocator) reserve(held map[int]bool) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for p := a.min; p <= a.max; p++ {
		if a.reserved[p] || held[p] {
			continue
		}
		if !a.probe.PortFree(p) {
			continue
		}
		a.reserved[p] = true
		lifecycleLog.Debug("start_port_reserved", slog.Int("port", p))
		return p, nil
	}
	return 0, fmt.Errorf("%w: %d-%d", ErrPortExhausted, a.min, a.max)
}

func (a *portAllocator) release(port int) {
	a.mu.Lock()
	delete(a.reserved, port)
	a.mu.Unlock()
}

// Reserved returns a copy of the in-flight reservations.
func (a *portAllocator) Reserved() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]int, 0, len(a.reserved))
	for p := range a.reserved {
		out = append(out, p)
	}
	return out
}
