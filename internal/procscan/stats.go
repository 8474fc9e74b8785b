package procscan

// SystemStats is a coarse host resource summary.
type SystemStats struct {
	CPUs           int     `json:"cpus"`
	Load1          float64 `json:"load1"`
	Load5          float64 `json:"load5"`
	Load15         float64 `json:"load15"`
	MemTotalKB     uint64  `json:"mem_total_kb"`
	MemAvailableKB uint64  `json:"mem_available_kb"`
}

// ReadSystemStats samples load and memory. Missing sources leave zeros.
func ReadSystemStats() SystemStats {
	return systemStats()
}
