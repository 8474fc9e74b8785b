package identify

import "time"

// Weights are the composite-score coefficients and acceptance floors.
type Weights struct {
	Content        float64
	Coverage       float64
	Birth          float64
	CompositeFloor float64
	ContentFloor   float64
}

// DefaultWeights are the tuned defaults.
var DefaultWeights = Weights{
	Content:        0.4,
	Coverage:       0.3,
	Birth:          0.3,
	CompositeFloor: 0.10,
	ContentFloor:   0.08,
}

// Score is the per-candidate match breakdown.
type Score struct {
	SessionID string  `json:"session_id"`
	Path      string  `json:"path"`
	Matches   int     `json:"matches"`
	NGrams    int     `json:"ngrams"`
	Ratio     float64 `json:"ratio"`
	Coverage  float64 `json:"coverage"`
	Birth     float64 `json:"birth"`
	Content   float64 `json:"content"`
	Composite float64 `json:"composite"`
}

// BirthScore rates how close a log's creation is to the process start.
func BirthScore(birth, start time.Time) float64 {
	if birth.IsZero() || start.IsZero() {
		return 0
	}
	d := birth.Sub(start)
	if d < 0 {
		d = -d
	}
	switch {
	case d <= 10*time.Minute:
		return 1.0
	case d <= 30*time.Minute:
		return 0.5
	case d <= 60*time.Minute:
		return 0.2
	}
	return 0
}

// Apply fills the derived fields of s.
func (w Weights) Apply(s *Score) {
	if s.NGrams > 0 {
		s.Ratio = float64(s.Matches) / float64(s.NGrams)
	}
	s.Content = w.Content*s.Ratio + w.Coverage*s.Coverage
	s.Composite = s.Content + w.Birth*s.Birth
}

// Accept reports whether s clears either floor. The second floor ignores
// the birth term.
func (w Weights) Accept(s Score) bool {
	return s.Composite >= w.CompositeFloor || s.Content > w.ContentFloor
}
