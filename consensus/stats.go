package consensus

import "time"

// AlgorithmStats aggregates the rounds of one algorithm.
type AlgorithmStats struct {
	Proposals    int64         `json:"proposals"`
	Approved     int64         `json:"approved"`
	Rejected     int64         `json:"rejected"`
	Timeouts     int64         `json:"timeouts"`
	Failures     int64         `json:"failures"`
	ApprovalRate float64       `json:"approval_rate"`
	AvgDuration  time.Duration `json:"avg_duration"`

	totalDuration time.Duration
}

// Stats contains consensus statistics across all algorithms.
type Stats struct {
	TotalProposals int64                     `json:"total_proposals"`
	Approved       int64                     `json:"approved"`
	Rejected       int64                     `json:"rejected"`
	Timeouts       int64                     `json:"timeouts"`
	Failures       int64                     `json:"failures"`
	ApprovalRate   float64                   `json:"approval_rate"`
	AvgDuration    time.Duration             `json:"avg_duration"`
	ByAlgorithm    map[string]AlgorithmStats `json:"by_algorithm"`
}

type statsBook struct {
	byAlgorithm map[string]*AlgorithmStats
}

func newStatsBook() *statsBook {
	return &statsBook{byAlgorithm: make(map[string]*AlgorithmStats)}
}

func (s *statsBook) entry(algorithm string) *AlgorithmStats {
	e, ok := s.byAlgorithm[algorithm]
	if !ok {
		e = &AlgorithmStats{}
		s.byAlgorithm[algorithm] = e
	}
	return e
}

func (s *statsBook) record(r *Result) {
	e := s.entry(r.Algorithm)
	e.Proposals++
	e.totalDuration += r.Duration
	switch r.Decision {
	case Approved:
		e.Approved++
	case Rejected:
		e.Rejected++
	case Timeout:
		e.Timeouts++
	}
}

func (s *statsBook) fail(algorithm string) {
	e := s.entry(algorithm)
	e.Proposals++
	e.Failures++
}

func (s *statsBook) snapshot() Stats {
	out := Stats{ByAlgorithm: make(map[string]AlgorithmStats, len(s.byAlgorithm))}

	var totalDuration time.Duration
	var decided int64
	for name, e := range s.byAlgorithm {
		c := *e
		if c.Proposals > 0 {
			c.ApprovalRate = float64(c.Approved) / float64(c.Proposals)
		}
		if n := c.Proposals - c.Failures; n > 0 {
			c.AvgDuration = c.totalDuration / time.Duration(n)
		}
		out.ByAlgorithm[name] = c

		out.TotalProposals += c.Proposals
		out.Approved += c.Approved
		out.Rejected += c.Rejected
		out.Timeouts += c.Timeouts
		out.Failures += c.Failures
		totalDuration += c.totalDuration
		decided += c.Proposals - c.Failures
	}

	if out.TotalProposals > 0 {
		out.ApprovalRate = float64(out.Approved) / float64(out.TotalProposals)
	}
	if decided > 0 {
		out.AvgDuration = totalDuration / time.Duration(decided)
	}
	return out
}
