package escrow

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const (
	MinCreditScore = 300
	MaxCreditScore = 850
)

// Tier caps the deposit for buyers whose credit score is at least MinScore.
type Tier struct {
	MinScore uint16 `json:"minScore" yaml:"min_score"`
	MaxBps   uint16 `json:"maxBps" yaml:"max_bps"`
}

// TierSchedule is a descending credit-score schedule. The highest tier the
// score reaches wins; a buyer with no score or below every tier pays the
// requested bps.
type TierSchedule []Tier

// DefaultTiers holds the one evidenced tier: score >= 800 caps the deposit
// at 20%.
func DefaultTiers() TierSchedule {
	return TierSchedule{{MinScore: 800, MaxBps: 2000}}
}

// Validate rejects out-of-range scores or bps and duplicate breakpoints.
func (ts TierSchedule) Validate() error {
	seen := make(map[uint16]bool, len(ts))
	for _, t := range ts {
		if t.MinScore < MinCreditScore || t.MinScore > MaxCreditScore {
			return fmt.Errorf("tier score %d outside [%d, %d]", t.MinScore, MinCreditScore, MaxCreditScore)
		}
		if t.MaxBps > BpsDenominator {
			return fmt.Errorf("tier bps %d exceeds %d", t.MaxBps, BpsDenominator)
		}
		if seen[t.MinScore] {
			return fmt.Errorf("duplicate tier score %d", t.MinScore)
		}
		seen[t.MinScore] = true
	}
	return nil
}

// Sorted returns a copy ordered by MinScore, highest first.
func (ts TierSchedule) Sorted() TierSchedule {
	out := append(TierSchedule(nil), ts...)
	sort.Slice(out, func(i, j int) bool { return out[i].MinScore > out[j].MinScore })
	return out
}

// EffectiveBps applies the schedule to a requested deposit. The result is
// never above requested.
func (ts TierSchedule) EffectiveBps(requested uint16, score uint16, hasScore bool) uint16 {
	if !hasScore {
		return requested
	}
	for _, t := range ts.Sorted() {
		if score >= t.MinScore {
			if t.MaxBps < requested {
				return t.MaxBps
			}
			return requested
		}
	}
	return requested
}

// ParseTiers reads "800:2000,740:2500" (score:bps pairs).
func ParseTiers(s string) (TierSchedule, error) {
	var ts TierSchedule
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		score, bps, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("tier %q: want score:bps", part)
		}
		sc, err := strconv.ParseUint(strings.TrimSpace(score), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("tier %q: bad score: %w", part, err)
		}
		bp, err := strconv.ParseUint(strings.TrimSpace(bps), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("tier %q: bad bps: %w", part, err)
		}
		ts = append(ts, Tier{MinScore: uint16(sc), MaxBps: uint16(bp)})
	}
	if err := ts.Validate(); err != nil {
		return nil, err
	}
	return ts.Sorted(), nil
}

func (ts TierSchedule) String() string {
	parts := make([]string, 0, len(ts))
	for _, t := range ts.Sorted() {
		parts = append(parts, fmt.Sprintf("%d:%d", t.MinScore, t.MaxBps))
	}
	return strings.Join(parts, ",")
}
