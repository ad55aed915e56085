package proximity

import "time"

// Path quality weights. Quality starts at QualityBase and is clamped to
// [0, QualityBase] after all adjustments.
const (
	QualityBase = 100
	// CoinJoinHopPenalty applies once per CoinJoin-flagged hop.
	CoinJoinHopPenalty = 30
	// OldPathPenalty applies when the oldest hop is older than OldPathAge,
	// StalePathPenalty when it is older than StalePathAge.
	OldPathPenalty   = 40
	StalePathPenalty = 20
	OldPathAge       = 365 * 24 * time.Hour
	StalePathAge     = 180 * 24 * time.Hour
	// LongPathPenalty applies to paths of more than LongPathHops hops.
	LongPathPenalty = 10
	LongPathHops    = 6
	// DirectHopBonus rewards a single-hop path.
	DirectHopBonus = 10
)

// Strength buckets a path quality score.
type Strength string

const (
	StrengthStrong   Strength = "STRONG"
	StrengthModerate Strength = "MODERATE"
	StrengthWeak     Strength = "WEAK"
	StrengthBroken   Strength = "BROKEN"
)

// Lower bounds of the strength buckets.
const (
	StrongQuality   = 85
	ModerateQuality = 60
	WeakQuality     = 30
)

// Quality scores a path as seen at now.
func Quality(hops []Hop, now time.Time) int {
	if len(hops) == 0 {
		return QualityBase
	}
	q := QualityBase
	var oldest time.Time
	for _, h := range hops {
		if h.IsCoinJoin {
			q -= CoinJoinHopPenalty
		}
		if h.BlockTime != nil && (oldest.IsZero() || h.BlockTime.Before(oldest)) {
			oldest = *h.BlockTime
		}
	}
	if !oldest.IsZero() {
		switch age := now.Sub(oldest); {
		case age > OldPathAge:
			q -= OldPathPenalty
		case age > StalePathAge:
			q -= StalePathPenalty
		}
	}
	if len(hops) > LongPathHops {
		q -= LongPathPenalty
	}
	if len(hops) == 1 {
		q += DirectHopBonus
	}
	return clamp(q, 0, QualityBase)
}

// StrengthOf buckets quality.
func StrengthOf(quality int) Strength {
	switch {
	case quality >= StrongQuality:
		return StrengthStrong
	case quality >= ModerateQuality:
		return StrengthModerate
	case quality >= WeakQuality:
		return StrengthWeak
	}
	return StrengthBroken
}

// RiskLevel grades exchange exposure.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Score maps the hop distance to the nearest entity to a proximity score
// and risk level. A nil distance means no entity was found.
func Score(hops *int) (int, RiskLevel) {
	switch {
	case hops == nil:
		return 0, RiskLow
	case *hops == 0:
		return 100, RiskCritical
	case *hops == 1:
		return 90, RiskCritical
	case *hops == 2:
		return 70, RiskHigh
	case *hops <= 4:
		return 50, RiskMedium
	}
	return 30, RiskLow
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
