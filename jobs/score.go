package jobs

// The pending index is ordered by a single float64 score that packs the
// effective priority in the high bits and the inverse of the sort timestamp
// in the low bits. ZREVRANGE then yields highest priority first and, within
// one priority, the oldest workflow first.
//
// Layout: score = priority * 2^40 + (2^40 - 1 - (ts - scoreEpoch)).
// 2^40 milliseconds is ~34 years of timestamp range past the epoch, and a
// priority up to 4095 keeps the product within float64's 53-bit integer
// precision, so the encoding is exact and the order strict.

const (
	// scoreEpoch is 2020-01-01T00:00:00Z in unix milliseconds. Timestamps
	// are stored relative to it to fit the 40-bit time field.
	scoreEpoch int64 = 1577836800000

	timeBits  = 40
	timeRange int64 = 1 << timeBits

	// MaxPriority is the highest encodable priority. Submissions above it
	// are clamped rather than rejected.
	MaxPriority = 4095
)

// EncodeScore packs a priority and a unix-millisecond timestamp into the
// pending index score. Older timestamps encode to larger scores within the
// same priority band.
func EncodeScore(priority int, tsMillis int64) float64 {
	if priority < 0 {
		priority = 0
	}
	if priority > MaxPriority {
		priority = MaxPriority
	}
	rel := tsMillis - scoreEpoch
	if rel < 0 {
		rel = 0
	}
	if rel > timeRange-1 {
		rel = timeRange - 1
	}
	return float64(int64(priority)<<timeBits + (timeRange - 1 - rel))
}

// Score returns the job's effective priority key: the encoded combination
// of its effective priority and its workflow-inherited sort timestamp.
func (j *Job) Score() float64 {
	return EncodeScore(j.EffectivePriority, j.SortTimestamp())
}

// ResolvePriority applies the precedence rule for the effective priority:
// an explicit job priority wins, otherwise the workflow priority is
// inherited, otherwise the default (zero) applies. The chosen rule is
// recorded on the job so it can be audited later.
func (j *Job) ResolvePriority() {
	switch {
	case j.Priority != 0:
		j.EffectivePriority = j.Priority
		j.PrioritySource = PriorityExplicit
	case j.WorkflowPriority != nil:
		j.EffectivePriority = *j.WorkflowPriority
		j.PrioritySource = PriorityWorkflow
	default:
		j.EffectivePriority = 0
		j.PrioritySource = PriorityDefaulted
	}
}
