package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeScore(t *testing.T) {
	base := scoreEpoch + 1_000_000_000 // an arbitrary instant past the epoch

	t.Run("higher priority always outranks older submission", func(t *testing.T) {
		high := EncodeScore(5, base+60_000) // newer but more important
		low := EncodeScore(4, base)
		assert.Greater(t, high, low)
	})

	t.Run("within one priority older timestamp ranks first", func(t *testing.T) {
		older := EncodeScore(3, base)
		newer := EncodeScore(3, base+1)
		assert.Greater(t, older, newer)
	})

	t.Run("adjacent milliseconds stay distinct", func(t *testing.T) {
		a := EncodeScore(0, base)
		b := EncodeScore(0, base+1)
		assert.Equal(t, float64(1), a-b)
	})

	t.Run("priority clamps to the encodable range", func(t *testing.T) {
		assert.Equal(t, EncodeScore(MaxPriority, base), EncodeScore(MaxPriority+100, base))
		assert.Equal(t, EncodeScore(0, base), EncodeScore(-7, base))
	})

	t.Run("pre-epoch timestamps clamp rather than wrap", func(t *testing.T) {
		assert.Equal(t, EncodeScore(1, scoreEpoch), EncodeScore(1, scoreEpoch-5000))
	})
}

func TestResolvePriority(t *testing.T) {
	wf := 7

	t.Run("explicit priority wins over workflow", func(t *testing.T) {
		j := &Job{Priority: 9, WorkflowPriority: &wf}
		j.ResolvePriority()
		assert.Equal(t, 9, j.EffectivePriority)
		assert.Equal(t, PriorityExplicit, j.PrioritySource)
	})

	t.Run("workflow priority inherited when job has none", func(t *testing.T) {
		j := &Job{WorkflowPriority: &wf}
		j.ResolvePriority()
		assert.Equal(t, 7, j.EffectivePriority)
		assert.Equal(t, PriorityWorkflow, j.PrioritySource)
	})

	t.Run("defaults to zero otherwise", func(t *testing.T) {
		j := &Job{}
		j.ResolvePriority()
		assert.Equal(t, 0, j.EffectivePriority)
		assert.Equal(t, PriorityDefaulted, j.PrioritySource)
	})
}

func TestSortTimestamp(t *testing.T) {
	t.Run("workflow members share the workflow datetime", func(t *testing.T) {
		j := &Job{WorkflowID: "wf-1", WorkflowDatetime: 1700000000000, CreatedAt: 1700000099000}
		assert.Equal(t, int64(1700000000000), j.SortTimestamp())
	})

	t.Run("standalone jobs sort by creation time", func(t *testing.T) {
		j := &Job{CreatedAt: 1700000099000}
		assert.Equal(t, int64(1700000099000), j.SortTimestamp())
	})
}

func TestWorkflowScope(t *testing.T) {
	assert.Equal(t, "wf-9", (&Job{ID: "j1", WorkflowID: "wf-9"}).WorkflowScope())
	assert.Equal(t, "j1", (&Job{ID: "j1"}).WorkflowScope())
}
