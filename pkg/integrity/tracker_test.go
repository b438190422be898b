package integrity

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beckchat/beck/pkg/events"
)

const trackedMessage = "msg-1"

func seqEvent(seq int64) *events.StreamEvent {
	return &events.StreamEvent{
		ID:   fmt.Sprintf("evt-%d", seq),
		Type: events.TypeTaskProgress,
		Metadata: events.Metadata{
			MessageID: trackedMessage,
			SessionID: "ses-1",
			Sequence:  seq,
		},
	}
}

func appendEvent(t *testing.T, seq int64, text string, total int) *events.StreamEvent {
	t.Helper()
	payload := map[string]any{"text": text}
	if total > 0 {
		payload["total_length"] = total
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	ev := seqEvent(seq)
	ev.Type = events.TypeMessageDelta
	ev.Payload = raw
	d, err := events.ParseDelta(raw)
	require.NoError(t, err)
	ev.Delta = d
	return ev
}

func observe(tr *Tracker, seqs ...int64) {
	for _, seq := range seqs {
		tr.Observe(seqEvent(seq))
	}
}

func TestTrackerContiguousDelivery(t *testing.T) {
	tr := NewTracker(0)
	observe(tr, 1, 2, 3)

	assert.Empty(t, tr.Missing(trackedMessage))
	assert.Equal(t, int64(3), tr.ResumeCursor(trackedMessage))

	stats, ok := tr.Stats(trackedMessage)
	require.True(t, ok)
	assert.Equal(t, int64(4), stats.Expected)
	assert.Zero(t, stats.Duplicates)
}

func TestTrackerRecordsGaps(t *testing.T) {
	tr := NewTracker(0)
	observe(tr, 1, 2, 5)

	assert.Equal(t, []int64{3, 4}, tr.Missing(trackedMessage))
	// Resume from the last sequence known contiguous.
	assert.Equal(t, int64(2), tr.ResumeCursor(trackedMessage))
}

func TestTrackerLateArrivalClosesGap(t *testing.T) {
	tr := NewTracker(0)
	observe(tr, 1, 4)
	require.Equal(t, []int64{2, 3}, tr.Missing(trackedMessage))

	observe(tr, 2)
	assert.Equal(t, []int64{3}, tr.Missing(trackedMessage))
	assert.Equal(t, int64(2), tr.ResumeCursor(trackedMessage))

	observe(tr, 3)
	assert.Empty(t, tr.Missing(trackedMessage))
	assert.Equal(t, int64(4), tr.ResumeCursor(trackedMessage))
}

func TestTrackerCountsDuplicates(t *testing.T) {
	tr := NewTracker(0)
	observe(tr, 1, 2, 2, 1)

	stats, ok := tr.Stats(trackedMessage)
	require.True(t, ok)
	assert.Equal(t, int64(2), stats.Duplicates)
	assert.Empty(t, tr.Missing(trackedMessage))
}

func TestTrackerIgnoresUnsequencedEvents(t *testing.T) {
	tr := NewTracker(0)
	tr.Observe(seqEvent(0))
	tr.Observe(seqEvent(-1))

	_, ok := tr.Stats(trackedMessage)
	assert.False(t, ok)
	assert.Zero(t, tr.ResumeCursor(trackedMessage))
}

func TestTrackerResyncFiresOncePerEpisode(t *testing.T) {
	tr := NewTracker(5)
	var fired []Resync
	tr.SetResyncHandler(func(r Resync) { fired = append(fired, r) })

	observe(tr, 1)
	// Jump to 8: gaps 2..7, six missing, one over the threshold.
	observe(tr, 8)
	require.Len(t, fired, 1)
	assert.Equal(t, trackedMessage, fired[0].MessageID)
	assert.Equal(t, int64(1), fired[0].LastConfirmed)

	// Widening the same episode does not fire again.
	observe(tr, 20)
	assert.Len(t, fired, 1)
}

func TestTrackerResyncRearmsAfterRefill(t *testing.T) {
	tr := NewTracker(2)
	var fired []Resync
	tr.SetResyncHandler(func(r Resync) { fired = append(fired, r) })

	observe(tr, 1, 5) // gaps 2,3,4
	require.Len(t, fired, 1)

	// Refill below the threshold, then open a fresh episode.
	observe(tr, 2, 3)
	require.Equal(t, []int64{4}, tr.Missing(trackedMessage))

	observe(tr, 10) // gaps 4,6,7,8,9
	require.Len(t, fired, 2)
	assert.Equal(t, int64(3), fired[1].LastConfirmed)
}

func TestTrackerHandlerMayReenter(t *testing.T) {
	tr := NewTracker(1)
	var cursor int64
	tr.SetResyncHandler(func(r Resync) {
		// Handlers run outside the lock and may query the tracker.
		cursor = tr.ResumeCursor(r.MessageID)
	})

	observe(tr, 1, 4)
	assert.Equal(t, int64(1), cursor)
}

func TestTrackerTextAccounting(t *testing.T) {
	tr := NewTracker(0)
	tr.Observe(appendEvent(t, 1, "Hello ", 6))
	tr.Observe(appendEvent(t, 2, "world", 11))

	stats, ok := tr.Stats(trackedMessage)
	require.True(t, ok)
	assert.Equal(t, int64(11), stats.TotalText)
}

func TestTrackerTextMismatchSnapsToServerTotal(t *testing.T) {
	tr := NewTracker(0)
	tr.Observe(appendEvent(t, 1, "Hello ", 6))
	// Server says 20 where we counted 11: an append was lost upstream of
	// sequencing. The server total wins.
	tr.Observe(appendEvent(t, 2, "world", 20))

	stats, _ := tr.Stats(trackedMessage)
	assert.Equal(t, int64(20), stats.TotalText)
}

func TestTrackerDuplicateTextNotRecounted(t *testing.T) {
	tr := NewTracker(0)
	ev := appendEvent(t, 1, "abc", 0)
	tr.Observe(ev)
	tr.Observe(ev)

	stats, _ := tr.Stats(trackedMessage)
	assert.Equal(t, int64(3), stats.TotalText)
	assert.Equal(t, int64(1), stats.Duplicates)
}

func TestTrackerGapFillCountsTextOnce(t *testing.T) {
	tr := NewTracker(0)
	tr.Observe(appendEvent(t, 1, "aa", 0))
	tr.Observe(appendEvent(t, 3, "cc", 0))
	// Sequence 2 arrives late: it is new text, not a duplicate.
	tr.Observe(appendEvent(t, 2, "bb", 0))

	stats, _ := tr.Stats(trackedMessage)
	assert.Equal(t, int64(6), stats.TotalText)
	assert.Zero(t, stats.Duplicates)
}

func TestTrackerReset(t *testing.T) {
	tr := NewTracker(0)
	observe(tr, 1, 5)
	tr.Reset(trackedMessage)

	_, ok := tr.Stats(trackedMessage)
	assert.False(t, ok)
	assert.Zero(t, tr.ResumeCursor(trackedMessage))
}
