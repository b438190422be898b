package integrity

import (
	"sort"
	"sync"

	"github.com/beckchat/beck/pkg/events"
	"github.com/beckchat/beck/pkg/logger"
)

// DefaultMissingThreshold is how many unfilled sequence gaps a message
// tolerates before a resync is requested.
const DefaultMissingThreshold = 5

// Resync asks the connection layer to re-establish the feed for a
// message from the last sequence confirmed contiguous.
type Resync struct {
	MessageID     string
	LastConfirmed int64
}

// Stats is a point-in-time view of one message's delivery health.
type Stats struct {
	Expected   int64 // next sequence we expect
	Missing    int   // unfilled gaps
	TotalText  int64 // text bytes accounted so far
	Duplicates int64 // redelivered or replayed events seen
}

type messageIntegrity struct {
	expected        int64
	totalText       int64
	duplicates      int64
	missing         map[int64]struct{}
	resyncRequested bool
}

// Tracker watches per-message sequence numbers and text-length totals to
// detect dropped or reordered delivery. It only observes: events flow on
// to the reducer unchanged, and the sole escalation is a resync request
// once the number of open gaps exceeds the threshold.
type Tracker struct {
	mu        sync.Mutex
	messages  map[string]*messageIntegrity
	threshold int
	onResync  func(Resync)
	log       *logger.Logger
}

// NewTracker returns a tracker that fires a resync when a message
// accumulates more than threshold missing sequences. A threshold of zero
// or less selects the default.
func NewTracker(threshold int) *Tracker {
	if threshold <= 0 {
		threshold = DefaultMissingThreshold
	}
	return &Tracker{
		messages:  make(map[string]*messageIntegrity),
		threshold: threshold,
		log:       logger.WithComponent("integrity"),
	}
}

// SetResyncHandler installs the resync callback. The handler runs outside
// the tracker's lock and may call back into the tracker.
func (t *Tracker) SetResyncHandler(fn func(Resync)) {
	t.mu.Lock()
	t.onResync = fn
	t.mu.Unlock()
}

func (t *Tracker) message(id string) *messageIntegrity {
	m, ok := t.messages[id]
	if !ok {
		m = &messageIntegrity{expected: 1, missing: make(map[int64]struct{})}
		t.messages[id] = m
	}
	return m
}

// Observe folds one event into the delivery bookkeeping. Events without
// a positive sequence (synthesized locally) are ignored.
func (t *Tracker) Observe(ev *events.StreamEvent) {
	if ev == nil || ev.Metadata.MessageID == "" {
		return
	}
	seq := ev.Metadata.Sequence
	if seq <= 0 {
		return
	}

	t.mu.Lock()
	m := t.message(ev.Metadata.MessageID)

	fresh := true
	switch {
	case seq == m.expected:
		m.expected++
	case seq > m.expected:
		for i := m.expected; i < seq; i++ {
			m.missing[i] = struct{}{}
		}
		t.log.Debug("sequence gap opened",
			"message_id", ev.Metadata.MessageID,
			"expected", m.expected,
			"got", seq,
			"missing", len(m.missing))
		m.expected = seq + 1
	default:
		if _, open := m.missing[seq]; open {
			// A gap filled late is new data, just reordered.
			delete(m.missing, seq)
			t.log.Debug("late event filled gap",
				"message_id", ev.Metadata.MessageID,
				"sequence", seq,
				"missing", len(m.missing))
		} else {
			m.duplicates++
			fresh = false
		}
	}

	if fresh {
		t.accountText(ev, m)
	}

	var fire *Resync
	switch {
	case len(m.missing) > t.threshold && !m.resyncRequested:
		m.resyncRequested = true
		fire = &Resync{
			MessageID:     ev.Metadata.MessageID,
			LastConfirmed: lastConfirmed(m),
		}
	case len(m.missing) <= t.threshold && m.resyncRequested:
		// Gaps refilled below the threshold: arm for the next episode.
		m.resyncRequested = false
	}
	onResync := t.onResync
	t.mu.Unlock()

	if fire != nil {
		t.log.Warn("missing sequences exceed threshold, requesting resync",
			"message_id", fire.MessageID,
			"last_confirmed", fire.LastConfirmed,
			"threshold", t.threshold)
		if onResync != nil {
			onResync(*fire)
		}
	}
}

// accountText reconciles the running text total against server-reported
// lengths. A disagreement means some append was lost or mangled; the
// server's number wins so later checks stay meaningful.
func (t *Tracker) accountText(ev *events.StreamEvent, m *messageIntegrity) {
	if ev.Type != events.TypeMessageDelta || ev.Delta == nil {
		return
	}
	d := ev.Delta
	if d.Kind != events.DeltaTextAppend {
		return
	}

	length := int64(d.DeltaLength)
	if length == 0 {
		length = int64(len(d.Text))
	}
	m.totalText += length

	if d.TotalLength > 0 && int64(d.TotalLength) != m.totalText {
		t.log.Warn("text length mismatch",
			"message_id", ev.Metadata.MessageID,
			"local_total", m.totalText,
			"server_total", d.TotalLength)
		m.totalText = int64(d.TotalLength)
	}
}

// lastConfirmed is the highest sequence below which delivery is known
// contiguous: resuming from here replays everything still in doubt.
func lastConfirmed(m *messageIntegrity) int64 {
	if len(m.missing) == 0 {
		return m.expected - 1
	}
	lowest := int64(0)
	for seq := range m.missing {
		if lowest == 0 || seq < lowest {
			lowest = seq
		}
	}
	return lowest - 1
}

// ResumeCursor returns the sequence to resume the feed from for a
// message. Zero means start from the beginning.
func (t *Tracker) ResumeCursor(messageID string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.messages[messageID]
	if !ok {
		return 0
	}
	return lastConfirmed(m)
}

// Missing returns the open sequence gaps for a message, sorted.
func (t *Tracker) Missing(messageID string) []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.messages[messageID]
	if !ok {
		return nil
	}
	gaps := make([]int64, 0, len(m.missing))
	for seq := range m.missing {
		gaps = append(gaps, seq)
	}
	sort.Slice(gaps, func(i, j int) bool { return gaps[i] < gaps[j] })
	return gaps
}

// Stats returns the delivery counters for a message.
func (t *Tracker) Stats(messageID string) (Stats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.messages[messageID]
	if !ok {
		return Stats{}, false
	}
	return Stats{
		Expected:   m.expected,
		Missing:    len(m.missing),
		TotalText:  m.totalText,
		Duplicates: m.duplicates,
	}, true
}

// Reset forgets a message's bookkeeping so a replayed stream starts
// clean.
func (t *Tracker) Reset(messageID string) {
	t.mu.Lock()
	delete(t.messages, messageID)
	t.mu.Unlock()
}

// Clear forgets all messages.
func (t *Tracker) Clear() {
	t.mu.Lock()
	t.messages = make(map[string]*messageIntegrity)
	t.mu.Unlock()
}
