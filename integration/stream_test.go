package integration

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/beckchat/beck/pkg/connection"
	"github.com/beckchat/beck/pkg/dispatch"
	"github.com/beckchat/beck/pkg/events"
	"github.com/beckchat/beck/pkg/fakeagent"
	"github.com/beckchat/beck/pkg/integrity"
	"github.com/beckchat/beck/pkg/state"
)

func TestIntegration(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Integration Suite")
}

// upsert builds a block-upsert delta payload.
func upsert(id string, index int) map[string]any {
	return map[string]any{
		"block": map[string]string{"id": id, "kind": "text"},
		"index": index,
	}
}

// append builds a text-append delta payload.
func appendTo(id, text string) map[string]any {
	return map[string]any{"text": text, "block_id": id}
}

// stopWith builds a message_stop payload carrying the final message.
func stopWith(messageID string, blocks ...events.Block) map[string]any {
	return map[string]any{
		"message": map[string]any{"id": messageID, "blocks": blocks},
	}
}

var _ = Describe("Stream pipeline", func() {
	var (
		fake    *fakeagent.Server
		server  *httptest.Server
		store   *state.Store
		tracker *integrity.Tracker
		manager *connection.Manager
	)

	BeforeEach(func() {
		fake = fakeagent.NewServer(fakeagent.Config{Heartbeat: 3 * time.Millisecond})
		server = httptest.NewServer(fake.Handler())
	})

	AfterEach(func() {
		if manager != nil {
			manager.Close()
			manager = nil
		}
		server.Close()
	})

	// newPipeline wires the full stack by hand the way the chat façade
	// does, against the fake server.
	newPipeline := func(threshold int, delay time.Duration, maxAttempts int) {
		store = state.NewStore()
		tracker = integrity.NewTracker(threshold)
		dispatcher := dispatch.NewDispatcher(store, tracker)
		transport := connection.NewSSETransport(server.URL, 16)
		manager = connection.NewManager(transport, dispatcher, store, connection.Options{
			ReconnectDelay:       delay,
			MaxReconnectAttempts: maxAttempts,
			ResumeCursor:         tracker.ResumeCursor,
		})
		dispatcher.BindLifecycle(manager)
		tracker.SetResyncHandler(manager.Resync)
	}

	waitComplete := func(messageID string) *state.MessageState {
		Eventually(func() bool {
			snap, ok := store.Snapshot(messageID)
			return ok && snap.IsComplete
		}, 2*time.Second, 5*time.Millisecond).Should(BeTrue())
		snap, _ := store.Snapshot(messageID)
		return snap
	}

	It("should apply an out-of-order, duplicated delivery exactly once", func() {
		newPipeline(0, 20*time.Millisecond, 3)

		dup := fakeagent.NewEvent(events.TypeMessageDelta, "sess-1", "msg-1", 2, appendTo("b1", "A"))
		fake.SetTape("msg-1", fakeagent.NewTape(
			fakeagent.EventEntry(fakeagent.NewEvent(events.TypeMessageDelta, "sess-1", "msg-1", 1, upsert("b1", 0))),
			fakeagent.EventEntry(dup),
			fakeagent.EventEntry(fakeagent.NewEvent(events.TypeMessageDelta, "sess-1", "msg-1", 4, appendTo("b1", "C"))),
			fakeagent.EventEntry(fakeagent.NewEvent(events.TypeMessageDelta, "sess-1", "msg-1", 3, appendTo("b1", "B"))),
			fakeagent.EventEntry(dup), // redelivered verbatim
			fakeagent.EventEntry(fakeagent.NewEvent(events.TypeMessageDelta, "sess-1", "msg-1", 5, upsert("b2", 1))),
			fakeagent.EventEntry(fakeagent.NewEvent(events.TypeMessageDelta, "sess-1", "msg-1", 6, appendTo("b2", "D"))),
			fakeagent.EventEntry(fakeagent.NewEvent(events.TypeMessageStop, "sess-1", "msg-1", 7, stopWith("msg-1",
				events.Block{ID: "b1", Kind: events.BlockText, Text: "ABC"},
				events.Block{ID: "b2", Kind: events.BlockText, Text: "D"},
			))),
		))

		Expect(manager.Connect("sess-1", "msg-1")).To(Succeed())
		snap := waitComplete("msg-1")

		Expect(snap.Text()).To(Equal("ABCD"))
		Expect(snap.Error).To(BeEmpty())

		stats, ok := tracker.Stats("msg-1")
		Expect(ok).To(BeTrue())
		Expect(stats.Missing).To(BeZero(), "gaps were all filled")
		Expect(stats.Duplicates).To(BeNumerically(">=", 1), "the replayed event was counted")
		Expect(stats.Expected).To(Equal(int64(8)))

		// One connection was enough: small gaps never trigger a resync.
		Expect(fake.Connects("msg-1")).To(Equal(1))
	})

	It("should resync from the last confirmed sequence when too much goes missing", func() {
		newPipeline(2, 25*time.Millisecond, 10)

		// Sequences 3..5 never arrive on the first feed: past the
		// threshold of 2, so the tracker must ask for a resync.
		fake.SetTape("msg-1", fakeagent.NewTape(
			fakeagent.EventEntry(fakeagent.NewEvent(events.TypeMessageDelta, "sess-1", "msg-1", 1, upsert("b1", 0))),
			fakeagent.EventEntry(fakeagent.NewEvent(events.TypeMessageDelta, "sess-1", "msg-1", 2, appendTo("b1", "x"))),
			fakeagent.EventEntry(fakeagent.NewEvent(events.TypeMessageDelta, "sess-1", "msg-1", 6, appendTo("b1", "y"))),
		))

		Expect(manager.Connect("sess-1", "msg-1")).To(Succeed())

		Eventually(func() int {
			return len(fake.ResumeCursors("msg-1"))
		}, 2*time.Second, 5*time.Millisecond).Should(BeNumerically(">=", 2))
		cursors := fake.ResumeCursors("msg-1")
		Expect(cursors[0]).To(Equal(int64(0)))
		Expect(cursors[1]).To(Equal(int64(2)), "reconnected from the last sequence before the gap")

		// The server recovers the lost range; the next replay completes
		// the message.
		fake.SetTape("msg-1", fakeagent.NewTape(
			fakeagent.EventEntry(fakeagent.NewEvent(events.TypeMessageDelta, "sess-1", "msg-1", 1, upsert("b1", 0))),
			fakeagent.EventEntry(fakeagent.NewEvent(events.TypeMessageDelta, "sess-1", "msg-1", 2, appendTo("b1", "x"))),
			fakeagent.EventEntry(fakeagent.NewEvent(events.TypeMessageDelta, "sess-1", "msg-1", 3, appendTo("b1", "p"))),
			fakeagent.EventEntry(fakeagent.NewEvent(events.TypeMessageDelta, "sess-1", "msg-1", 4, appendTo("b1", "q"))),
			fakeagent.EventEntry(fakeagent.NewEvent(events.TypeMessageDelta, "sess-1", "msg-1", 5, appendTo("b1", "r"))),
			fakeagent.EventEntry(fakeagent.NewEvent(events.TypeMessageDelta, "sess-1", "msg-1", 6, appendTo("b1", "y"))),
			fakeagent.EventEntry(fakeagent.NewEvent(events.TypeMessageStop, "sess-1", "msg-1", 7, stopWith("msg-1",
				events.Block{ID: "b1", Kind: events.BlockText, Text: "xpqry"},
			))),
		))

		snap := waitComplete("msg-1")
		Expect(snap.Text()).To(Equal("xpqry"))

		stats, _ := tracker.Stats("msg-1")
		Expect(stats.Missing).To(BeZero())
	})

	It("should ignore heartbeats and unknown event types without opening gaps", func() {
		newPipeline(0, 20*time.Millisecond, 3)

		fake.SetTape("msg-1", fakeagent.NewTape(
			fakeagent.CommentEntry("sync"),
			fakeagent.EventEntry(fakeagent.NewEvent(events.TypeMessageDelta, "sess-1", "msg-1", 1, upsert("b1", 0))),
			fakeagent.EventEntry(fakeagent.NewEvent(events.EventType("trace_checkpoint"), "sess-1", "msg-1", 2,
				map[string]string{"marker": "midpoint"})),
			fakeagent.EventEntry(fakeagent.NewEvent(events.TypeMessageDelta, "sess-1", "msg-1", 3, appendTo("b1", "hi"))),
			fakeagent.CommentEntry("still here"),
			fakeagent.EventEntry(fakeagent.NewEvent(events.TypeMessageStop, "sess-1", "msg-1", 4, stopWith("msg-1",
				events.Block{ID: "b1", Kind: events.BlockText, Text: "hi"},
			))),
		))

		Expect(manager.Connect("sess-1", "msg-1")).To(Succeed())
		snap := waitComplete("msg-1")

		Expect(snap.Text()).To(Equal("hi"))
		Expect(snap.OrderedBlocks()).To(HaveLen(1), "the unknown event created nothing")

		// The unknown type still consumed its sequence number.
		stats, _ := tracker.Stats("msg-1")
		Expect(stats.Missing).To(BeZero())
		Expect(stats.Expected).To(Equal(int64(5)))
	})

	It("should supersede the running stream when the session starts a new message", func() {
		newPipeline(0, 20*time.Millisecond, 3)

		fake.SetTape("msg-old", fakeagent.NewTape(
			fakeagent.EventEntry(fakeagent.NewEvent(events.TypeMessageDelta, "sess-1", "msg-old", 1, upsert("b1", 0))),
			fakeagent.EventEntry(fakeagent.NewEvent(events.TypeMessageDelta, "sess-1", "msg-old", 2, appendTo("b1", "first"))),
			// Keep the feed open so supersession, not EOF, ends it.
			fakeagent.TapeEntry{Comment: "working", Delay: 10 * time.Second},
		))
		fake.SetTape("msg-new", fakeagent.NewTape(
			fakeagent.EventEntry(fakeagent.NewEvent(events.TypeMessageStop, "sess-1", "msg-new", 1, nil)),
		))

		Expect(manager.Connect("sess-1", "msg-old")).To(Succeed())
		Eventually(func() string {
			snap, ok := store.Snapshot("msg-old")
			if !ok {
				return ""
			}
			return snap.Text()
		}, 2*time.Second, 5*time.Millisecond).Should(Equal("first"))

		Expect(manager.Connect("sess-1", "msg-new")).To(Succeed())
		waitComplete("msg-new")

		// The old stream is gone but its snapshot survives, frozen.
		Eventually(manager.ActiveStreams, 2*time.Second).Should(BeEmpty())
		old, ok := store.Snapshot("msg-old")
		Expect(ok).To(BeTrue())
		Expect(old.Connected).To(BeFalse())
		Expect(old.IsComplete).To(BeFalse())
		Expect(old.Text()).To(Equal("first"))
	})

	It("should close the feed on its own once the message completes", func() {
		newPipeline(0, 20*time.Millisecond, 3)

		fake.SetTape("msg-1", fakeagent.NewTape(
			fakeagent.EventEntry(fakeagent.NewEvent(events.TypeMessageDelta, "sess-1", "msg-1", 1, upsert("b1", 0))),
			fakeagent.EventEntry(fakeagent.NewEvent(events.TypeMessageDelta, "sess-1", "msg-1", 2, appendTo("b1", "done deal"))),
			fakeagent.EventEntry(fakeagent.NewEvent(events.TypeMessageStop, "sess-1", "msg-1", 3, nil)),
		))

		Expect(manager.Connect("sess-1", "msg-1")).To(Succeed())
		snap := waitComplete("msg-1")
		Expect(snap.Text()).To(Equal("done deal"))

		Eventually(manager.Connected, 2*time.Second).Should(BeFalse())
		Expect(manager.ActiveStreams()).To(BeEmpty())
		Expect(fake.Connects("msg-1")).To(Equal(1), "a finished feed is not reopened")
	})
})

var _ = Describe("SSETransport", func() {
	var (
		fake   *fakeagent.Server
		server *httptest.Server
	)

	BeforeEach(func() {
		fake = fakeagent.NewServer(fakeagent.Config{})
		server = httptest.NewServer(fake.Handler())
	})

	AfterEach(func() {
		server.Close()
	})

	It("should deliver decoded events over a live connection", func() {
		fake.SetTape("msg-1", fakeagent.NewTape(
			fakeagent.EventEntry(fakeagent.NewEvent(events.TypeMessageDelta, "sess-1", "msg-1", 1, upsert("b1", 0))),
			fakeagent.EventEntry(fakeagent.NewEvent(events.TypeMessageStop, "sess-1", "msg-1", 2, nil)),
		))

		transport := connection.NewSSETransport(server.URL, 8)
		conn, err := transport.Open(context.Background(), "sess-1", "msg-1", 0)
		Expect(err).ToNot(HaveOccurred())
		defer conn.Close()

		var received []*events.StreamEvent
		for ev := range conn.Events() {
			received = append(received, ev)
		}
		Expect(conn.Err()).ToNot(HaveOccurred())
		Expect(received).To(HaveLen(2))
		Expect(received[0].Metadata.Sequence).To(Equal(int64(1)))
		Expect(received[1].Type).To(Equal(events.TypeMessageStop))
	})

	It("should report the server's status on a rejected open", func() {
		transport := connection.NewSSETransport(server.URL, 8)

		_, err := transport.Open(context.Background(), "sess-1", "no-such-message", 0)
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("404"))
	})
})
