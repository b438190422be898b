package chat_test

import (
	"context"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/beckchat/beck/pkg/chat"
	"github.com/beckchat/beck/pkg/config"
	"github.com/beckchat/beck/pkg/events"
	"github.com/beckchat/beck/pkg/fakeagent"
)

var _ = Describe("Manager", func() {
	var (
		fake    *fakeagent.Server
		server  *httptest.Server
		manager *chat.Manager
		script  func(sessionID, messageID, text string) *fakeagent.Tape
		ctx     context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		script = nil
		fake = fakeagent.NewServer(fakeagent.Config{
			Heartbeat: 5 * time.Millisecond,
			Scripter: func(sessionID, messageID, text string) *fakeagent.Tape {
				if script == nil {
					return nil
				}
				return script(sessionID, messageID, text)
			},
		})
		server = httptest.NewServer(fake.Handler())

		cfg := config.Default()
		cfg.Server.URL = server.URL
		cfg.Stream.ReconnectDelay = 30 * time.Millisecond
		cfg.Stream.MaxReconnectAttempts = 2
		manager = chat.NewManager(cfg)
	})

	AfterEach(func() {
		manager.Close()
		server.Close()
	})

	waitComplete := func(messageID string) {
		Eventually(func() bool {
			snap, ok := manager.Snapshot(messageID)
			return ok && snap.IsComplete
		}, 2*time.Second, 5*time.Millisecond).Should(BeTrue())
	}

	Describe("streaming a turn", func() {
		It("should reconcile a scripted turn to completion", func() {
			script = func(sessionID, messageID, text string) *fakeagent.Tape {
				return fakeagent.LoremTape(sessionID, messageID, 3)
			}

			result, err := manager.Send(ctx, "sess-1", "tell me a story")
			Expect(err).ToNot(HaveOccurred())
			Expect(result.AssistantMessageID).ToNot(BeEmpty())
			mid := result.AssistantMessageID

			waitComplete(mid)
			snap, ok := manager.Snapshot(mid)
			Expect(ok).To(BeTrue())
			Expect(snap.Error).To(BeEmpty())
			Expect(snap.Text()).ToNot(BeEmpty())
			Expect(snap.ActiveTasks).To(BeEmpty())
			Expect(snap.CompletedTasks).To(HaveLen(1))
			Expect(snap.CompletedTasks[0].ToolName).To(Equal("search"))

			// Every sequence arrived in order: no gaps, no replays.
			stats, ok := manager.Stats(mid)
			Expect(ok).To(BeTrue())
			Expect(stats.Missing).To(BeZero())
			Expect(stats.Duplicates).To(BeZero())

			// The terminal event released the connection.
			Eventually(manager.Connected, time.Second).Should(BeFalse())
			Expect(manager.Streams()).To(BeEmpty())
		})

		It("should resume after a dropped connection", func() {
			script = func(sessionID, messageID, text string) *fakeagent.Tape {
				return fakeagent.NewTape(
					fakeagent.EventEntry(fakeagent.NewEvent(events.TypeMessageDelta, sessionID, messageID, 1,
						map[string]any{"block": map[string]string{"id": "b1", "kind": "text"}, "index": 0})),
					fakeagent.EventEntry(fakeagent.NewEvent(events.TypeMessageDelta, sessionID, messageID, 2,
						map[string]any{"text": "Hello", "block_id": "b1"})),
					fakeagent.DropEntry(),
					fakeagent.EventEntry(fakeagent.NewEvent(events.TypeMessageDelta, sessionID, messageID, 3,
						map[string]any{"text": " world", "block_id": "b1"})),
					fakeagent.EventEntry(fakeagent.NewEvent(events.TypeMessageStop, sessionID, messageID, 4, nil)),
				)
			}

			result, err := manager.Send(ctx, "sess-1", "hi")
			Expect(err).ToNot(HaveOccurred())
			mid := result.AssistantMessageID

			waitComplete(mid)
			snap, _ := manager.Snapshot(mid)
			Expect(snap.Text()).To(Equal("Hello world"))
			Expect(snap.Error).To(BeEmpty())

			// One reconnect, resumed from the last delivered sequence.
			Expect(fake.Connects(mid)).To(Equal(2))
			Expect(fake.ResumeCursors(mid)).To(Equal([]int64{0, 2}))
		})

		It("should give up after exhausting reconnect attempts", func() {
			script = func(sessionID, messageID, text string) *fakeagent.Tape {
				return fakeagent.NewTape(
					fakeagent.EventEntry(fakeagent.NewEvent(events.TypeMessageDelta, sessionID, messageID, 1,
						map[string]any{"block": map[string]string{"id": "b1", "kind": "text"}, "index": 0})),
					fakeagent.EventEntry(fakeagent.NewEvent(events.TypeMessageDelta, sessionID, messageID, 2,
						map[string]any{"text": "partial", "block_id": "b1"})),
					fakeagent.DropEntry(),
				)
			}

			result, err := manager.Send(ctx, "sess-1", "hi")
			Expect(err).ToNot(HaveOccurred())
			mid := result.AssistantMessageID

			// Wait for the partial text, then take the server away so
			// every retry fails.
			Eventually(func() string {
				snap, ok := manager.Snapshot(mid)
				if !ok {
					return ""
				}
				return snap.Text()
			}, 2*time.Second, 2*time.Millisecond).Should(Equal("partial"))
			server.Close()

			waitComplete(mid)
			snap, _ := manager.Snapshot(mid)
			Expect(snap.Error).To(Equal("connection failed after 2 attempts"))
			Expect(snap.Text()).To(Equal("partial"), "partial content survives the failure")
			Expect(snap.Connected).To(BeFalse())
		})
	})

	Describe("session lifecycle", func() {
		stopTape := func(sessionID, messageID, text string) *fakeagent.Tape {
			return fakeagent.NewTape(
				fakeagent.EventEntry(fakeagent.NewEvent(events.TypeMessageStop, sessionID, messageID, 1, nil)),
			)
		}

		It("should page history through the client", func() {
			script = stopTape
			first, err := manager.Send(ctx, "sess-1", "first")
			Expect(err).ToNot(HaveOccurred())
			waitComplete(first.AssistantMessageID)
			second, err := manager.Send(ctx, "sess-1", "second")
			Expect(err).ToNot(HaveOccurred())
			waitComplete(second.AssistantMessageID)

			page, err := manager.History(ctx, "sess-1", "", 10)
			Expect(err).ToNot(HaveOccurred())
			Expect(page.Messages).To(HaveLen(2))
			Expect(page.Messages[0].Text()).To(Equal("second"))
			Expect(page.Messages[1].Text()).To(Equal("first"))
		})

		It("should drop all message state when the session closes", func() {
			script = stopTape
			result, err := manager.Send(ctx, "sess-1", "hi")
			Expect(err).ToNot(HaveOccurred())
			mid := result.AssistantMessageID
			waitComplete(mid)

			manager.CloseSession("sess-1")

			_, ok := manager.Snapshot(mid)
			Expect(ok).To(BeFalse())
			_, ok = manager.Stats(mid)
			Expect(ok).To(BeFalse())
		})

		It("should replay from scratch after a reset", func() {
			script = stopTape
			result, err := manager.Send(ctx, "sess-1", "hi")
			Expect(err).ToNot(HaveOccurred())
			mid := result.AssistantMessageID
			waitComplete(mid)

			manager.Reset(mid)
			_, ok := manager.Stats(mid)
			Expect(ok).To(BeFalse())

			// Reopening replays the tape from sequence zero.
			Expect(manager.Open("sess-1", mid)).To(Succeed())
			waitComplete(mid)
			Expect(fake.ResumeCursors(mid)).To(Equal([]int64{0, 0}))
		})
	})
})
