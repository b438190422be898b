package state

import (
	"fmt"
	"time"

	"github.com/beckchat/beck/pkg/events"
	"github.com/beckchat/beck/pkg/logger"
)

var reduceLog = logger.WithComponent("reducer")

// Reduce folds one event into a snapshot and returns the resulting
// snapshot. The input is never mutated: callers get either a fresh value
// or, when the event changes nothing, the input itself. Events that were
// already applied, arrive after a terminal state, or reference unknown
// entities reduce to a no-op.
func Reduce(s *MessageState, ev *events.StreamEvent) *MessageState {
	if s == nil || ev == nil {
		return s
	}

	if s.IsComplete {
		reduceLog.Debug("dropping event for completed message",
			"message_id", s.Message.ID,
			"event_type", string(ev.Type),
			"sequence", ev.Metadata.Sequence)
		return s
	}

	key := eventKey(ev)
	if s.eventApplied(key) {
		reduceLog.Debug("dropping already-applied event",
			"message_id", s.Message.ID,
			"event_type", string(ev.Type),
			"sequence", ev.Metadata.Sequence)
		return s
	}

	next := s
	switch ev.Type {
	case events.TypeTaskStarted:
		next = applyTaskStarted(s, ev)
	case events.TypeTaskProgress:
		next = applyTaskProgress(s, ev)
	case events.TypeTaskCompleted:
		next = applyTaskFinished(s, ev, TaskCompleted)
	case events.TypeTaskFailed:
		next = applyTaskFinished(s, ev, TaskFailed)
	case events.TypeMessageDelta:
		next = applyDelta(s, ev)
	case events.TypeMessageStop:
		next = applyStop(s, ev)
	case events.TypeError:
		next = applyError(s, ev)
	default:
		// Unknown event types are ignored for forward compatibility.
		return s
	}

	if next == s {
		return s
	}

	next.rememberApplied(key)
	if seq := ev.Metadata.Sequence; seq > next.LastSequence {
		next.LastSequence = seq
	}
	return next
}

// eventTime prefers the server's timestamp so replays reconcile to the
// same instants regardless of when they arrive.
func eventTime(ev *events.StreamEvent) time.Time {
	if !ev.Timestamp.IsZero() {
		return ev.Timestamp
	}
	return time.Now()
}

func applyTaskStarted(s *MessageState, ev *events.StreamEvent) *MessageState {
	p, err := ev.TaskPayload()
	if err != nil || p.TaskID == "" {
		reduceLog.Warn("dropping task_started with bad payload",
			"message_id", s.Message.ID, "error", err)
		return s
	}

	// A task that already finished must not resurrect: completed wins even
	// when the start arrives late. The start may still carry metadata the
	// finish never did, so the pair settles the same either way around.
	if s.taskFinished(p.TaskID) {
		reduceLog.Debug("ignoring task_started for finished task",
			"message_id", s.Message.ID, "task_id", p.TaskID)
		return backfillFinishedTask(s, p)
	}
	if _, active := s.ActiveTasks[p.TaskID]; active {
		return s
	}

	t := Task{
		ID:          p.TaskID,
		Type:        p.TaskType,
		DisplayText: p.DisplayText,
		Status:      TaskPending,
		ToolName:    p.ToolName,
		ToolArgs:    string(p.ToolArgs),
		StartedAt:   eventTime(ev),
	}
	if status, ok := parseTaskStatus(p.Status); ok && !status.Terminal() {
		t.Status = status
	}
	if p.Progress != nil {
		t.Progress = clampProgress(*p.Progress)
	}

	next := s.clone()
	next.ActiveTasks[t.ID] = t
	next.Streaming = true
	return next
}

// backfillFinishedTask copies a late start's metadata into the finished
// task. Status, progress, and timestamps are settled by the finish; only
// fields it left empty are taken.
func backfillFinishedTask(s *MessageState, p *events.TaskPayload) *MessageState {
	idx := -1
	for i := range s.CompletedTasks {
		if s.CompletedTasks[i].ID == p.TaskID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return s
	}

	t := s.CompletedTasks[idx]
	changed := false
	if t.Type == "" && p.TaskType != "" {
		t.Type = p.TaskType
		changed = true
	}
	if t.DisplayText == "" && p.DisplayText != "" {
		t.DisplayText = p.DisplayText
		changed = true
	}
	if t.ToolName == "" && p.ToolName != "" {
		t.ToolName = p.ToolName
		changed = true
	}
	if t.ToolArgs == "" && len(p.ToolArgs) > 0 {
		t.ToolArgs = string(p.ToolArgs)
		changed = true
	}
	if !changed {
		return s
	}

	next := s.clone()
	next.CompletedTasks[idx] = t
	return next
}

func applyTaskProgress(s *MessageState, ev *events.StreamEvent) *MessageState {
	p, err := ev.TaskPayload()
	if err != nil || p.TaskID == "" {
		reduceLog.Warn("dropping task_progress with bad payload",
			"message_id", s.Message.ID, "error", err)
		return s
	}

	t, ok := s.ActiveTasks[p.TaskID]
	if !ok {
		// Stale or reordered: progress for a task we never saw start, or
		// one that already finished.
		reduceLog.Debug("ignoring task_progress for unknown task",
			"message_id", s.Message.ID, "task_id", p.TaskID)
		return s
	}

	if status, ok := parseTaskStatus(p.Status); ok && !status.Terminal() {
		t.Status = status
	}
	if p.Progress != nil {
		t.Progress = clampProgress(*p.Progress)
	}
	if p.DisplayText != "" {
		t.DisplayText = p.DisplayText
	}

	next := s.clone()
	next.ActiveTasks[t.ID] = t
	next.Streaming = true
	return next
}

// applyTaskFinished handles task_completed and task_failed. A finish for
// a task never seen in active inserts directly into completed, so the
// pair converges no matter which of started/finished arrives first.
func applyTaskFinished(s *MessageState, ev *events.StreamEvent, status TaskStatus) *MessageState {
	p, err := ev.TaskPayload()
	if err != nil || p.TaskID == "" {
		reduceLog.Warn("dropping task finish with bad payload",
			"message_id", s.Message.ID, "event_type", string(ev.Type), "error", err)
		return s
	}
	if s.taskFinished(p.TaskID) {
		return s
	}

	now := eventTime(ev)
	t, wasActive := s.ActiveTasks[p.TaskID]
	if !wasActive {
		t = Task{
			ID:          p.TaskID,
			Type:        p.TaskType,
			DisplayText: p.DisplayText,
			ToolName:    p.ToolName,
			StartedAt:   now,
		}
	}

	t.Status = status
	t.CompletedAt = now
	if status == TaskCompleted {
		t.Progress = 1
	}
	if p.DisplayText != "" {
		t.DisplayText = p.DisplayText
	}
	if p.Error != "" {
		t.Error = p.Error
	}

	next := s.clone()
	delete(next.ActiveTasks, t.ID)
	next.CompletedTasks = append(next.CompletedTasks, t)
	next.Streaming = true
	return next
}

func applyDelta(s *MessageState, ev *events.StreamEvent) *MessageState {
	d := ev.Delta
	if d == nil {
		reduceLog.Warn("dropping message_delta without decoded payload",
			"message_id", s.Message.ID, "sequence", ev.Metadata.Sequence)
		return s
	}

	switch d.Kind {
	case events.DeltaTextAppend:
		return applyTextAppend(s, ev, d)
	case events.DeltaBlockUpsert:
		return applyBlockUpsert(s, ev, d)
	case events.DeltaToolCallFragment:
		return applyToolCallFragment(s, ev, d)
	}
	return s
}

// resolveAppendTarget picks the block that receives appended text: the
// explicit target when named, else the current block, else the most
// recent block that accepts free text. An explicit target we do not know
// is a stale reference and resolves to nothing rather than a guess.
func resolveAppendTarget(s *MessageState, explicit string) string {
	if explicit != "" {
		if _, ok := s.Blocks[explicit]; ok {
			return explicit
		}
		return ""
	}
	if s.CurrentBlockID != "" {
		if b, ok := s.Blocks[s.CurrentBlockID]; ok && b.Kind.SupportsText() {
			return s.CurrentBlockID
		}
	}
	for i := len(s.Order) - 1; i >= 0; i-- {
		if b, ok := s.Blocks[s.Order[i]]; ok && b.Kind.SupportsText() {
			return s.Order[i]
		}
	}
	return ""
}

func applyTextAppend(s *MessageState, ev *events.StreamEvent, d *events.Delta) *MessageState {
	target := resolveAppendTarget(s, d.BlockID)
	if target == "" {
		reduceLog.Warn("dropping text append with no resolvable block",
			"message_id", s.Message.ID,
			"block_id", d.BlockID,
			"sequence", ev.Metadata.Sequence)
		return s
	}

	next := s.clone()
	b := next.Blocks[target]
	b.Text += d.Text
	b.UpdatedAt = eventTime(ev)
	next.Blocks[target] = b
	next.Streaming = true
	return next
}

func applyBlockUpsert(s *MessageState, ev *events.StreamEvent, d *events.Delta) *MessageState {
	wb := d.Block
	if wb == nil || wb.ID == "" {
		reduceLog.Warn("dropping block upsert without id",
			"message_id", s.Message.ID, "sequence", ev.Metadata.Sequence)
		return s
	}

	now := eventTime(ev)
	kind := wb.Kind
	if kind == "" {
		kind = events.BlockText
	}

	b := ContentBlock{
		ID:          wb.ID,
		Kind:        kind,
		Text:        wb.Text,
		TaskID:      wb.TaskID,
		Placeholder: wb.Placeholder,
		Data:        wb.Data,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	next := s.clone()
	if existing, ok := next.Blocks[wb.ID]; ok {
		// Replays keep a block where it first landed: content is replaced,
		// position is not.
		b.CreatedAt = existing.CreatedAt
		if b.TaskID == "" {
			b.TaskID = existing.TaskID
		}
	} else {
		next.Order = insertAt(next.Order, d.Index, wb.ID)
	}
	next.Blocks[wb.ID] = b
	next.CurrentBlockID = wb.ID
	next.Streaming = true
	return next
}

// insertAt places id at index, clamping out-of-range indexes to the
// nearest end of the order.
func insertAt(order []string, index int, id string) []string {
	if index < 0 {
		index = 0
	}
	if index > len(order) {
		index = len(order)
	}
	order = append(order, "")
	copy(order[index+1:], order[index:])
	order[index] = id
	return order
}

// applyToolCallFragment folds one partial tool invocation update into the
// task set. Correlation prefers the fragment id; the positional index is
// the fallback for servers that never assign ids.
func applyToolCallFragment(s *MessageState, ev *events.StreamEvent, d *events.Delta) *MessageState {
	f := d.ToolCall
	if f == nil {
		reduceLog.Warn("dropping empty tool call fragment",
			"message_id", s.Message.ID, "sequence", ev.Metadata.Sequence)
		return s
	}

	id := f.ID
	if id == "" {
		id = s.toolIndex[f.Index]
	}
	if id != "" && s.taskFinished(id) {
		reduceLog.Debug("ignoring fragment for finished tool call",
			"message_id", s.Message.ID, "task_id", id)
		return s
	}

	now := eventTime(ev)
	t, active := s.ActiveTasks[id]
	if !active {
		if id == "" {
			id = fmt.Sprintf("tool-call-%d", f.Index)
		}
		t = Task{
			ID:        id,
			Type:      "tool_call",
			Status:    TaskPending,
			StartedAt: now,
		}
	}

	if f.Name != "" {
		t.ToolName = f.Name
		if t.DisplayText == "" {
			t.DisplayText = f.Name
		}
	}
	if f.ArgsFragment != "" {
		t.ToolArgs += f.ArgsFragment
		if t.Status == TaskPending {
			t.Status = TaskProcessing
		}
	}

	next := s.clone()
	next.toolIndex[f.Index] = id

	switch f.Status {
	case string(TaskCompleted):
		t.Status = TaskCompleted
		t.Progress = 1
		t.CompletedAt = now
		delete(next.ActiveTasks, id)
		next.CompletedTasks = append(next.CompletedTasks, t)
	case string(TaskFailed):
		t.Status = TaskFailed
		t.Error = f.Error
		t.CompletedAt = now
		delete(next.ActiveTasks, id)
		next.CompletedTasks = append(next.CompletedTasks, t)
	default:
		next.ActiveTasks[id] = t
	}
	next.Streaming = true
	return next
}

func applyStop(s *MessageState, ev *events.StreamEvent) *MessageState {
	p, err := ev.StopPayload()
	if err != nil {
		// The stop itself is still authoritative even when its payload is
		// unreadable: the message ends either way.
		reduceLog.Warn("message_stop payload unreadable, completing without merge",
			"message_id", s.Message.ID, "error", err)
		p = &events.StopPayload{}
	}

	now := eventTime(ev)
	next := s.clone()

	if fm := p.Message; fm != nil {
		if fm.ID != "" {
			next.Message.ID = fm.ID
		}
		if fm.SessionID != "" {
			next.Message.SessionID = fm.SessionID
		}
		if fm.Role != "" {
			next.Message.Role = fm.Role
		}
		if !fm.CreatedAt.IsZero() {
			next.Message.CreatedAt = fm.CreatedAt
		}
		if fm.Blocks != nil {
			// The final message is authoritative: its block set and order
			// replace whatever reconciliation produced.
			blocks := make(map[string]ContentBlock, len(fm.Blocks))
			order := make([]string, 0, len(fm.Blocks))
			for i, wb := range fm.Blocks {
				b := blockFromWire(wb, next.Message.ID, i, now)
				if prev, ok := next.Blocks[b.ID]; ok {
					b.CreatedAt = prev.CreatedAt
				}
				blocks[b.ID] = b
				order = append(order, b.ID)
			}
			next.Blocks = blocks
			next.Order = order
		}
	}

	next.finalize(now)
	return next
}

func applyError(s *MessageState, ev *events.StreamEvent) *MessageState {
	message := "stream error"
	detail := ""
	if p, err := ev.ErrorPayload(); err != nil {
		reduceLog.Warn("error payload unreadable",
			"message_id", s.Message.ID, "error", err)
	} else {
		if p.Message != "" {
			message = p.Message
		}
		detail = string(p.Detail)
	}

	next := s.clone()
	next.Error = message
	next.ErrorDetail = detail
	next.finalize(eventTime(ev))
	return next
}

// finalize applies the terminal bookkeeping shared by message_stop and
// error: the stream ends, and tasks still active are flushed to completed
// as cancelled so the active set empties without losing them.
func (s *MessageState) finalize(now time.Time) {
	s.IsComplete = true
	s.Streaming = false
	s.CurrentBlockID = ""

	if len(s.ActiveTasks) == 0 {
		return
	}
	cancelled := make([]Task, 0, len(s.ActiveTasks))
	for _, t := range s.ActiveTasks {
		t.Status = TaskCancelled
		t.CompletedAt = now
		cancelled = append(cancelled, t)
	}
	sortTasks(cancelled)
	s.CompletedTasks = append(s.CompletedTasks, cancelled...)
	s.ActiveTasks = make(map[string]Task)
}

func blockFromWire(wb events.Block, messageID string, index int, now time.Time) ContentBlock {
	id := wb.ID
	if id == "" {
		id = fmt.Sprintf("%s-block-%d", messageID, index)
	}
	kind := wb.Kind
	if kind == "" {
		kind = events.BlockText
	}
	return ContentBlock{
		ID:          id,
		Kind:        kind,
		Text:        wb.Text,
		TaskID:      wb.TaskID,
		Placeholder: wb.Placeholder,
		Data:        wb.Data,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func clampProgress(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// withConnected flips the transport flag on a snapshot. Connectivity is
// transport state, not stream state, so it may change even after the
// message completes.
func withConnected(s *MessageState, connected bool) *MessageState {
	if s.Connected == connected {
		return s
	}
	next := s.clone()
	next.Connected = connected
	return next
}
