package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/beckchat/beck/pkg/chat"
	"github.com/beckchat/beck/pkg/config"
	"github.com/beckchat/beck/pkg/logger"
	"github.com/beckchat/beck/pkg/render"
	"github.com/beckchat/beck/pkg/state"
)

// RunPrompt sends one prompt, waits for the assistant's stream to reach
// a terminal state, and writes the reconciled message to out.
func RunPrompt(ctx context.Context, cfg *config.Config, sessionID, prompt string, out io.Writer) error {
	log := logger.WithComponent("app")

	manager := chat.NewManager(cfg)
	defer manager.Close()

	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	log.Info("sending prompt", "session_id", sessionID, "server", cfg.Server.URL)

	result, err := manager.Send(ctx, sessionID, prompt)
	if err != nil {
		return fmt.Errorf("failed to send prompt: %w", err)
	}
	messageID := result.AssistantMessageID
	if messageID == "" {
		return fmt.Errorf("server did not start an assistant message")
	}

	done := make(chan *state.MessageState, 1)
	unsubscribe := manager.Subscribe(func(id string, snap *state.MessageState) {
		if id != messageID || !snap.IsComplete {
			return
		}
		select {
		case done <- snap:
		default:
		}
	})
	defer unsubscribe()

	// The stream may have finished before the listener attached.
	if snap, ok := manager.Snapshot(messageID); ok && snap.IsComplete {
		select {
		case done <- snap:
		default:
		}
	}

	var final *state.MessageState
	select {
	case final = <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	fmt.Fprintln(out, render.NewRenderer(0).Render(final))

	if stats, ok := manager.Stats(messageID); ok {
		log.Debug("stream accounting",
			"expected", stats.Expected,
			"missing", stats.Missing,
			"duplicates", stats.Duplicates,
			"text_bytes", stats.TotalText)
	}
	if final.Error != "" {
		return fmt.Errorf("stream failed: %s", final.Error)
	}
	return nil
}
