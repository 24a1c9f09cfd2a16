package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/klamai/proposal-dispatch/pkg/logger"
	"github.com/klamai/proposal-dispatch/pkg/prom"
)

const (
	PhaseCreateThread = "create_thread_failed"
	PhaseAddMessage   = "add_message_failed"
	PhaseRunCreate    = "run_create_failed"
	PhaseRunPoll      = "run_poll_failed"
	PhaseRunTimeout   = "run_timeout"
	PhaseMessagesList = "messages_list_failed"
	PhaseNoText       = "no_text_message"
)

const messagesLimit = 20

var (
	ErrRunNotCompleted = errors.New("run_not_completed")
	ErrRunTimeout      = errors.New("run did not finish in time")
	ErrNoTextMessage   = errors.New("no assistant text message found")
)

// RunError tags a failed assistant run with the step that failed. For a run
// that ended in a terminal status other than completed, Phase is that status.
type RunError struct {
	Phase string
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s: %v", e.Phase, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// Run executes one thread/run round trip: it creates a thread, posts input
// followed by instructions as a single user message, starts a run on the
// configured assistant, waits for it to finish and returns the newest
// assistant text. Waiting is bounded by MaxWait and by ctx.
func (c *Client) Run(ctx context.Context, input, instructions string) (string, error) {
	start := time.Now()
	status := "error"
	defer func() {
		prom.ObserveAssistantRun(time.Since(start).Seconds(), status)
	}()

	threadID, err := c.CreateThread(ctx)
	if err != nil {
		return "", &RunError{Phase: PhaseCreateThread, Err: err}
	}

	content := input
	if instructions != "" {
		content = input + "\n\n" + instructions
	}
	if err := c.AddMessage(ctx, threadID, content); err != nil {
		return "", &RunError{Phase: PhaseAddMessage, Err: err}
	}

	run, err := c.CreateRun(ctx, threadID)
	if err != nil {
		return "", &RunError{Phase: PhaseRunCreate, Err: err}
	}

	run, err = c.wait(ctx, threadID, run)
	if err != nil {
		status = "timeout"
		return "", err
	}
	status = string(run.Status)
	if run.Status != RunCompleted {
		logger.Warn("[assistant] run ended without completing", "thread_id", threadID, "run_id", run.ID, "status", run.Status)
		return "", &RunError{Phase: string(run.Status), Err: ErrRunNotCompleted}
	}

	messages, err := c.ListMessages(ctx, threadID, messagesLimit)
	if err != nil {
		return "", &RunError{Phase: PhaseMessagesList, Err: err}
	}
	text, ok := FirstAssistantText(messages)
	if !ok {
		return "", &RunError{Phase: PhaseNoText, Err: ErrNoTextMessage}
	}
	return text, nil
}

func (c *Client) wait(ctx context.Context, threadID string, run *Run) (*Run, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.config.MaxWait)
	defer cancel()

	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for run.Status.Pending() {
		select {
		case <-waitCtx.Done():
			return nil, &RunError{Phase: PhaseRunTimeout, Err: fmt.Errorf("%w: %v", ErrRunTimeout, waitCtx.Err())}
		case <-ticker.C:
		}

		next, err := c.GetRun(waitCtx, threadID, run.ID)
		if err != nil {
			if waitCtx.Err() != nil {
				return nil, &RunError{Phase: PhaseRunTimeout, Err: fmt.Errorf("%w: %v", ErrRunTimeout, waitCtx.Err())}
			}
			return nil, &RunError{Phase: PhaseRunPoll, Err: err}
		}
		run = next
	}
	return run, nil
}

// FirstAssistantText returns the first non-empty text block of the first
// assistant message that has one, trimmed.
func FirstAssistantText(messages []Message) (string, bool) {
	for _, m := range messages {
		if m.Role != "assistant" {
			continue
		}
		for _, part := range m.Content {
			if part.Type != "text" || part.Text == nil {
				continue
			}
			if v := strings.TrimSpace(part.Text.Value); v != "" {
				return v, true
			}
		}
	}
	return "", false
}
