package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aretw0/conductor"
	"github.com/aretw0/conductor/internal/presentation/tui"
	"github.com/aretw0/conductor/pkg/domain"
	"github.com/aretw0/conductor/pkg/placeholder"
)

// ErrInputClosed is returned when the input ends while the session still
// expects an answer.
var ErrInputClosed = errors.New("input closed")

// Session drives one runtime session from a line-oriented terminal.
type Session struct {
	Runtime *conductor.Runtime
	In      io.Reader
	Out     io.Writer
	// Render formats instructions and answers. Nil prints them as is.
	Render tui.Renderer
	// JSON writes every event as one JSON line and suppresses prompts.
	JSON bool
}

// Run starts a session of solutionID and feeds it input lines until it
// finishes, fails or the user types exit. Awaited confirmations take the
// line as the answer; otherwise the line is delivered as {"text": line}.
func (s *Session) Run(ctx context.Context, solutionID string, inputs map[string]any) error {
	lines := pumpLines(ctx, s.In)

	id, evts, err := s.Runtime.StartSession(ctx, solutionID, inputs)
	if id == "" {
		return err
	}
	defer func() { _ = s.Runtime.EndSession(context.WithoutCancel(ctx), id) }()

	for {
		s.print(evts)
		if err != nil {
			return err
		}

		status, statusErr := s.Runtime.Status(id)
		if statusErr != nil {
			return statusErr
		}
		switch status {
		case domain.StatusDone:
			return nil
		case domain.StatusFailed, domain.StatusEnded:
			return fmt.Errorf("session %s is %s: %w", id, status, domain.ErrSessionFinished)
		}

		awaiting := status == domain.StatusAwaitingConfirmation
		if awaiting {
			s.prompt("Confirm? [y/N] ")
		} else {
			s.prompt("> ")
		}

		var line string
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok = <-lines:
		}
		if !ok {
			return ErrInputClosed
		}

		line = strings.TrimSpace(line)
		if line == "exit" || line == "quit" {
			s.system("Bye!")
			return nil
		}
		if awaiting {
			evts, err = s.Runtime.Confirm(ctx, id, "", line)
		} else {
			evts, err = s.Runtime.SendMessage(ctx, id, map[string]any{"text": line})
		}
	}
}

func (s *Session) print(evts []domain.RuntimeEvent) {
	for _, e := range evts {
		if s.JSON {
			if data, err := json.Marshal(e); err == nil {
				fmt.Fprintln(s.Out, string(data))
			}
			continue
		}
		switch e.Topic {
		case domain.TopicStepPrompt, domain.TopicStepAwaitingConfirmation:
			s.render(placeholder.Stringify(e.Payload["instruction"]))
		case domain.TopicStepRejected:
			s.system("Not confirmed, repeating step '%s'.", e.StepID)
		case domain.TopicSessionDone:
			if answer, ok := e.Payload["answer"]; ok {
				s.render(placeholder.Stringify(answer))
			}
			s.system("Session complete.")
		case domain.TopicSessionFailed:
			s.system("Session failed: %s", e.Error)
		}
	}
}

func (s *Session) render(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	if s.Render != nil {
		if out, err := s.Render(text); err == nil {
			text = out
		}
	}
	fmt.Fprintln(s.Out, strings.TrimRight(text, "\n"))
}

func (s *Session) prompt(p string) {
	if !s.JSON {
		fmt.Fprint(s.Out, p)
	}
}

// system prints a standardized system message.
func (s *Session) system(format string, args ...any) {
	if !s.JSON {
		fmt.Fprintf(s.Out, ">>> %s\n", fmt.Sprintf(format, args...))
	}
}

// pumpLines reads r line by line until it ends or ctx is done.
func pumpLines(ctx context.Context, r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case out <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
