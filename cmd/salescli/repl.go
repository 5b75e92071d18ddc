package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"sales-agent/internal/domain"
	"sales-agent/internal/usecase"
)

type chatService interface {
	Generate(ctx context.Context, in usecase.GenerateInput) (usecase.GenerateOutput, error)
	GenerateStream(ctx context.Context, in usecase.GenerateInput) (*usecase.Stream, error)
	CreateSession(ctx context.Context, in usecase.CreateSessionInput) (usecase.SessionInfo, error)
	GetSession(ctx context.Context, id string) (usecase.SessionInfo, error)
}

type repl struct {
	svc    chatService
	in     io.Reader
	out    io.Writer
	stream bool
}

// start resumes id when given, otherwise creates a session.
func (r *repl) start(ctx context.Context, id, persona, name string) (string, error) {
	if id != "" {
		if _, err := r.svc.GetSession(ctx, id); err != nil && !isCode(err, usecase.ErrorNotFound) {
			return "", err
		}
		fmt.Fprintf(r.out, "Resuming session %s\n", id)
		return id, nil
	}
	info, err := r.svc.CreateSession(ctx, usecase.CreateSessionInput{PersonaPrompt: persona, DisplayName: name})
	if err != nil {
		return "", err
	}
	fmt.Fprintf(r.out, "Session %s\n", info.ID)
	return info.ID, nil
}

func (r *repl) run(ctx context.Context, id string) error {
	fmt.Fprintln(r.out, "Ready. Type 'exit' to quit.")
	fmt.Fprintln(r.out)

	sc := bufio.NewScanner(r.in)
	for {
		if err := r.prompt(ctx, id); err != nil {
			return err
		}
		if !sc.Scan() {
			fmt.Fprintln(r.out)
			return sc.Err()
		}
		text := strings.TrimSpace(sc.Text())
		if strings.EqualFold(text, "exit") {
			return nil
		}
		if text == "" {
			continue
		}
		if err := r.turn(ctx, id, text); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintf(r.out, "(error: %v)\n\n", err)
		}
	}
}

func (r *repl) prompt(ctx context.Context, id string) error {
	stage, turns := domain.InitialStage, 0
	info, err := r.svc.GetSession(ctx, id)
	switch {
	case err == nil:
		stage, turns = info.Stage, info.TurnsInStage
	case !isCode(err, usecase.ErrorNotFound):
		return err
	}
	fmt.Fprintf(r.out, "[%s - Turn %d] User: ", stage, turns)
	return nil
}

func (r *repl) turn(ctx context.Context, id, text string) error {
	in := usecase.GenerateInput{Text: text, SessionID: id}
	if !r.stream {
		out, err := r.svc.Generate(ctx, in)
		if out.Answer != "" {
			fmt.Fprintf(r.out, "Agent: %s\n\n", out.Answer)
		}
		return err
	}

	st, err := r.svc.GenerateStream(ctx, in)
	if err != nil {
		return err
	}
	fmt.Fprint(r.out, "Agent: ")
	for chunk := range st.Chunks() {
		fmt.Fprint(r.out, chunk)
	}
	fmt.Fprint(r.out, "\n\n")
	_, err = st.Wait()
	return err
}

func isCode(err error, code usecase.ErrorCode) bool {
	var ue *usecase.Error
	return errors.As(err, &ue) && ue.Code == code
}
