// Package exec implements the one concrete handler documented by the
// CLI (spec §6): it shells out to a subprocess per message, substituting
// two whole-token placeholders in its argument list.
package exec

import (
	"context"
	"os/exec"

	"github.com/rs/zerolog/log"

	"github.com/johnny-lai/sqs-dispatch/internal/queue"
)

const (
	placeholderMessageID = "{}.messageId"
	placeholderBody      = "{}.body"
)

// Handler runs Program with Args for every message, substituting
// placeholderMessageID and placeholderBody whole-token (never as a
// substring) with the message's id and body. Grounded on the original
// CLI's receive(): Program is the first --exec value, Args the rest.
type Handler struct {
	Program string
	Args    []string
}

// New builds a Handler. argv[0] is the program; argv[1:] are its
// template arguments.
func New(argv []string) *Handler {
	if len(argv) == 0 {
		return &Handler{}
	}
	return &Handler{Program: argv[0], Args: argv[1:]}
}

// Call substitutes placeholders and runs the subprocess. A non-zero exit
// or a failure to start is logged, not panicked: per the handler
// contract (spec §4.2), a completed invocation is always "success," even
// one whose subprocess failed — only a panic triggers redelivery, and
// this handler never does that on its own, matching the original CLI's
// behavior of logging Command::output() without treating failure as
// fatal.
func (h *Handler) Call(ctx context.Context, msg *queue.Message) {
	if h.Program == "" {
		return
	}

	args := make([]string, len(h.Args))
	for i, a := range h.Args {
		switch a {
		case placeholderMessageID:
			args[i] = msg.ID
		case placeholderBody:
			args[i] = msg.Body
		default:
			args[i] = a
		}
	}

	cmd := exec.CommandContext(ctx, h.Program, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		log.Warn().
			Err(err).
			Str("messageId", msg.ID).
			Str("program", h.Program).
			Bytes("output", output).
			Msg("exec handler subprocess failed")
		return
	}

	log.Debug().
		Str("messageId", msg.ID).
		Str("program", h.Program).
		Bytes("output", output).
		Msg("exec handler subprocess completed")
}
