// Package handler defines the contract the dispatcher invokes per
// message.
package handler

import (
	"context"

	"github.com/johnny-lai/sqs-dispatch/internal/queue"
)

// Handler is invoked once per delivered message. It has no error return:
// any invocation that returns normally is treated by the dispatcher as
// successful and the message is deleted, even if the handler logged a
// failure internally. Only a panic signals "redeliver this message" (see
// internal/dispatcher). Implementations must be safe to invoke
// concurrently across distinct messages and must not retain or mutate
// the message's receipt handle.
type Handler interface {
	Call(ctx context.Context, msg *queue.Message)
}

// Func adapts a plain function to Handler.
type Func func(ctx context.Context, msg *queue.Message)

// Call implements Handler.
func (f Func) Call(ctx context.Context, msg *queue.Message) { f(ctx, msg) }
