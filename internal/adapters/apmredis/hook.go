// Package apmredis reports go-redis commands to a CommandListener.
package apmredis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fllarpy/elastic-apm-probe/domain"
)

// PipelineCommand is the command name reported for a pipeline. Its
// parameters are the argument lists of the pipelined commands.
const PipelineCommand = "pipeline"

// Hook is a redis.Hook. Add it with client.AddHook.
type Hook struct {
	connection string
	listener   domain.CommandListener
}

var _ redis.Hook = (*Hook)(nil)

// NewHook reports the commands of the named connection to listener.
func NewHook(connection string, listener domain.CommandListener) *Hook {
	if listener == nil {
		listener = domain.NopListener{}
	}
	return &Hook{connection: connection, listener: listener}
}

func (h *Hook) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

func (h *Hook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmd)
		h.listener.CommandExecuted(ctx, domain.CommandEvent{
			Connection: h.connection,
			Command:    cmd.Name(),
			Parameters: parameters(cmd),
			Duration:   time.Since(start),
		})
		return err
	}
}

func (h *Hook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmds)

		params := make([]any, 0, len(cmds))
		for _, cmd := range cmds {
			params = append(params, cmd.Args())
		}
		h.listener.CommandExecuted(ctx, domain.CommandEvent{
			Connection: h.connection,
			Command:    PipelineCommand,
			Parameters: params,
			Duration:   time.Since(start),
		})
		return err
	}
}

// parameters drops the command name from the arguments.
func parameters(cmd redis.Cmder) []any {
	args := cmd.Args()
	if len(args) <= 1 {
		return []any{}
	}
	return args[1:]
}
