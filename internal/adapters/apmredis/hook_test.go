package apmredis

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fllarpy/elastic-apm-probe/domain"
	"github.com/fllarpy/elastic-apm-probe/internal/application/collector"
	"github.com/fllarpy/elastic-apm-probe/pkg/config"
)

type commandEvents struct {
	domain.NopListener
	events []domain.CommandEvent
}

func (l *commandEvents) CommandExecuted(_ context.Context, e domain.CommandEvent) {
	l.events = append(l.events, e)
}

func TestHook_ProcessHook(t *testing.T) {
	listener := &commandEvents{}
	hook := NewHook("cache", listener)
	ctx := context.Background()
	errRedis := errors.New("READONLY You can't write against a read only replica")

	process := hook.ProcessHook(func(ctx context.Context, cmd redis.Cmder) error {
		return errRedis
	})
	cmd := redis.NewStatusCmd(ctx, "set", "session:1", "token", "ex", 60)

	assert.ErrorIs(t, process(ctx, cmd), errRedis, "the command error is passed through")

	require.Len(t, listener.events, 1)
	e := listener.events[0]
	assert.Equal(t, "cache", e.Connection)
	assert.Equal(t, "set", e.Command)
	assert.Equal(t, []any{"session:1", "token", "ex", 60}, e.Parameters)
}

func TestHook_ProcessHookWithoutArguments(t *testing.T) {
	listener := &commandEvents{}
	process := NewHook("cache", listener).ProcessHook(func(context.Context, redis.Cmder) error { return nil })

	require.NoError(t, process(context.Background(), redis.NewStatusCmd(context.Background(), "ping")))
	require.Len(t, listener.events, 1)
	assert.Equal(t, []any{}, listener.events[0].Parameters)
}

func TestHook_ProcessPipelineHook(t *testing.T) {
	listener := &commandEvents{}
	ctx := context.Background()
	process := NewHook("cache", listener).ProcessPipelineHook(func(context.Context, []redis.Cmder) error {
		time.Sleep(time.Millisecond)
		return nil
	})

	cmds := []redis.Cmder{
		redis.NewStringCmd(ctx, "get", "a"),
		redis.NewIntCmd(ctx, "incr", "hits"),
	}
	require.NoError(t, process(ctx, cmds))

	require.Len(t, listener.events, 1)
	e := listener.events[0]
	assert.Equal(t, PipelineCommand, e.Command)
	assert.Equal(t, []any{[]any{"get", "a"}, []any{"incr", "hits"}}, e.Parameters)
	assert.GreaterOrEqual(t, e.Duration, time.Millisecond)
}

func TestHook_FeedsCollector(t *testing.T) {
	coll := collector.New(collector.Options{QueryLog: config.QueryLogAlways})
	scope := collector.NewScope(10, collector.NewTimer(time.Time{}, nil))
	ctx := collector.WithScope(context.Background(), scope)

	process := NewHook("sessions", coll).ProcessHook(func(context.Context, redis.Cmder) error { return nil })
	require.NoError(t, process(ctx, redis.NewStringCmd(ctx, "get", "user:7")))

	spans := scope.Buffer.Drain()
	require.Len(t, spans, 1)
	assert.Equal(t, "get", spans[0].Name)
	assert.Equal(t, "redis", spans[0].Subtype)
	assert.Equal(t, "sessions", spans[0].Context.DB.Instance)
	assert.Equal(t, `["user:7"]`, spans[0].Context.DB.Statement)
}

func TestHook_DialHookIsPassThrough(t *testing.T) {
	hook := NewHook("cache", nil)
	called := false
	dial := hook.DialHook(func(ctx context.Context, network, addr string) (net.Conn, error) {
		called = true
		return nil, nil
	})
	_, _ = dial(context.Background(), "tcp", "127.0.0.1:6379")
	assert.True(t, called)
}
