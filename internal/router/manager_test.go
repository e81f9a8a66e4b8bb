package router

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentland/a2a-gateway/internal/circuitbreaker"
	"github.com/agentland/a2a-gateway/internal/core"
	"github.com/agentland/a2a-gateway/internal/events"
	"github.com/agentland/a2a-gateway/internal/priority"
	"github.com/agentland/a2a-gateway/internal/security"
)

// passPipeline admits everything unless reject is set, stamping the fields
// the real pipeline would.
type passPipeline struct {
	reject error
	calls  int32
}

func (p *passPipeline) ProcessMessage(_ context.Context, in *core.Message) (*core.Message, error) {
	atomic.AddInt32(&p.calls, 1)
	if p.reject != nil {
		return nil, p.reject
	}
	msg := in.Clone()
	if msg.ConversationID == "" {
		msg.ConversationID = "conv-" + msg.Task
	}
	if msg.Priority == 0 {
		msg.Priority = core.PriorityNormal
	}
	return msg, nil
}

func echo(ctx context.Context, msg *core.Message) (*core.Message, error) {
	return &core.Message{
		To:     msg.From,
		From:   msg.To,
		Task:   msg.Task + ".result",
		Params: map[string]interface{}{"status": "ok"},
	}, nil
}

func newTestManager(t *testing.T, p Pipeline, cfg Config) (*Manager, *priority.Manager) {
	t.Helper()
	sched := priority.NewManager(priority.Config{MaxQueueSize: 2})
	return NewManager(p, sched, cfg), sched
}

func msg(task string, prio core.Priority) *core.Message {
	return &core.Message{To: "worker", From: "caller", Task: task, Params: map[string]interface{}{}, Priority: prio}
}

func TestSendMessageDirectDispatch(t *testing.T) {
	m, _ := newTestManager(t, &passPipeline{}, Config{})
	m.RegisterAgent("worker", HandlerFunc(echo))

	resp := m.SendMessage(context.Background(), msg("sum", core.PriorityNormal))
	require.False(t, resp.IsError(), "%v", resp.Params)
	assert.Equal(t, "caller", resp.To)
	assert.Equal(t, "sum.result", resp.Task)
	assert.Equal(t, "conv-sum", resp.ConversationID)

	log := m.GetConversation("conv-sum")
	require.Len(t, log, 2)
	assert.Equal(t, "sum", log[0].Message.Task)
	assert.Equal(t, "sum.result", log[1].Message.Task)
}

func TestSendMessageNilIsManagerError(t *testing.T) {
	m, _ := newTestManager(t, &passPipeline{}, Config{})
	resp := m.SendMessage(context.Background(), nil)
	assert.Equal(t, 500, resp.ErrorCode())
	assert.Equal(t, "unknown", resp.To)
	assert.NotEmpty(t, resp.ConversationID)
}

func TestSecurityRejectionIs403(t *testing.T) {
	p := &passPipeline{reject: &security.RejectionError{Kind: security.KindAuthenticationFailed, Reason: "Authentication failed: No credentials provided"}}
	m, _ := newTestManager(t, p, Config{})
	called := false
	m.RegisterAgent("worker", HandlerFunc(func(ctx context.Context, msg *core.Message) (*core.Message, error) {
		called = true
		return echo(ctx, msg)
	}))

	resp := m.SendMessage(context.Background(), msg("sum", 0))
	assert.Equal(t, core.TaskError, resp.Task)
	assert.Equal(t, 403, resp.ErrorCode())
	assert.Equal(t, ManagerAgentID, resp.From)
	assert.Equal(t, "caller", resp.To)
	assert.Contains(t, resp.Params["error"], "No credentials provided")
	assert.False(t, called)
}

func TestUnexpectedPipelineErrorIs500(t *testing.T) {
	m, _ := newTestManager(t, &passPipeline{reject: errors.New("disk on fire")}, Config{})
	resp := m.SendMessage(context.Background(), msg("sum", 0))
	assert.Equal(t, 500, resp.ErrorCode())
	assert.Equal(t, "A2A manager error: disk on fire", resp.Params["error"])
}

func TestUnknownAgentIs404(t *testing.T) {
	m, _ := newTestManager(t, &passPipeline{}, Config{})
	resp := m.SendMessage(context.Background(), msg("sum", 0))
	assert.Equal(t, 404, resp.ErrorCode())
	assert.Equal(t, "Agent not found: worker", resp.Params["error"])
	assert.Len(t, m.GetConversation("conv-sum"), 2)
}

func TestHandlerFailuresAre500(t *testing.T) {
	cases := map[string]HandlerFunc{
		"error": func(context.Context, *core.Message) (*core.Message, error) { return nil, errors.New("db down") },
		"panic": func(context.Context, *core.Message) (*core.Message, error) { panic("nil map") },
		"nil":   func(context.Context, *core.Message) (*core.Message, error) { return nil, nil },
		"no-to": func(_ context.Context, m *core.Message) (*core.Message, error) { return &core.Message{From: m.To}, nil },
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			m, _ := newTestManager(t, &passPipeline{}, Config{})
			m.RegisterAgent("worker", h)
			resp := m.SendMessage(context.Background(), msg("sum", 0))
			assert.Equal(t, 500, resp.ErrorCode())
			assert.Equal(t, "worker", resp.From)
			assert.Equal(t, "caller", resp.To)
		})
	}
}

func TestHandlerTimeout(t *testing.T) {
	m, _ := newTestManager(t, &passPipeline{}, Config{HandlerTimeout: 20 * time.Millisecond})
	m.RegisterAgent("worker", HandlerFunc(func(ctx context.Context, msg *core.Message) (*core.Message, error) {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return echo(ctx, msg)
	}))
	resp := m.SendMessage(context.Background(), msg("sum", 0))
	assert.Equal(t, 500, resp.ErrorCode())
	assert.Equal(t, ErrHandlerTimeout.Error(), resp.Params["error"])
}

func TestCircuitBreakerShortCircuitsFailingAgent(t *testing.T) {
	var calls int32
	m, _ := newTestManager(t, &passPipeline{}, Config{
		Breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{FailureThreshold: 2, Cooldown: time.Hour}),
	})
	m.RegisterAgent("worker", HandlerFunc(func(context.Context, *core.Message) (*core.Message, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("boom")
	}))

	for i := 0; i < 4; i++ {
		resp := m.SendMessage(context.Background(), msg("sum", 0))
		assert.Equal(t, 500, resp.ErrorCode())
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	// re-registering resets the breaker
	m.RegisterAgent("worker", HandlerFunc(echo))
	assert.False(t, m.SendMessage(context.Background(), msg("sum", 0)).IsError())
}

func TestHighPriorityIsQueuedAndAwaitable(t *testing.T) {
	m, sched := newTestManager(t, &passPipeline{}, Config{})
	m.RegisterAgent("worker", HandlerFunc(echo))

	ack := m.SendMessage(context.Background(), msg("deploy", core.PriorityHigh))
	assert.Equal(t, TaskQueued, ack.Task)
	assert.Equal(t, "queued", ack.Params["status"])
	assert.Equal(t, "HIGH", ack.Params["priority"])
	assert.Equal(t, 1, sched.QueueCount())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got := make(chan *core.Message, 1)
	go func() {
		resp, err := m.Await(ctx, ack.ConversationID)
		if err == nil {
			got <- resp
		}
		close(got)
	}()

	require.True(t, m.DrainOnce())
	resp := <-got
	require.NotNil(t, resp)
	assert.Equal(t, "deploy.result", resp.Task)

	// completed replies stay available
	again, err := m.Await(ctx, ack.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, resp, again)
	assert.False(t, m.DrainOnce())
}

func TestQueuedFailureIsDeliveredToAwait(t *testing.T) {
	m, _ := newTestManager(t, &passPipeline{}, Config{})
	m.RegisterAgent("worker", HandlerFunc(func(context.Context, *core.Message) (*core.Message, error) {
		return nil, errors.New("nope")
	}))

	ack := m.SendMessage(context.Background(), msg("urgent", core.PriorityCritical))
	require.Equal(t, TaskQueued, ack.Task)
	require.True(t, m.DrainOnce())

	resp, err := m.Await(context.Background(), ack.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, 500, resp.ErrorCode())
}

func TestQueueFullIs500(t *testing.T) {
	m, _ := newTestManager(t, &passPipeline{}, Config{})
	m.RegisterAgent("worker", HandlerFunc(echo))

	for i := 0; i < 2; i++ {
		m2 := msg("deploy", core.PriorityHigh)
		m2.ConversationID = "c" + string(rune('a'+i))
		require.Equal(t, TaskQueued, m.SendMessage(context.Background(), m2).Task)
	}
	m3 := msg("deploy", core.PriorityHigh)
	m3.ConversationID = "full"
	resp := m.SendMessage(context.Background(), m3)
	assert.Equal(t, 500, resp.ErrorCode())

	_, err := m.Await(context.Background(), "full")
	assert.ErrorIs(t, err, ErrUnknownConversation)
}

func TestAwaitUnknownAndCancelled(t *testing.T) {
	m, _ := newTestManager(t, &passPipeline{}, Config{})
	m.RegisterAgent("worker", HandlerFunc(echo))

	_, err := m.Await(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownConversation)

	ack := m.SendMessage(context.Background(), msg("deploy", core.PriorityHigh))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = m.Await(ctx, ack.ConversationID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDrainLoopDispatchesByPriority(t *testing.T) {
	m, _ := newTestManager(t, &passPipeline{}, Config{DrainInterval: 5 * time.Millisecond})
	order := make(chan string, 2)
	m.RegisterAgent("worker", HandlerFunc(func(ctx context.Context, msg *core.Message) (*core.Message, error) {
		order <- msg.Task
		return echo(ctx, msg)
	}))

	m.SendMessage(context.Background(), msg("high", core.PriorityHigh))
	m.SendMessage(context.Background(), msg("critical", core.PriorityCritical))

	m.Start()
	defer m.Stop()

	assert.Equal(t, "critical", <-order)
	assert.Equal(t, "high", <-order)
}

func TestConversationLogDropsCredentials(t *testing.T) {
	m, _ := newTestManager(t, &passPipeline{}, Config{})
	m.RegisterAgent("worker", HandlerFunc(echo))

	in := msg("sum", 0)
	in.Credentials = &core.Credentials{Type: core.CredentialAPIKey, Value: "a2a_secret"}
	m.SendMessage(context.Background(), in)

	log := m.GetConversation("conv-sum")
	require.NotEmpty(t, log)
	assert.Nil(t, log[0].Message.Credentials)
	assert.NotNil(t, in.Credentials)
}

func TestConversationStoreIsBounded(t *testing.T) {
	m, _ := newTestManager(t, &passPipeline{}, Config{MaxConversations: 2})
	m.RegisterAgent("worker", HandlerFunc(echo))

	for _, task := range []string{"a", "b", "c"} {
		m.SendMessage(context.Background(), msg(task, 0))
	}
	assert.Empty(t, m.GetConversation("conv-a"))
	assert.Len(t, m.GetConversation("conv-c"), 2)
	assert.Equal(t, 2, m.Stats().Conversations)
}

func TestListAgentsAndEvents(t *testing.T) {
	bus := events.NewBus(10)
	ch := bus.Subscribe(events.TypeAgentRegistered)
	m, _ := newTestManager(t, &passPipeline{}, Config{Events: bus})

	m.RegisterAgent("zeta", HandlerFunc(echo))
	m.RegisterAgent("alpha", HandlerFunc(echo))
	assert.Equal(t, []string{"alpha", "zeta"}, m.ListAgents())
	assert.Len(t, ch, 2)

	assert.True(t, m.UnregisterAgent("zeta"))
	assert.False(t, m.UnregisterAgent("zeta"))
	assert.Equal(t, []string{"alpha"}, m.ListAgents())
}
