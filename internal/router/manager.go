// Package router is the gateway's entry point for agent messages. It runs
// each message through the security pipeline and then either calls the
// target agent's handler directly or queues the message by priority for
// the drain loop.
package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentland/a2a-gateway/internal/circuitbreaker"
	"github.com/agentland/a2a-gateway/internal/core"
	"github.com/agentland/a2a-gateway/internal/events"
	"github.com/agentland/a2a-gateway/internal/metrics"
	"github.com/agentland/a2a-gateway/internal/priority"
	"github.com/agentland/a2a-gateway/internal/security"
)

// ManagerAgentID is the sender of every response the router itself builds.
const ManagerAgentID = "a2a-manager"

// TaskQueued marks the acknowledgement returned for queued messages.
const TaskQueued = "queued"

var (
	ErrInvalidResponse = errors.New("invalid response from agent")
	ErrHandlerTimeout  = errors.New("handler timed out")
)

// Handler processes a message addressed to one agent and returns the reply.
type Handler interface {
	Handle(ctx context.Context, msg *core.Message) (*core.Message, error)
}

type HandlerFunc func(ctx context.Context, msg *core.Message) (*core.Message, error)

func (f HandlerFunc) Handle(ctx context.Context, msg *core.Message) (*core.Message, error) {
	return f(ctx, msg)
}

// Pipeline admits or rejects messages. *security.Middleware satisfies it.
type Pipeline interface {
	ProcessMessage(ctx context.Context, msg *core.Message) (*core.Message, error)
}

// Scheduler orders queued messages. *priority.Manager satisfies it.
type Scheduler interface {
	Enqueue(msg *core.Message) (priority.Placement, error)
	Dequeue() (*core.Message, bool)
}

type Config struct {
	DrainInterval    time.Duration // default 50ms
	MaxConversations int           // default 10000
	ConversationTTL  time.Duration // default 24h
	HandlerTimeout   time.Duration // default 30s
	Breakers         *circuitbreaker.Registry
	Events           events.Emitter
	Metrics          *metrics.Metrics
}

type Manager struct {
	pipeline Pipeline
	sched    Scheduler

	mu     sync.RWMutex
	agents map[string]Handler

	conversations *conversationStore
	completions   *completions
	breakers      *circuitbreaker.Registry
	events        events.Emitter
	metrics       *metrics.Metrics

	drainInterval  time.Duration
	handlerTimeout time.Duration

	logger   *log.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewManager(p Pipeline, s Scheduler, cfg Config) *Manager {
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = 50 * time.Millisecond
	}
	if cfg.MaxConversations <= 0 {
		cfg.MaxConversations = 10000
	}
	if cfg.ConversationTTL <= 0 {
		cfg.ConversationTTL = 24 * time.Hour
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	if cfg.Breakers == nil {
		cfg.Breakers = circuitbreaker.NewRegistry(circuitbreaker.Config{})
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard
	}

	return &Manager{
		pipeline:       p,
		sched:          s,
		agents:         make(map[string]Handler),
		conversations:  newConversationStore(cfg.MaxConversations, cfg.ConversationTTL),
		completions:    newCompletions(cfg.MaxConversations, cfg.ConversationTTL),
		breakers:       cfg.Breakers,
		events:         cfg.Events,
		metrics:        cfg.Metrics,
		drainInterval:  cfg.DrainInterval,
		handlerTimeout: cfg.HandlerTimeout,
		logger:         log.New(log.Writer(), "[ROUTER] ", log.LstdFlags),
		stopCh:         make(chan struct{}),
	}
}

// =============================================================================
// AGENT REGISTRY
// =============================================================================

// RegisterAgent installs h for agentID, replacing any previous handler.
func (m *Manager) RegisterAgent(agentID string, h Handler) {
	m.mu.Lock()
	_, replaced := m.agents[agentID]
	m.agents[agentID] = h
	m.mu.Unlock()

	if replaced {
		m.breakers.Remove(agentID)
	}
	slog.Info("[Router] agent registered", "agent_id", agentID, "replaced", replaced)
	m.events.Emit(events.TypeAgentRegistered, "/router", "", map[string]interface{}{"agentId": agentID})
}

func (m *Manager) UnregisterAgent(agentID string) bool {
	m.mu.Lock()
	_, ok := m.agents[agentID]
	delete(m.agents, agentID)
	m.mu.Unlock()
	if ok {
		m.breakers.Remove(agentID)
	}
	return ok
}

// ListAgents returns the registered agent ids in sorted order.
func (m *Manager) ListAgents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) handler(agentID string) (Handler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.agents[agentID]
	return h, ok
}

// =============================================================================
// SENDING
// =============================================================================

// SendMessage delivers msg and returns the reply. It never returns nil:
// every failure becomes an error response addressed to the sender.
//
// HIGH and CRITICAL messages are queued and answered with a "queued"
// acknowledgement; the final reply is available through Await.
func (m *Manager) SendMessage(ctx context.Context, msg *core.Message) *core.Message {
	if msg == nil {
		return m.managerError(nil, errors.New("message is required"))
	}

	processed, err := m.pipeline.ProcessMessage(ctx, msg)
	if err != nil {
		re := security.AsRejection(err)
		if re.Kind == security.KindManagerError {
			return m.managerError(msg, err)
		}
		resp := core.NewErrorResponse(msg, ManagerAgentID, "Security check failed: "+re.Error(), re.Code())
		if resp.ConversationID == "" {
			resp.ConversationID = uuid.NewString()
		}
		return resp
	}

	m.conversations.append(processed)
	m.events.Emit(events.TypeMessageRouted, "/router", processed.ConversationID, map[string]interface{}{
		"from": processed.From, "to": processed.To, "task": processed.Task, "priority": processed.Priority.String(),
	})

	if _, ok := m.handler(processed.To); !ok {
		return m.agentNotFound(processed)
	}

	if processed.Priority.Queued() {
		return m.enqueue(processed)
	}
	return m.dispatch(ctx, processed, "direct")
}

func (m *Manager) enqueue(msg *core.Message) *core.Message {
	m.completions.expect(msg.ConversationID)
	placement, err := m.sched.Enqueue(msg)
	if err != nil {
		m.completions.cancel(msg.ConversationID)
		m.metrics.RecordDispatch(msg.To, "queued", "enqueue_failed", 0)
		resp := core.NewErrorResponse(msg, ManagerAgentID, fmt.Sprintf("A2A manager error: failed to queue message: %v", err), security.KindManagerError.Code())
		m.conversations.append(resp)
		return resp
	}

	m.events.Emit(events.TypeMessageQueued, "/router", msg.ConversationID, map[string]interface{}{
		"from":       msg.From,
		"to":         msg.To,
		"task":       msg.Task,
		"priority":   placement.Priority.String(),
		"downgraded": placement.Downgraded,
	})
	if placement.Downgraded {
		m.events.Emit(events.TypeQuotaDowngrade, "/router", msg.ConversationID, map[string]interface{}{
			"agentId": msg.From,
			"from":    msg.Priority.String(),
			"to":      placement.Priority.String(),
		})
	}

	return &core.Message{
		To:             msg.From,
		From:           ManagerAgentID,
		Task:           TaskQueued,
		ConversationID: msg.ConversationID,
		Params: map[string]interface{}{
			"status":     "queued",
			"priority":   placement.Priority.String(),
			"downgraded": placement.Downgraded,
		},
		Timestamp: time.Now().UnixMilli(),
	}
}

// dispatch calls the target's handler through its circuit breaker and
// records the reply.
func (m *Manager) dispatch(ctx context.Context, msg *core.Message, mode string) *core.Message {
	h, ok := m.handler(msg.To)
	if !ok {
		return m.agentNotFound(msg)
	}

	start := time.Now()
	var resp *core.Message
	err := m.breakers.Get(msg.To).Do(ctx, func(ctx context.Context) error {
		var err error
		resp, err = m.invoke(ctx, h, msg)
		return err
	})
	elapsed := time.Since(start)

	if err != nil {
		m.metrics.RecordDispatch(msg.To, mode, "error", elapsed)
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			err = fmt.Errorf("agent %s unavailable: %w", msg.To, err)
		}
		resp = core.NewErrorResponse(msg, msg.To, err.Error(), security.KindHandlerError.Code())
		m.conversations.append(resp)
		m.events.Emit(events.TypeMessageFailed, "/router", msg.ConversationID, map[string]interface{}{
			"to": msg.To, "task": msg.Task, "mode": mode, "error": err.Error(),
		})
		return resp
	}

	if resp.ConversationID == "" {
		resp = resp.Clone()
		resp.ConversationID = msg.ConversationID
	}
	m.metrics.RecordDispatch(msg.To, mode, "ok", elapsed)
	m.conversations.append(resp)
	m.events.Emit(events.TypeMessageDelivered, "/router", msg.ConversationID, map[string]interface{}{
		"from": msg.From, "to": msg.To, "task": msg.Task, "mode": mode, "responseTask": resp.Task,
	})
	return resp
}

// invoke runs h with the handler timeout. A panic or a reply without to/from
// is a handler error.
func (m *Manager) invoke(ctx context.Context, h Handler, msg *core.Message) (*core.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, m.handlerTimeout)
	defer cancel()

	type outcome struct {
		resp *core.Message
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		resp, err := h.Handle(ctx, msg.Clone())
		done <- outcome{resp, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return nil, o.err
		}
		if o.resp == nil || o.resp.To == "" || o.resp.From == "" {
			return nil, ErrInvalidResponse
		}
		return o.resp, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrHandlerTimeout
		}
		return nil, ctx.Err()
	}
}

func (m *Manager) agentNotFound(msg *core.Message) *core.Message {
	resp := core.NewErrorResponse(msg, ManagerAgentID, "Agent not found: "+msg.To, security.KindAgentNotFound.Code())
	m.conversations.append(resp)
	return resp
}

func (m *Manager) managerError(msg *core.Message, err error) *core.Message {
	resp := core.NewErrorResponse(msg, ManagerAgentID, "A2A manager error: "+err.Error(), security.KindManagerError.Code())
	if resp.To == "" {
		resp.To = "unknown"
	}
	if resp.ConversationID == "" {
		resp.ConversationID = uuid.NewString()
	}
	return resp
}

// =============================================================================
// DRAIN LOOP
// =============================================================================

// Start launches the drain loop, which dispatches one queued message per tick.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.drainInterval)
		defer ticker.Stop()
		m.logger.Printf("✅ Drain loop started (interval=%s)", m.drainInterval)
		for {
			select {
			case <-ticker.C:
				m.DrainOnce()
			case <-m.stopCh:
				m.logger.Printf("🛑 Drain loop stopped")
				return
			}
		}
	}()
}

func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// DrainOnce dispatches the most urgent queued message, if any, and reports
// whether one was dispatched.
func (m *Manager) DrainOnce() bool {
	msg, ok := m.sched.Dequeue()
	if !ok {
		return false
	}
	resp := m.dispatch(context.Background(), msg, "queued")
	if resp.IsError() {
		m.logger.Printf("❌ Queued message to %s failed: %v", msg.To, resp.Params["error"])
	}
	m.completions.complete(msg.ConversationID, resp)
	return true
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

// GetConversation returns the log for id, or an empty slice.
func (m *Manager) GetConversation(id string) []Entry {
	return m.conversations.get(id)
}

// Await blocks until the queued message in conversation id has been
// dispatched and returns the handler's reply. A reply that is already in
// is returned at once.
func (m *Manager) Await(ctx context.Context, id string) (*core.Message, error) {
	return m.completions.await(ctx, id)
}

type Stats struct {
	Agents        int                    `json:"agents"`
	Conversations int                    `json:"conversations"`
	Pending       int                    `json:"pending"`
	Breakers      []circuitbreaker.Stats `json:"breakers"`
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	agents := len(m.agents)
	m.mu.RUnlock()
	return Stats{
		Agents:        agents,
		Conversations: m.conversations.len(),
		Pending:       m.completions.pendingCount(),
		Breakers:      m.breakers.Stats(),
	}
}
