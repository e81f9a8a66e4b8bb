package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/agentland/a2a-gateway/internal/core"
)

// ErrUnknownConversation means nothing is queued or recently completed for
// the conversation.
var ErrUnknownConversation = errors.New("no queued message for conversation")

type waiter struct {
	done chan struct{}
	resp *core.Message
}

// completions lets callers of queued messages collect the final response.
type completions struct {
	mu      sync.Mutex
	pending map[string]*waiter
	results *expirable.LRU[string, *core.Message]
}

func newCompletions(size int, ttl time.Duration) *completions {
	return &completions{
		pending: make(map[string]*waiter),
		results: expirable.NewLRU[string, *core.Message](size, nil, ttl),
	}
}

// expect registers interest in the next completion of convID. A second
// queued message in the same conversation shares the waiter.
func (c *completions) expect(convID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[convID]; !ok {
		c.pending[convID] = &waiter{done: make(chan struct{})}
	}
}

func (c *completions) cancel(convID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.pending[convID]; ok {
		delete(c.pending, convID)
		close(w.done)
	}
}

func (c *completions) complete(convID string, resp *core.Message) {
	c.mu.Lock()
	w := c.pending[convID]
	delete(c.pending, convID)
	c.results.Add(convID, resp)
	c.mu.Unlock()

	if w != nil {
		w.resp = resp
		close(w.done)
	}
}

func (c *completions) await(ctx context.Context, convID string) (*core.Message, error) {
	c.mu.Lock()
	w, pending := c.pending[convID]
	if !pending {
		resp, ok := c.results.Get(convID)
		c.mu.Unlock()
		if !ok {
			return nil, ErrUnknownConversation
		}
		return resp, nil
	}
	c.mu.Unlock()

	select {
	case <-w.done:
		if w.resp == nil {
			return nil, ErrUnknownConversation
		}
		return w.resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *completions) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
