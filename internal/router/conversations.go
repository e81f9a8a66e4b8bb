package router

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/agentland/a2a-gateway/internal/core"
)

// Entry is one message in a conversation log.
type Entry struct {
	Timestamp time.Time     `json:"timestamp"`
	Message   *core.Message `json:"message"`
}

// conversationStore keeps append-only logs for the most recently active
// conversations. A log is dropped when it falls out of the LRU or has not
// been appended to for the TTL.
type conversationStore struct {
	mu   sync.Mutex
	logs *expirable.LRU[string, []Entry]
	now  func() time.Time
}

func newConversationStore(size int, ttl time.Duration) *conversationStore {
	return &conversationStore{
		logs: expirable.NewLRU[string, []Entry](size, nil, ttl),
		now:  time.Now,
	}
}

// append stores msg without its credentials.
func (s *conversationStore) append(msg *core.Message) {
	if msg == nil || msg.ConversationID == "" {
		return
	}
	stored := msg.Clone()
	stored.Credentials = nil

	s.mu.Lock()
	defer s.mu.Unlock()
	log, _ := s.logs.Get(msg.ConversationID)
	// copy so readers holding the previous slice never see it change
	next := make([]Entry, len(log), len(log)+1)
	copy(next, log)
	next = append(next, Entry{Timestamp: s.now(), Message: stored})
	s.logs.Add(msg.ConversationID, next)
}

func (s *conversationStore) get(id string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.logs.Get(id)
	if !ok {
		return []Entry{}
	}
	return log
}

func (s *conversationStore) len() int {
	return s.logs.Len()
}
