// Package priority schedules accepted messages across five priority queues,
// charging HIGH and CRITICAL traffic against per-agent quotas and reordering
// each queue so bursty senders cannot starve quiet ones.
package priority

import (
	"errors"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentland/a2a-gateway/internal/core"
	"github.com/agentland/a2a-gateway/internal/metrics"
)

var ErrQueueFull = errors.New("priority queue is full")

// ManagerAgentID gets the largest default quota.
const ManagerAgentID = "a2a-manager"

const fairnessRecentWait = 60 * time.Second

// Config holds the scheduler settings. Zero values take the defaults.
type Config struct {
	MaxQueueSize         int           // per priority, default 1000
	FairnessInterval     time.Duration // default 60s
	QuotaRefreshInterval time.Duration // default 1h
	DisableFairness      bool

	DefaultHighQuota     int // default 10
	DefaultCriticalQuota int // default 2

	// QuotaIdleEviction drops quota entries of agents with nothing queued and
	// no traffic for this long. Operator-set quotas are never evicted.
	// Default 24h; negative disables eviction.
	QuotaIdleEviction time.Duration

	Metrics *metrics.Metrics
}

// QueuedMessage wraps a message while it waits in a queue.
type QueuedMessage struct {
	Message       *core.Message
	EnqueuedAt    time.Time
	Attempts      int
	FairnessScore float64
}

// AgentQuota is the per-period HIGH/CRITICAL budget of one agent.
type AgentQuota struct {
	AgentID                string    `json:"agentId"`
	HighPriorityQuota      int       `json:"highPriorityQuota"`
	CriticalPriorityQuota  int       `json:"criticalPriorityQuota"`
	HighPriorityUsed       int       `json:"highPriorityUsed"`
	CriticalPriorityUsed   int       `json:"criticalPriorityUsed"`
	LastResetTime          time.Time `json:"lastResetTime"`
	TotalMessagesProcessed int       `json:"totalMessagesProcessed"`
	FairnessScore          float64   `json:"fairnessScore"`

	lastSeen time.Time
	pinned   bool
}

// Placement tells where an accepted message was queued.
type Placement struct {
	Priority   core.Priority
	Downgraded bool
}

// Manager owns the queues and quotas. One mutex guards both, so enqueue,
// dequeue, fairness passes and quota refreshes never interleave.
type Manager struct {
	cfg Config

	mu     sync.Mutex
	queues map[core.Priority][]*QueuedMessage
	quotas map[string]*AgentQuota

	now     func() time.Time
	metrics *metrics.Metrics
	logger  *log.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewManager(cfg Config) *Manager {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 1000
	}
	if cfg.FairnessInterval <= 0 {
		cfg.FairnessInterval = time.Minute
	}
	if cfg.QuotaRefreshInterval <= 0 {
		cfg.QuotaRefreshInterval = time.Hour
	}
	if cfg.DefaultHighQuota <= 0 {
		cfg.DefaultHighQuota = 10
	}
	if cfg.DefaultCriticalQuota <= 0 {
		cfg.DefaultCriticalQuota = 2
	}
	if cfg.QuotaIdleEviction == 0 {
		cfg.QuotaIdleEviction = 24 * time.Hour
	}

	m := &Manager{
		cfg:     cfg,
		queues:  make(map[core.Priority][]*QueuedMessage, len(core.Priorities)),
		quotas:  make(map[string]*AgentQuota),
		now:     time.Now,
		metrics: cfg.Metrics,
		logger:  log.New(log.Writer(), "[PRIORITY] ", log.LstdFlags),
		stopCh:  make(chan struct{}),
	}
	for _, p := range core.Priorities {
		m.queues[p] = nil
	}
	return m
}

// Start launches the fairness and quota refresh loops.
func (m *Manager) Start() {
	if !m.cfg.DisableFairness {
		m.wg.Add(1)
		go m.loop(m.cfg.FairnessInterval, m.AdjustFairness)
	}
	m.wg.Add(1)
	go m.loop(m.cfg.QuotaRefreshInterval, m.RefreshQuotas)
	m.logger.Printf("Started (max_queue=%d, fairness=%s, quota_refresh=%s)",
		m.cfg.MaxQueueSize, m.cfg.FairnessInterval, m.cfg.QuotaRefreshInterval)
}

// Stop ends the background loops. Queued messages stay in place.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Manager) loop(interval time.Duration, fn func()) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn()
		case <-m.stopCh:
			return
		}
	}
}

// defaultQuota picks the starting budget from the agent id.
func (m *Manager) defaultQuota(agentID string) (high, critical int) {
	switch {
	case agentID == ManagerAgentID:
		return 100, 20
	case strings.HasPrefix(agentID, "system."):
		return 50, 10
	case strings.HasPrefix(agentID, "user."):
		return 5, 1
	}
	return m.cfg.DefaultHighQuota, m.cfg.DefaultCriticalQuota
}

// quotaLocked returns the agent's quota, creating it on first use.
func (m *Manager) quotaLocked(agentID string) *AgentQuota {
	q, ok := m.quotas[agentID]
	if !ok {
		high, critical := m.defaultQuota(agentID)
		now := m.now()
		q = &AgentQuota{
			AgentID:               agentID,
			HighPriorityQuota:     high,
			CriticalPriorityQuota: critical,
			LastResetTime:         now,
			lastSeen:              now,
		}
		m.quotas[agentID] = q
	}
	return q
}

// Enqueue places msg in the queue for its priority (NORMAL when unset).
// Exhausted HIGH quota downgrades to NORMAL without a charge; exhausted
// CRITICAL quota downgrades to HIGH and is charged there. ErrQueueFull is
// returned when the chosen queue has no room.
func (m *Manager) Enqueue(msg *core.Message) (Placement, error) {
	prio := msg.Priority
	if !prio.Valid() {
		prio = core.PriorityNormal
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queues[prio]) >= m.cfg.MaxQueueSize {
		m.logger.Printf("⚠️ Queue for priority %s is full", prio)
		m.metrics.RecordEnqueueRejected(prio.String())
		return Placement{}, ErrQueueFull
	}

	if prio.Queued() {
		q := m.quotaLocked(msg.From)
		q.lastSeen = m.now()

		switch {
		case prio == core.PriorityHigh && q.HighPriorityUsed >= q.HighPriorityQuota:
			m.logger.Printf("Agent %s has exhausted high priority quota", msg.From)
			return m.downgradeLocked(msg, prio, core.PriorityNormal, nil)
		case prio == core.PriorityCritical && q.CriticalPriorityUsed >= q.CriticalPriorityQuota:
			m.logger.Printf("Agent %s has exhausted critical priority quota", msg.From)
			return m.downgradeLocked(msg, prio, core.PriorityHigh, &q.HighPriorityUsed)
		case prio == core.PriorityHigh:
			q.HighPriorityUsed++
		default:
			q.CriticalPriorityUsed++
		}
	}

	if msg.Priority != prio {
		msg = msg.Clone()
		msg.Priority = prio
	}
	m.pushLocked(prio, msg)
	return Placement{Priority: prio}, nil
}

func (m *Manager) downgradeLocked(msg *core.Message, from, to core.Priority, charge *int) (Placement, error) {
	if len(m.queues[to]) >= m.cfg.MaxQueueSize {
		m.metrics.RecordEnqueueRejected(to.String())
		return Placement{}, ErrQueueFull
	}
	if charge != nil {
		*charge++
	}
	down := msg.Clone()
	down.Priority = to
	m.pushLocked(to, down)
	m.metrics.RecordDowngrade(from.String(), to.String())
	m.logger.Printf("Downgraded %s message from %s to %s", from, msg.From, to)
	return Placement{Priority: to, Downgraded: true}, nil
}

func (m *Manager) pushLocked(p core.Priority, msg *core.Message) {
	m.queues[p] = append(m.queues[p], &QueuedMessage{Message: msg, EnqueuedAt: m.now()})
	m.metrics.SetQueueDepth(p.String(), len(m.queues[p]))
}

// Dequeue removes the head of the most urgent non-empty queue.
func (m *Manager) Dequeue() (*core.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range core.Priorities {
		queue := m.queues[p]
		if len(queue) == 0 {
			continue
		}
		head := queue[0]
		queue[0] = nil
		m.queues[p] = queue[1:]
		m.metrics.SetQueueDepth(p.String(), len(m.queues[p]))

		q := m.quotaLocked(head.Message.From)
		q.TotalMessagesProcessed++
		q.lastSeen = m.now()
		return head.Message, true
	}
	return nil, false
}

// QueueCounts returns the length of every queue.
func (m *Manager) QueueCounts() map[core.Priority]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[core.Priority]int, len(m.queues))
	for p, q := range m.queues {
		counts[p] = len(q)
	}
	return counts
}

// QueueCount returns the number of messages waiting across all queues.
func (m *Manager) QueueCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, q := range m.queues {
		total += len(q)
	}
	return total
}

// SetAgentQuota overrides the agent's budget. The used counters are kept.
func (m *Manager) SetAgentQuota(agentID string, high, critical int) {
	m.mu.Lock()
	q := m.quotaLocked(agentID)
	q.HighPriorityQuota = high
	q.CriticalPriorityQuota = critical
	q.pinned = true
	m.mu.Unlock()
	m.logger.Printf("Quota set for agent %s (high=%d, critical=%d)", agentID, high, critical)
}

// Quota returns a copy of the agent's quota.
func (m *Manager) Quota(agentID string) (AgentQuota, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotas[agentID]
	if !ok {
		return AgentQuota{}, false
	}
	return *q, true
}

// AdjustFairness rescores and reorders every non-empty queue. An agent's
// score is 0.7 x its share of the queue + 0.2 x its lifetime processed
// count + 0.1 if any of its waiting messages is younger than a minute.
// Lower scores go first; ties keep enqueue order.
func (m *Manager) AdjustFairness() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, queue := range m.queues {
		if len(queue) == 0 {
			continue
		}

		byAgent := make(map[string][]*QueuedMessage)
		for _, qm := range queue {
			byAgent[qm.Message.From] = append(byAgent[qm.Message.From], qm)
		}

		for agentID, msgs := range byAgent {
			quota := m.quotaLocked(agentID)
			share := float64(len(msgs)) / float64(len(queue))
			recent := 0.0
			for _, qm := range msgs {
				if now.Sub(qm.EnqueuedAt) < fairnessRecentWait {
					recent = 0.1
					break
				}
			}
			quota.FairnessScore = share*0.7 + float64(quota.TotalMessagesProcessed)*0.2 + recent
			for _, qm := range msgs {
				qm.FairnessScore = quota.FairnessScore
			}
		}

		sort.SliceStable(queue, func(i, j int) bool {
			if queue[i].FairnessScore != queue[j].FairnessScore {
				return queue[i].FairnessScore < queue[j].FairnessScore
			}
			return queue[i].EnqueuedAt.Before(queue[j].EnqueuedAt)
		})
	}
}

// RefreshQuotas resets the used counters of every agent whose period has
// elapsed, and evicts idle unpinned entries.
func (m *Manager) RefreshQuotas() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	queued := make(map[string]bool)
	for _, queue := range m.queues {
		for _, qm := range queue {
			queued[qm.Message.From] = true
		}
	}

	refreshed, evicted := 0, 0
	for agentID, q := range m.quotas {
		if m.cfg.QuotaIdleEviction > 0 && !q.pinned && !queued[agentID] &&
			now.Sub(q.lastSeen) >= m.cfg.QuotaIdleEviction {
			delete(m.quotas, agentID)
			evicted++
			continue
		}
		if now.Sub(q.LastResetTime) >= m.cfg.QuotaRefreshInterval {
			q.HighPriorityUsed = 0
			q.CriticalPriorityUsed = 0
			q.LastResetTime = now
			refreshed++
		}
	}
	if refreshed > 0 || evicted > 0 {
		m.logger.Printf("Quota refresh: %d reset, %d evicted", refreshed, evicted)
	}
}

// AgentStats is the per-agent part of Stats.
type AgentStats struct {
	HighPriorityQuota      int `json:"highPriorityQuota"`
	CriticalPriorityQuota  int `json:"criticalPriorityQuota"`
	HighPriorityUsed       int `json:"highPriorityUsed"`
	CriticalPriorityUsed   int `json:"criticalPriorityUsed"`
	TotalMessagesProcessed int `json:"totalMessagesProcessed"`
}

// Stats is a snapshot of queue lengths and quota usage.
type Stats struct {
	TotalMessages    int                   `json:"totalMessages"`
	QueuesByPriority map[string]int        `json:"queuesByPriority"`
	AgentStats       map[string]AgentStats `json:"agentStats"`
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		QueuesByPriority: make(map[string]int, len(m.queues)),
		AgentStats:       make(map[string]AgentStats, len(m.quotas)),
	}
	for p, q := range m.queues {
		s.QueuesByPriority[p.String()] = len(q)
		s.TotalMessages += len(q)
	}
	for id, q := range m.quotas {
		s.AgentStats[id] = AgentStats{
			HighPriorityQuota:      q.HighPriorityQuota,
			CriticalPriorityQuota:  q.CriticalPriorityQuota,
			HighPriorityUsed:       q.HighPriorityUsed,
			CriticalPriorityUsed:   q.CriticalPriorityUsed,
			TotalMessagesProcessed: q.TotalMessagesProcessed,
		}
	}
	return s
}
