package ptypool

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/oxvale/drover/internal/agent"
	"github.com/oxvale/drover/internal/logger"
	"github.com/oxvale/drover/internal/metrics"
	"github.com/oxvale/drover/internal/registry"
)

var ErrPoolExhausted = errors.New("session pool exhausted and no idle session is evictable")

var sweepParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// PoolConfig sizes the pool and schedules its background sweep. A
// non-nil Registry makes in-flight sends cancellable by execution id
// and owner key alongside the one-shot executors.
type PoolConfig struct {
	MaxSessions int
	IdleTimeout time.Duration
	SweepSpec   string
	Registry    *registry.Registry
}

// Pool keeps at most MaxSessions live interactive sessions keyed by
// owner. A request for an owner with a live session reuses it; at
// capacity the least-recently-active idle session is evicted to make
// room, and with nothing evictable the request fails fast.
type Pool struct {
	cfg PoolConfig

	mu       sync.Mutex
	sessions map[string]*Session

	cron     *cron.Cron
	cronOnce sync.Once

	// swapped in tests
	newSession func(owner string, cfg SessionConfig) (*Session, error)
}

func NewPool(cfg PoolConfig) *Pool {
	if cfg.MaxSessions == 0 {
		cfg.MaxSessions = 10
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.SweepSpec == "" {
		cfg.SweepSpec = "* * * * *"
	}
	return &Pool{
		cfg:        cfg,
		sessions:   make(map[string]*Session),
		newSession: startSession,
	}
}

// GetOrCreate returns the live session for ownerKey, spawning one if
// needed. Returns ErrPoolExhausted when the pool is full and no idle
// session can be evicted.
func (p *Pool) GetOrCreate(ownerKey string, cfg SessionConfig) (*Session, error) {
	p.mu.Lock()

	if s, ok := p.sessions[ownerKey]; ok {
		if s.Alive() && s.State() != StateStopping && s.State() != StateStopped {
			p.mu.Unlock()
			return s, nil
		}
		delete(p.sessions, ownerKey)
		metrics.RecordPTYStop()
	}

	if len(p.sessions) >= p.cfg.MaxSessions {
		victim := p.lruIdleLocked()
		if victim == "" {
			p.mu.Unlock()
			return nil, ErrPoolExhausted
		}
		evicted := p.sessions[victim]
		delete(p.sessions, victim)
		p.mu.Unlock()

		logger.Info("evicting idle session for %s to admit %s", victim, ownerKey)
		metrics.RecordPTYEviction()
		evicted.Terminate()
	} else {
		p.mu.Unlock()
	}

	s, err := p.newSession(ownerKey, cfg)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.sessions[ownerKey]; ok && existing.Alive() {
		// Lost a race to a concurrent caller for the same owner
		go s.Terminate()
		return existing, nil
	}
	// Concurrent callers for other owners may have filled the pool
	// while the lock was dropped for the spawn.
	for len(p.sessions) >= p.cfg.MaxSessions {
		victim := p.lruIdleLocked()
		if victim == "" {
			go s.Terminate()
			return nil, ErrPoolExhausted
		}
		evicted := p.sessions[victim]
		delete(p.sessions, victim)
		logger.Info("evicting idle session for %s to admit %s", victim, ownerKey)
		metrics.RecordPTYEviction()
		go evicted.Terminate()
	}
	p.sessions[ownerKey] = s
	metrics.RecordPTYStart()
	return s, nil
}

// lruIdleLocked picks the idle session with the oldest activity.
func (p *Pool) lruIdleLocked() string {
	victim := ""
	var oldest time.Time
	for key, s := range p.sessions {
		if s.State() != StateIdle {
			continue
		}
		if at := s.LastActivity(); victim == "" || at.Before(oldest) {
			victim = key
			oldest = at
		}
	}
	return victim
}

// Send routes one prompt through the owner's session, creating it on
// first use. The session is registered for cancellation under execID
// while the call is in flight.
func (p *Pool) Send(ctx context.Context, execID, ownerKey, prompt string, cfg SessionConfig, onMessage agent.MessageFunc) (*agent.ExecutionResult, error) {
	s, err := p.GetOrCreate(ownerKey, cfg)
	if err != nil {
		return nil, err
	}
	if p.cfg.Registry != nil && execID != "" {
		if err := p.cfg.Registry.Register(execID, ownerKey, s); err != nil {
			return nil, err
		}
		defer p.cfg.Registry.Deregister(execID)
	}
	return s.Send(ctx, prompt, onMessage)
}

// Interrupt sends an interrupt to the owner's session if one is live.
func (p *Pool) Interrupt(ownerKey string) bool {
	p.mu.Lock()
	s, ok := p.sessions[ownerKey]
	p.mu.Unlock()
	if !ok {
		return false
	}
	s.Interrupt()
	return true
}

// InterruptByPrefix interrupts every session whose owner key starts
// with prefix without tearing them down. Returns the count reached.
func (p *Pool) InterruptByPrefix(prefix string) int {
	p.mu.Lock()
	var targets []*Session
	for key, s := range p.sessions {
		if strings.HasPrefix(key, prefix) {
			targets = append(targets, s)
		}
	}
	p.mu.Unlock()

	for _, s := range targets {
		s.Interrupt()
	}
	return len(targets)
}

// Remove stops and drops the owner's session.
func (p *Pool) Remove(ownerKey string) bool {
	p.mu.Lock()
	s, ok := p.sessions[ownerKey]
	if ok {
		delete(p.sessions, ownerKey)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	metrics.RecordPTYStop()
	s.Terminate()
	return true
}

// RemoveByOwnerPrefix bulk-stops every session under a conversation
// prefix. Returns the number removed.
func (p *Pool) RemoveByOwnerPrefix(prefix string) int {
	p.mu.Lock()
	victims := make(map[string]*Session)
	for key, s := range p.sessions {
		if strings.HasPrefix(key, prefix) {
			victims[key] = s
			delete(p.sessions, key)
		}
	}
	p.mu.Unlock()

	for key, s := range victims {
		logger.Info("removing session for %s", key)
		metrics.RecordPTYStop()
		s.Terminate()
	}
	return len(victims)
}

// StartSweeper schedules the background sweep that removes dead
// sessions and evicts idle ones past the idle timeout.
func (p *Pool) StartSweeper() error {
	var err error
	p.cronOnce.Do(func() {
		p.cron = cron.New(cron.WithParser(sweepParser))
		if _, addErr := p.cron.AddFunc(p.cfg.SweepSpec, p.Sweep); addErr != nil {
			err = addErr
			p.cron = nil
			return
		}
		p.cron.Start()
		logger.Info("session sweeper started (spec %q, idle timeout %s)", p.cfg.SweepSpec, p.cfg.IdleTimeout)
	})
	return err
}

func (p *Pool) StopSweeper() {
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	p.mu.Unlock()
	if c != nil {
		c.Stop()
	}
}

// Sweep removes sessions whose process died and terminates idle
// sessions past the idle timeout.
func (p *Pool) Sweep() {
	p.mu.Lock()
	dead := make(map[string]*Session)
	stale := make(map[string]*Session)
	for key, s := range p.sessions {
		switch {
		case !s.Alive():
			dead[key] = s
			delete(p.sessions, key)
		case s.State() == StateIdle && time.Since(s.LastActivity()) > p.cfg.IdleTimeout:
			stale[key] = s
			delete(p.sessions, key)
		}
	}
	p.mu.Unlock()

	for key, s := range dead {
		logger.Warn("sweeping dead session for %s", key)
		metrics.RecordPTYStop()
		s.Terminate()
	}
	for key, s := range stale {
		logger.Info("sweeping idle session for %s (idle %ds)", key, s.Info().IdleSeconds)
		metrics.RecordPTYEviction()
		s.Terminate()
	}
}

// Info returns a snapshot of the owner's session, or nil.
func (p *Pool) Info(ownerKey string) *SessionInfo {
	p.mu.Lock()
	s, ok := p.sessions[ownerKey]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	info := s.Info()
	return &info
}

// InfoAll returns snapshots of every pooled session, ordered by owner.
func (p *Pool) InfoAll() []SessionInfo {
	p.mu.Lock()
	infos := make([]SessionInfo, 0, len(p.sessions))
	for _, s := range p.sessions {
		infos = append(infos, s.Info())
	}
	p.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].OwnerKey < infos[j].OwnerKey })
	return infos
}

// Count returns the number of pooled sessions.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Shutdown stops the sweeper and terminates every session.
func (p *Pool) Shutdown() {
	p.StopSweeper()

	p.mu.Lock()
	victims := make([]*Session, 0, len(p.sessions))
	for key, s := range p.sessions {
		victims = append(victims, s)
		delete(p.sessions, key)
	}
	p.mu.Unlock()

	for _, s := range victims {
		metrics.RecordPTYStop()
		s.Terminate()
	}
}
