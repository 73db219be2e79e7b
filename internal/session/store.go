// Package session owns long-lived named containers with TTL-based
// expiration. A session exclusively owns its container for the whole
// lifetime; session containers are never pooled. Engine calls run
// outside the store lock.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/sandboxd/sandboxd/internal/audit"
	"github.com/sandboxd/sandboxd/internal/engine"
	"github.com/sandboxd/sandboxd/internal/errdefs"
	"github.com/sandboxd/sandboxd/internal/runtime"
	"github.com/sandboxd/sandboxd/internal/security"
)

// State of a session's container.
type State string

const (
	StateActive  State = "active"
	StatePaused  State = "paused"
	StateStopped State = "stopped"
)

// Session is a named, long-lived container.
type Session struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Language    string     `json:"language"`
	ContainerID string     `json:"container_id"`
	State       State      `json:"state"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsedAt  time.Time  `json:"last_used_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`

	// Metadata accumulated over the session's lifetime.
	InstalledPackages []string          `json:"installed_packages,omitempty"`
	Env               map[string]string `json:"env,omitempty"`
	GPU               bool              `json:"gpu,omitempty"`
	ML                bool              `json:"ml,omitempty"`
}

// CreateConfig parameterizes session creation.
type CreateConfig struct {
	Language string
	ML       bool
	MemoryMB int64
	CPUCores float64
	Env      map[string]string
	GPU      bool
	TTL      time.Duration
}

// Config tunes the store.
type Config struct {
	JanitorInterval time.Duration
	SecurityLevel   security.Level
}

// Stats is the store snapshot.
type Stats struct {
	Total      int            `json:"total"`
	ByState    map[string]int `json:"by_state"`
	ByLanguage map[string]int `json:"by_language"`
}

// Store owns the id and name indexes.
type Store struct {
	eng engine.Engine
	aud *audit.Logger
	cfg Config

	mu     sync.Mutex
	byID   map[string]*Session
	byName map[string]string

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a store and starts the janitor.
func New(eng engine.Engine, aud *audit.Logger, cfg Config) *Store {
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = 30 * time.Second
	}
	if cfg.SecurityLevel == "" {
		cfg.SecurityLevel = security.LevelStandard
	}
	s := &Store{
		eng:    eng,
		aud:    aud,
		cfg:    cfg,
		byID:   make(map[string]*Session),
		byName: make(map[string]string),
		stopCh: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.janitorLoop()
	return s
}

// Create registers a new named session and starts its container.
func (s *Store) Create(ctx context.Context, name string, cfg CreateConfig) (*Session, error) {
	if name == "" {
		return nil, errdefs.Validationf("session name is required")
	}

	s.mu.Lock()
	if _, taken := s.byName[name]; taken {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: session %q", errdefs.ErrAlreadyExists, name)
	}
	// Reserve the name before the (slow) container create so a
	// concurrent Create with the same name fails fast.
	s.byName[name] = ""
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		if id, ok := s.byName[name]; ok && id == "" {
			delete(s.byName, name)
		}
		s.mu.Unlock()
	}

	image := runtime.DefaultImage(cfg.Language, cfg.ML)
	if image == "" {
		release()
		return nil, errdefs.Validationf("unsupported language: %s", cfg.Language)
	}

	hardening, err := security.BuildHardening(s.cfg.SecurityLevel, runtime.Normalize(cfg.Language))
	if err != nil {
		release()
		return nil, err
	}

	containerID, err := s.eng.CreateContainer(ctx, engine.ContainerSpec{
		Image:     image,
		Language:  runtime.Normalize(cfg.Language),
		MemoryMB:  cfg.MemoryMB,
		CPUCores:  cfg.CPUCores,
		Env:       cfg.Env,
		GPU:       cfg.GPU,
		Hardening: hardening,
	})
	if err != nil {
		release()
		return nil, err
	}
	if err := s.eng.StartContainer(ctx, containerID); err != nil {
		_ = s.eng.RemoveContainer(context.Background(), containerID)
		release()
		return nil, err
	}

	now := time.Now()
	sess := &Session{
		ID:          uuid.New().String(),
		Name:        name,
		Language:    runtime.Normalize(cfg.Language),
		ContainerID: containerID,
		State:       StateActive,
		CreatedAt:   now,
		LastUsedAt:  now,
		Env:         cfg.Env,
		GPU:         cfg.GPU,
		ML:          cfg.ML,
	}
	if cfg.TTL > 0 {
		exp := now.Add(cfg.TTL)
		sess.ExpiresAt = &exp
	}

	s.mu.Lock()
	s.byID[sess.ID] = sess
	s.byName[name] = sess.ID
	s.mu.Unlock()

	s.record(audit.TypeSessionCreate, sess, true, "")
	return sess, nil
}

// Get resolves a session by name or id, refreshing lastUsedAt on a hit.
// A miss returns nil, never an error.
func (s *Store) Get(nameOrID string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.lookupLocked(nameOrID)
	if sess != nil {
		sess.LastUsedAt = time.Now()
	}
	return sess
}

func (s *Store) lookupLocked(nameOrID string) *Session {
	if sess, ok := s.byID[nameOrID]; ok {
		return sess
	}
	if id, ok := s.byName[nameOrID]; ok && id != "" {
		return s.byID[id]
	}
	return nil
}

// List snapshots every session.
func (s *Store) List() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.byID))
	for _, sess := range s.byID {
		copied := *sess
		out = append(out, &copied)
	}
	return out
}

// Pause transitions active → paused; already-paused is a no-op.
func (s *Store) Pause(ctx context.Context, nameOrID string) error {
	s.mu.Lock()
	sess := s.lookupLocked(nameOrID)
	if sess == nil {
		s.mu.Unlock()
		return errdefs.ErrNotFound
	}
	if sess.State == StatePaused {
		s.mu.Unlock()
		return nil
	}
	containerID := sess.ContainerID
	s.mu.Unlock()

	if err := s.eng.PauseContainer(ctx, containerID); err != nil {
		return err
	}

	s.mu.Lock()
	if sess := s.lookupLocked(nameOrID); sess != nil {
		sess.State = StatePaused
	}
	s.mu.Unlock()
	return nil
}

// Resume transitions paused → active, refreshing lastUsedAt; not-paused
// is a no-op.
func (s *Store) Resume(ctx context.Context, nameOrID string) error {
	s.mu.Lock()
	sess := s.lookupLocked(nameOrID)
	if sess == nil {
		s.mu.Unlock()
		return errdefs.ErrNotFound
	}
	if sess.State != StatePaused {
		s.mu.Unlock()
		return nil
	}
	containerID := sess.ContainerID
	s.mu.Unlock()

	if err := s.eng.UnpauseContainer(ctx, containerID); err != nil {
		return err
	}

	s.mu.Lock()
	if sess := s.lookupLocked(nameOrID); sess != nil {
		sess.State = StateActive
		sess.LastUsedAt = time.Now()
	}
	s.mu.Unlock()
	return nil
}

// Extend pushes the expiry out by delta; an unset expiry becomes
// now+delta.
func (s *Store) Extend(nameOrID string, delta time.Duration) error {
	if delta <= 0 {
		return errdefs.Validationf("ttl extension must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.lookupLocked(nameOrID)
	if sess == nil {
		return errdefs.ErrNotFound
	}
	if sess.ExpiresAt == nil {
		exp := time.Now().Add(delta)
		sess.ExpiresAt = &exp
	} else {
		exp := sess.ExpiresAt.Add(delta)
		sess.ExpiresAt = &exp
	}
	return nil
}

// AddPackages records installed packages in session metadata.
func (s *Store) AddPackages(nameOrID string, packages []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess := s.lookupLocked(nameOrID); sess != nil {
		sess.InstalledPackages = append(sess.InstalledPackages, packages...)
	}
}

// Destroy stops and removes the session's container and drops it from
// both maps. Racing with the janitor is safe: already gone is success.
func (s *Store) Destroy(ctx context.Context, nameOrID string) error {
	return s.destroy(ctx, nameOrID, "requested")
}

func (s *Store) destroy(ctx context.Context, nameOrID, reason string) error {
	s.mu.Lock()
	sess := s.lookupLocked(nameOrID)
	if sess == nil {
		s.mu.Unlock()
		return nil
	}
	delete(s.byID, sess.ID)
	delete(s.byName, sess.Name)
	s.mu.Unlock()

	if err := s.eng.StopContainer(ctx, sess.ContainerID); err != nil {
		log.Warn().Err(err).Str("session", sess.Name).Msg("Session stop failed")
	}
	if err := s.eng.RemoveContainer(ctx, sess.ContainerID); err != nil {
		s.record(audit.TypeSessionDestroy, sess, false, err.Error())
		return err
	}

	s.recordDetail(audit.TypeSessionDestroy, sess, true, map[string]any{"reason": reason})
	return nil
}

// Stats snapshots the store.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Total:      len(s.byID),
		ByState:    make(map[string]int),
		ByLanguage: make(map[string]int),
	}
	for _, sess := range s.byID {
		st.ByState[string(sess.State)]++
		st.ByLanguage[sess.Language]++
	}
	return st
}

// Shutdown stops the janitor and destroys every session concurrently.
func (s *Store) Shutdown(ctx context.Context) {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()

	s.mu.Lock()
	ids := make([]string, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := s.destroy(gctx, id, "shutdown"); err != nil {
				log.Warn().Err(err).Str("session", id).Msg("Shutdown: destroy failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Store) janitorLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.reap()
		}
	}
}

// reap destroys every expired session, swallowing per-session failures
// into the audit log and continuing with the remainder.
func (s *Store) reap() {
	now := time.Now()
	s.mu.Lock()
	var expired []string
	for id, sess := range s.byID {
		if sess.ExpiresAt != nil && !sess.ExpiresAt.After(now) {
			expired = append(expired, id)
		}
	}
	s.mu.Unlock()

	for _, id := range expired {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := s.destroy(ctx, id, "ttl expired"); err != nil {
			log.Warn().Err(err).Str("session", id).Msg("Janitor: destroy failed")
		}
		cancel()
	}
}

func (s *Store) record(eventType string, sess *Session, success bool, errMsg string) {
	if s.aud == nil {
		return
	}
	s.aud.Record(audit.Event{
		Type:        eventType,
		Language:    sess.Language,
		SessionID:   sess.ID,
		ContainerID: sess.ContainerID,
		Success:     success,
		Error:       errMsg,
		Details:     map[string]any{"name": sess.Name},
	})
}

func (s *Store) recordDetail(eventType string, sess *Session, success bool, details map[string]any) {
	if s.aud == nil {
		return
	}
	details["name"] = sess.Name
	s.aud.Record(audit.Event{
		Type:        eventType,
		Language:    sess.Language,
		SessionID:   sess.ID,
		ContainerID: sess.ContainerID,
		Success:     success,
		Details:     details,
	})
}
