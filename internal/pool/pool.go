// Package pool keeps pre-warmed idle containers per language to absorb
// container-creation latency. Idle containers are owned by the pool;
// acquire transfers ownership to the caller, release transfers it back.
// Engine calls are never made while the map lock is held.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/sandboxd/sandboxd/internal/audit"
	"github.com/sandboxd/sandboxd/internal/engine"
	"github.com/sandboxd/sandboxd/internal/errdefs"
	"github.com/sandboxd/sandboxd/internal/runtime"
	"github.com/sandboxd/sandboxd/internal/security"
)

// Config tunes the pool.
type Config struct {
	MinIdlePerLanguage int
	MaxActive          int
	WarmLanguages      []string
	ProbeInterval      time.Duration
	SecurityLevel      security.Level
}

// Container is a handout: a started container the caller now owns until
// Release or destroy.
type Container struct {
	ID       string
	Language string
	Image    string
	// FromPool is false for pool misses and custom-image bypasses.
	FromPool bool
}

type entry struct {
	id         string
	language   string
	createdAt  time.Time
	lastUsedAt time.Time
	useCount   int
	healthy    bool
}

// Stats is the pool snapshot.
type Stats struct {
	Total       int            `json:"total"`
	PerLanguage map[string]int `json:"per_language"`
	Healthy     int            `json:"healthy"`
	Unhealthy   int            `json:"unhealthy"`
}

// Pool owns the idle set.
type Pool struct {
	eng   engine.Engine
	aud   *audit.Logger
	cfg   Config

	mu      sync.Mutex
	entries map[string]*entry

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a pool. Call Start to warm it and begin liveness probing.
func New(eng engine.Engine, aud *audit.Logger, cfg Config) *Pool {
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = 10
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 30 * time.Second
	}
	if cfg.SecurityLevel == "" {
		cfg.SecurityLevel = security.LevelStandard
	}
	return &Pool{
		eng:     eng,
		aud:     aud,
		cfg:     cfg,
		entries: make(map[string]*entry),
		stopCh:  make(chan struct{}),
	}
}

// Start warms the configured languages up to the idle minimum and
// launches the liveness probe. Warm-up failures are logged, not fatal.
func (p *Pool) Start(ctx context.Context) {
	for _, lang := range p.cfg.WarmLanguages {
		for i := 0; i < p.cfg.MinIdlePerLanguage; i++ {
			if err := p.addIdle(ctx, lang); err != nil {
				log.Warn().Err(err).Str("language", lang).Msg("Pool warm-up failed")
				break
			}
		}
	}

	p.wg.Add(1)
	go p.probeLoop()
}

// Acquire hands out a container for a bounded execution. A custom image
// always bypasses the pool: specialized images are warm-started by
// session, never mixed into the per-language queues.
func (p *Pool) Acquire(ctx context.Context, language, customImage string) (*Container, error) {
	if customImage != "" {
		id, err := p.createContainer(ctx, language, customImage)
		if err != nil {
			return nil, err
		}
		return &Container{ID: id, Language: language, Image: customImage}, nil
	}

	p.mu.Lock()
	var found *entry
	for _, e := range p.entries {
		if e.language == language && e.healthy {
			found = e
			break
		}
	}
	if found != nil {
		delete(p.entries, found.id)
		found.lastUsedAt = time.Now()
		found.useCount++
	}
	below := p.idleCountLocked(language) < p.cfg.MinIdlePerLanguage
	p.mu.Unlock()

	if below {
		p.backfill(language)
	}

	if found != nil {
		p.record(audit.TypePoolAcquire, language, found.id, true, "")
		return &Container{ID: found.id, Language: language, FromPool: true}, nil
	}

	// Pool miss: pay the creation cost.
	image := runtime.DefaultImage(language, false)
	if image == "" {
		return nil, errdefs.Validationf("unsupported language: %s", language)
	}
	id, err := p.createContainer(ctx, language, image)
	if err != nil {
		return nil, err
	}
	p.record(audit.TypePoolAcquire, language, id, true, "pool miss")
	return &Container{ID: id, Language: language, Image: image}, nil
}

// Release cleans a container and returns it to the idle set. The LRU
// entry is evicted first when the pool is at capacity. A failed clean
// retires the container instead of re-pooling it.
func (p *Pool) Release(ctx context.Context, c *Container) {
	p.mu.Lock()
	var lru *entry
	if len(p.entries) >= p.cfg.MaxActive {
		for _, e := range p.entries {
			if lru == nil || e.lastUsedAt.Before(lru.lastUsedAt) {
				lru = e
			}
		}
		if lru != nil {
			delete(p.entries, lru.id)
		}
	}
	p.mu.Unlock()

	if lru != nil {
		p.destroy(lru.id)
		p.record(audit.TypePoolEvict, lru.language, lru.id, true, "lru eviction")
	}

	if err := p.clean(ctx, c.ID); err != nil {
		log.Warn().Err(err).Str("container", c.ID).Msg("Cleaner failed, retiring container")
		p.destroy(c.ID)
		p.record(audit.TypePoolRelease, c.Language, c.ID, false, err.Error())
		return
	}

	now := time.Now()
	p.mu.Lock()
	p.entries[c.ID] = &entry{
		id:         c.ID,
		language:   c.Language,
		createdAt:  now,
		lastUsedAt: now,
		healthy:    true,
	}
	p.mu.Unlock()
	p.record(audit.TypePoolRelease, c.Language, c.ID, true, "")
}

// Destroy removes a handed-out container without re-pooling, used when
// the caller knows the container is unusable.
func (p *Pool) Destroy(c *Container) {
	p.destroy(c.ID)
}

// Drain stops the probe and destroys every pooled container
// concurrently, ignoring individual failures.
func (p *Pool) Drain(ctx context.Context) {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	p.mu.Lock()
	ids := make([]string, 0, len(p.entries))
	for id := range p.entries {
		ids = append(ids, id)
	}
	p.entries = make(map[string]*entry)
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := p.eng.RemoveContainer(gctx, id); err != nil {
				log.Warn().Err(err).Str("container", id).Msg("Drain: remove failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Stats snapshots the idle set. In-use is zero by construction from the
// pool's view: handed-out containers are not in the map.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Total:       len(p.entries),
		PerLanguage: make(map[string]int),
	}
	for _, e := range p.entries {
		s.PerLanguage[e.language]++
		if e.healthy {
			s.Healthy++
		} else {
			s.Unhealthy++
		}
	}
	return s
}

func (p *Pool) idleCountLocked(language string) int {
	n := 0
	for _, e := range p.entries {
		if e.language == language {
			n++
		}
	}
	return n
}

// backfill asynchronously re-warms one container for a language.
// Failure is logged and non-fatal.
func (p *Pool) backfill(language string) {
	select {
	case <-p.stopCh:
		return
	default:
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := p.addIdle(ctx, language); err != nil {
			log.Warn().Err(err).Str("language", language).Msg("Pool backfill failed")
		}
	}()
}

func (p *Pool) addIdle(ctx context.Context, language string) error {
	image := runtime.DefaultImage(language, false)
	if image == "" {
		return errdefs.Validationf("unsupported language: %s", language)
	}

	p.mu.Lock()
	full := len(p.entries) >= p.cfg.MaxActive
	p.mu.Unlock()
	if full {
		return nil
	}

	id, err := p.createContainer(ctx, language, image)
	if err != nil {
		return err
	}

	now := time.Now()
	p.mu.Lock()
	p.entries[id] = &entry{
		id:         id,
		language:   language,
		createdAt:  now,
		lastUsedAt: now,
		healthy:    true,
	}
	p.mu.Unlock()
	return nil
}

func (p *Pool) createContainer(ctx context.Context, language, image string) (string, error) {
	hardening, err := security.BuildHardening(p.cfg.SecurityLevel, language)
	if err != nil {
		return "", err
	}
	id, err := p.eng.CreateContainer(ctx, engine.ContainerSpec{
		Image:     image,
		Language:  language,
		Hardening: hardening,
	})
	if err != nil {
		return "", err
	}
	if err := p.eng.StartContainer(ctx, id); err != nil {
		_ = p.eng.RemoveContainer(context.Background(), id)
		return "", err
	}
	return id, nil
}

func (p *Pool) destroy(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := p.eng.RemoveContainer(ctx, id); err != nil {
		log.Warn().Err(err).Str("container", id).Msg("Failed to destroy container")
	}
}

func (p *Pool) probeLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.probe()
		}
	}
}

// probe runs a trivial command in every pooled container. Failures mark
// the entry unhealthy; unhealthy entries are destroyed and removed.
func (p *Pool) probe() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.entries))
	for id := range p.entries {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		res, err := p.eng.Exec(ctx, id, []string{"true"}, engine.ExecOptions{Timeout: 5 * time.Second})
		cancel()
		if err == nil && res.ExitCode == 0 {
			continue
		}

		p.mu.Lock()
		e, still := p.entries[id]
		if still {
			e.healthy = false
			delete(p.entries, id)
		}
		p.mu.Unlock()

		if still {
			log.Warn().Str("container", id).Msg("Liveness probe failed, destroying container")
			p.destroy(id)
		}
	}
}

func (p *Pool) record(eventType, language, containerID string, success bool, detail string) {
	if p.aud == nil {
		return
	}
	ev := audit.Event{
		Type:        eventType,
		Language:    language,
		ContainerID: containerID,
		Success:     success,
	}
	if detail != "" {
		ev.Details = map[string]any{"detail": detail}
	}
	if !success {
		ev.Error = detail
	}
	p.aud.Record(ev)
}
