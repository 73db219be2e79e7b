// Package cache commits a container's state to an image keyed by the
// content hash of (language, sorted package list), so repeat installs
// of the same set are answered from the image store.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sandboxd/sandboxd/internal/engine"
	"github.com/sandboxd/sandboxd/internal/runtime"
)

// TagPrefix namespaces every cache image.
const TagPrefix = "sandbox-"

// keyPrefixLen is how much of the hex key lands in the image tag.
const keyPrefixLen = 12

// Config tunes pruning.
type Config struct {
	// KeepPerLanguage is the number of most recent images retained by
	// Prune for each language.
	KeepPerLanguage int
	// MaxSizeGB is an advisory ceiling; Prune logs when the cache
	// exceeds it.
	MaxSizeGB float64
}

// Stats is the cache snapshot.
type Stats struct {
	TotalLayers int     `json:"total_layers"`
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	SizeBytes   int64   `json:"size_bytes"`
}

// Cache counts hits and misses; the image store itself lives in the
// engine.
type Cache struct {
	eng engine.Engine
	cfg Config

	mu     sync.Mutex
	hits   int64
	misses int64
}

func New(eng engine.Engine, cfg Config) *Cache {
	if cfg.KeepPerLanguage <= 0 {
		cfg.KeepPerLanguage = 5
	}
	return &Cache{eng: eng, cfg: cfg}
}

// Key computes sha256(language || canonical sorted packages JSON).
func Key(language string, packages []string) string {
	sorted := append([]string(nil), packages...)
	sort.Strings(sorted)
	canonical, _ := json.Marshal(sorted)
	sum := sha256.Sum256(append([]byte(language), canonical...))
	return hex.EncodeToString(sum[:])
}

// Tag derives the image reference for a cache key.
func Tag(language, key string) string {
	return fmt.Sprintf("%s%s:%s", TagPrefix, language, key[:keyPrefixLen])
}

// Install answers from the image store when the derived tag exists;
// otherwise it delegates the real install to the runtime adapter and
// commits the container under the tag.
//
// A hit does NOT mutate the caller's container: the result conveys that
// the package set is known to the cache. Callers that need the packages
// present in this specific container must realize that via the image
// system separately.
func (c *Cache) Install(ctx context.Context, rt *runtime.Runtime, containerID string, packages []string) (*runtime.InstallResult, error) {
	start := time.Now()
	key := Key(rt.Language, packages)
	tag := Tag(rt.Language, key)

	exists, err := c.tagExists(ctx, tag)
	if err != nil {
		return nil, err
	}
	if exists {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		return &runtime.InstallResult{
			Success:           true,
			Cached:            true,
			Duration:          time.Since(start),
			InstalledPackages: packages,
		}, nil
	}

	c.mu.Lock()
	c.misses++
	c.mu.Unlock()

	res, err := rt.InstallPackages(ctx, c.eng, containerID, packages)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return res, nil
	}

	// Serialize commits per tag by re-checking existence: a concurrent
	// install of the same set may have committed first.
	exists, err = c.tagExists(ctx, tag)
	if err == nil && !exists {
		if err := c.eng.CommitContainer(ctx, containerID, tag); err != nil {
			log.Warn().Err(err).Str("tag", tag).Msg("Cache commit failed; install result stands")
		}
	}
	return res, nil
}

func (c *Cache) tagExists(ctx context.Context, tag string) (bool, error) {
	images, err := c.eng.ListImages(ctx)
	if err != nil {
		return false, err
	}
	for _, img := range images {
		for _, t := range img.Tags {
			if t == tag {
				return true, nil
			}
		}
	}
	return false, nil
}

// Stats snapshots counters and image totals. Engine failures yield the
// counter-only view.
func (c *Cache) Stats(ctx context.Context) Stats {
	c.mu.Lock()
	s := Stats{Hits: c.hits, Misses: c.misses}
	c.mu.Unlock()

	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}

	images, err := c.eng.ListImages(ctx)
	if err != nil {
		return s
	}
	for _, img := range images {
		if cacheImage(img) {
			s.TotalLayers++
			s.SizeBytes += img.SizeBytes
		}
	}
	return s
}

// Prune keeps the N most recently created cache images per language and
// destroys the rest. Per-image removal failures are logged and skipped.
func (c *Cache) Prune(ctx context.Context) error {
	images, err := c.eng.ListImages(ctx)
	if err != nil {
		return err
	}

	byLang := make(map[string][]engine.ImageInfo)
	var totalBytes int64
	for _, img := range images {
		lang, ok := cacheLanguage(img)
		if !ok {
			continue
		}
		byLang[lang] = append(byLang[lang], img)
		totalBytes += img.SizeBytes
	}

	if c.cfg.MaxSizeGB > 0 && float64(totalBytes) > c.cfg.MaxSizeGB*(1<<30) {
		log.Warn().
			Int64("bytes", totalBytes).
			Float64("max_gb", c.cfg.MaxSizeGB).
			Msg("Package cache exceeds advisory size ceiling")
	}

	for lang, imgs := range byLang {
		sort.Slice(imgs, func(i, j int) bool {
			return imgs[i].CreatedAt.After(imgs[j].CreatedAt)
		})
		for _, img := range imgs[min(len(imgs), c.cfg.KeepPerLanguage):] {
			if err := c.eng.RemoveImage(ctx, img.ID, true); err != nil {
				log.Warn().Err(err).Str("image", img.ID).Str("language", lang).Msg("Cache prune: remove failed")
			}
		}
	}
	return nil
}

// Clear removes every cache-prefixed image. Atomic per image only.
func (c *Cache) Clear(ctx context.Context) error {
	images, err := c.eng.ListImages(ctx)
	if err != nil {
		return err
	}
	for _, img := range images {
		if !cacheImage(img) {
			continue
		}
		if err := c.eng.RemoveImage(ctx, img.ID, true); err != nil {
			log.Warn().Err(err).Str("image", img.ID).Msg("Cache clear: remove failed")
		}
	}
	return nil
}

func cacheImage(img engine.ImageInfo) bool {
	_, ok := cacheLanguage(img)
	return ok
}

func cacheLanguage(img engine.ImageInfo) (string, bool) {
	for _, t := range img.Tags {
		if !strings.HasPrefix(t, TagPrefix) {
			continue
		}
		rest := strings.TrimPrefix(t, TagPrefix)
		if i := strings.IndexByte(rest, ':'); i > 0 {
			return rest[:i], true
		}
	}
	return "", false
}
