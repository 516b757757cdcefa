package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"restoration/internal/domain"
)

// Fingerprint returns the content-addressed hash of raw image bytes. Two
// byte-identical images always yield the same fingerprint; metadata such as
// filenames or timestamps plays no part.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Key composes the idempotency key from a fingerprint, the requested mode
// and the processing parameters. The same image processed under different
// parameters is deliberately not a duplicate.
func Key(fingerprint string, mode domain.Mode, params domain.ProcessParams) string {
	skip := append([]string(nil), params.SkipSteps...)
	focus := append([]string(nil), params.FocusCriteria...)
	sort.Strings(skip)
	sort.Strings(focus)

	canonical := fmt.Sprintf("%s|%s|t=%.2f|p=%.2f|skip=%s|focus=%s",
		fingerprint,
		mode,
		params.Temperature,
		params.TopP,
		strings.Join(skip, ","),
		strings.Join(focus, ","),
	)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

type cacheEntry struct {
	record  domain.IdempotencyRecord
	expires time.Time
}

// Manager prevents duplicate processing of the same content under the same
// parameters. A short-lived in-process cache fronts the durable store;
// cache misses fall through to the store, so churn can only produce the
// acceptable false-negative direction, never a false positive.
type Manager struct {
	repo   domain.IdempotencyRepository
	logger zerolog.Logger
	ttl    time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
	now   func() time.Time
}

// NewManager constructs an idempotency manager with the given cache TTL.
func NewManager(repo domain.IdempotencyRepository, ttl time.Duration, logger zerolog.Logger) *Manager {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Manager{
		repo:   repo,
		logger: logger,
		ttl:    ttl,
		cache:  make(map[string]cacheEntry),
		now:    time.Now,
	}
}

// CheckForDuplicate returns the prior result for identical content, mode
// and parameters, or nil when the work is fresh.
func (m *Manager) CheckForDuplicate(ctx context.Context, data []byte, mode domain.Mode, params domain.ProcessParams) (*domain.IdempotencyRecord, error) {
	key := Key(Fingerprint(data), mode, params)

	m.mu.Lock()
	entry, ok := m.cache[key]
	if ok && m.now().Before(entry.expires) {
		m.mu.Unlock()
		record := entry.record
		m.logger.Debug().Str("key", key).Msg("idempotency: cache hit")
		return &record, nil
	}
	if ok {
		delete(m.cache, key)
	}
	m.mu.Unlock()

	record, err := m.repo.Get(ctx, key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}

	m.remember(*record)
	m.logger.Info().
		Str("key", key).
		Str("prior_job_id", record.JobID).
		Msg("idempotency: duplicate detected")
	return record, nil
}

// RecordResult stores a completed result against its key for future reuse.
func (m *Manager) RecordResult(ctx context.Context, record *domain.IdempotencyRecord) error {
	if record.Key == "" {
		return fmt.Errorf("idempotency record missing key")
	}
	record.CreatedAt = m.now()
	if err := m.repo.Put(ctx, record); err != nil {
		return fmt.Errorf("idempotency store: %w", err)
	}
	m.remember(*record)
	return nil
}

func (m *Manager) remember(record domain.IdempotencyRecord) {
	m.mu.Lock()
	m.cache[record.Key] = cacheEntry{record: record, expires: m.now().Add(m.ttl)}
	m.mu.Unlock()
}
