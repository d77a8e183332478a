package matcher

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clinimatch-server/internal/cache"
	"github.com/clinimatch-server/internal/domain"
)

// Orchestrator runs the matching pipeline: cache lookup, registry
// search, filtering, translation, geocoding, cache write. A cache hit
// short-circuits everything after the lookup.
type Orchestrator struct {
	cache      cache.Store
	registry   domain.RegistrySearcher
	translator domain.Translator
	geocoder   domain.Geocoder
	cfg        domain.MatchingConfig
	cacheTTL   time.Duration
	excluded   map[domain.TrialStatus]bool
	log        *logrus.Logger

	inFlightMu sync.Mutex
	inFlight   map[string]struct{}
}

// NewOrchestrator creates the matching orchestrator
func NewOrchestrator(
	store cache.Store,
	registry domain.RegistrySearcher,
	translator domain.Translator,
	geocoder domain.Geocoder,
	cfg domain.MatchingConfig,
	cacheTTL time.Duration,
	logger *logrus.Logger,
) *Orchestrator {
	return &Orchestrator{
		cache:      store,
		registry:   registry,
		translator: translator,
		geocoder:   geocoder,
		cfg:        cfg,
		cacheTTL:   cacheTTL,
		excluded:   ParseExcludedStatuses(cfg.ExcludedStatuses),
		log:        logger,
		inFlight:   make(map[string]struct{}),
	}
}

// cachedPayload is what gets serialized into the cache per search key
type cachedPayload struct {
	Matches                  []domain.TrialCandidate `json:"matches"`
	TotalFound               int                     `json:"total_found"`
	AITranslationSuccessRate float64                 `json:"ai_translation_success_rate"`
}

// Match runs the full pipeline for one profile and page window
func (o *Orchestrator) Match(ctx context.Context, profile *domain.UserProfile, page, limit int) (*domain.MatchingResult, error) {
	start := time.Now()

	query, err := domain.NormalizeProfile(profile)
	if err != nil {
		return nil, err
	}

	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = o.cfg.DefaultLimit
	}
	if limit > o.cfg.MaxLimit {
		limit = o.cfg.MaxLimit
	}

	key := domain.NewSearchKey(query, page, limit)

	// Reject a second fetch for the same page while one is running
	if !o.acquire(key) {
		return nil, domain.NewMatchError(domain.ErrTypeFetchInFlight,
			"a fetch for this search is already in flight", nil)
	}
	defer o.release(key)

	logger := o.log.WithFields(logrus.Fields{
		"search_key": key,
		"page":       page,
		"limit":      limit,
	})

	// Cache lookup short-circuits the pipeline
	if entry, found, cacheErr := o.cache.Get(ctx, key); cacheErr != nil {
		logger.WithError(cacheErr).Warn("Cache lookup failed, continuing without cache")
	} else if found {
		if result, ok := o.resultFromEntry(entry, page, limit, start); ok {
			logger.Debug("Cache hit")
			return result, nil
		}
		logger.Warn("Discarding undecodable cache entry")
		o.cache.Delete(ctx, key)
	}

	// Fetching
	candidates, total, err := o.registry.Search(ctx, query, page, limit)
	if err != nil {
		if o.cfg.StaleIfError {
			if entry, found, staleErr := o.cache.GetStale(ctx, key); staleErr == nil && found {
				if result, ok := o.resultFromEntry(entry, page, limit, start); ok {
					logger.WithError(err).Warn("Registry unavailable, serving stale cache entry")
					return result, nil
				}
			}
		}
		// No cache write on registry failure
		return nil, err
	}

	// Filtering
	candidates = FilterAndRank(candidates, o.excluded, query.State)

	// Translating; failures degrade to original text, never abort
	candidates, successRate := o.translator.SimplifyBatch(ctx, candidates)

	// Geocoding; unresolved locations keep nil coordinates
	for i := range candidates {
		candidates[i].Locations = o.geocoder.Resolve(ctx, candidates[i].Locations)
	}

	// Caching; a write failure degrades to uncached, never aborts
	payload, err := json.Marshal(cachedPayload{
		Matches:                  candidates,
		TotalFound:               total,
		AITranslationSuccessRate: successRate,
	})
	if err != nil {
		logger.WithError(err).Warn("Failed to serialize result for caching")
	} else if putErr := o.cache.Put(ctx, key, payload, o.cacheTTL); putErr != nil {
		logger.WithError(putErr).Warn("Failed to write result to cache")
	}

	return &domain.MatchingResult{
		Matches:                  candidates,
		TotalFound:               total,
		ProcessingTimeMs:         time.Since(start).Milliseconds(),
		Cached:                   false,
		AITranslationSuccessRate: successRate,
		Pagination:               buildPagination(page, limit, total),
	}, nil
}

// GetTrial fetches and translates a single trial by registry identifier
func (o *Orchestrator) GetTrial(ctx context.Context, nctID string) (*domain.TrialCandidate, error) {
	nctID = strings.ToUpper(strings.TrimSpace(nctID))
	if !strings.HasPrefix(nctID, "NCT") {
		return nil, domain.NewInvalidProfileError("trial identifier must start with NCT")
	}

	candidate, err := o.registry.GetByNCTID(ctx, nctID)
	if err != nil {
		return nil, err
	}

	batch := []domain.TrialCandidate{*candidate}
	batch, _ = o.translator.SimplifyBatch(ctx, batch)
	batch[0].Locations = o.geocoder.Resolve(ctx, batch[0].Locations)

	return &batch[0], nil
}

// resultFromEntry decodes a cache entry into a result flagged cached:true
func (o *Orchestrator) resultFromEntry(entry *domain.CacheEntry, page, limit int, start time.Time) (*domain.MatchingResult, bool) {
	var payload cachedPayload
	if err := json.Unmarshal(entry.TrialData, &payload); err != nil {
		return nil, false
	}
	return &domain.MatchingResult{
		Matches:                  payload.Matches,
		TotalFound:               payload.TotalFound,
		ProcessingTimeMs:         time.Since(start).Milliseconds(),
		Cached:                   true,
		AITranslationSuccessRate: payload.AITranslationSuccessRate,
		Pagination:               buildPagination(page, limit, payload.TotalFound),
	}, true
}

// acquire registers key as in flight; returns false if already running
func (o *Orchestrator) acquire(key string) bool {
	o.inFlightMu.Lock()
	defer o.inFlightMu.Unlock()
	if _, exists := o.inFlight[key]; exists {
		return false
	}
	o.inFlight[key] = struct{}{}
	return true
}

// release removes key from the in-flight set
func (o *Orchestrator) release(key string) {
	o.inFlightMu.Lock()
	defer o.inFlightMu.Unlock()
	delete(o.inFlight, key)
}

// buildPagination computes the page window metadata
func buildPagination(page, limit, total int) domain.Pagination {
	totalPages := 0
	if limit > 0 {
		totalPages = (total + limit - 1) / limit
	}
	return domain.Pagination{
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page*limit < total,
		HasPrev:    page > 1,
	}
}
