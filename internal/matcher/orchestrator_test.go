package matcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinimatch-server/internal/cache"
	"github.com/clinimatch-server/internal/domain"
)

// fakeRegistry returns canned candidates and counts calls. Setting err
// makes every call fail; block makes Search wait until released.
type fakeRegistry struct {
	mu         sync.Mutex
	calls      int
	candidates []domain.TrialCandidate
	total      int
	err        error
	block      chan struct{}
}

func (f *fakeRegistry) Search(ctx context.Context, query *domain.NormalizedQuery, page, limit int) ([]domain.TrialCandidate, int, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, 0, f.err
	}
	return f.candidates, f.total, nil
}

func (f *fakeRegistry) GetByNCTID(ctx context.Context, nctID string) (*domain.TrialCandidate, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if len(f.candidates) == 0 {
		return nil, domain.NewMatchError(domain.ErrTypeNotFound, "trial not found", nil)
	}
	c := f.candidates[0]
	return &c, nil
}

func (f *fakeRegistry) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// pagedRegistry serves non-overlapping windows of a fixed candidate list
type pagedRegistry struct {
	all []domain.TrialCandidate
}

func (p *pagedRegistry) Search(ctx context.Context, query *domain.NormalizedQuery, page, limit int) ([]domain.TrialCandidate, int, error) {
	start := (page - 1) * limit
	if start > len(p.all) {
		start = len(p.all)
	}
	end := start + limit
	if end > len(p.all) {
		end = len(p.all)
	}
	out := make([]domain.TrialCandidate, end-start)
	copy(out, p.all[start:end])
	return out, len(p.all), nil
}

func (p *pagedRegistry) GetByNCTID(ctx context.Context, nctID string) (*domain.TrialCandidate, error) {
	return nil, domain.NewMatchError(domain.ErrTypeNotFound, "trial not found", nil)
}

// fakeTranslator marks each candidate translated and reports full success
type fakeTranslator struct{}

func (fakeTranslator) SimplifyBatch(ctx context.Context, candidates []domain.TrialCandidate) ([]domain.TrialCandidate, float64) {
	if len(candidates) == 0 {
		return candidates, 0
	}
	for i := range candidates {
		candidates[i].SimplifiedDescription = "simplified: " + candidates[i].OriginalDescription
	}
	return candidates, 1.0
}

// fakeGeocoder stamps fixed coordinates on every location
type fakeGeocoder struct{}

func (fakeGeocoder) Resolve(ctx context.Context, locations []domain.TrialLocation) []domain.TrialLocation {
	for i := range locations {
		locations[i].Coordinates = &domain.Coordinates{Latitude: 42.0, Longitude: -71.0}
	}
	return locations
}

func testCandidates() []domain.TrialCandidate {
	return []domain.TrialCandidate{
		{
			NCTID:               "NCT00000001",
			Title:               "Trial One",
			OriginalDescription: "Description one.",
			Status:              domain.StatusRecruiting,
			Locations:           []domain.TrialLocation{{City: "Boston", State: "MA"}},
		},
		{
			NCTID:               "NCT00000002",
			Title:               "Trial Two",
			OriginalDescription: "Description two.",
			Status:              domain.StatusRecruiting,
			Locations:           []domain.TrialLocation{{City: "Chicago", State: "IL"}},
		},
	}
}

func testProfile() *domain.UserProfile {
	return &domain.UserProfile{
		Age:        45,
		Conditions: []string{"type 2 diabetes"},
		Location:   domain.ProfileLocation{City: "Boston", State: "MA"},
	}
}

func newTestOrchestrator(t *testing.T, registry domain.RegistrySearcher, staleIfError bool) (*Orchestrator, cache.Store) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	store, err := cache.NewMemoryStore(64, logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := domain.MatchingConfig{
		DefaultLimit:     10,
		MaxLimit:         50,
		StaleIfError:     staleIfError,
		ExcludedStatuses: []string{"completed"},
	}
	return NewOrchestrator(store, registry, fakeTranslator{}, fakeGeocoder{}, cfg, time.Hour, logger), store
}

func TestOrchestrator_Match(t *testing.T) {
	registry := &fakeRegistry{candidates: testCandidates(), total: 2}
	orch, _ := newTestOrchestrator(t, registry, true)

	result, err := orch.Match(context.Background(), testProfile(), 1, 10)
	require.NoError(t, err)

	assert.False(t, result.Cached)
	assert.Equal(t, 2, result.TotalFound)
	assert.Equal(t, 1.0, result.AITranslationSuccessRate)
	require.Len(t, result.Matches, 2)
	assert.Equal(t, "simplified: Description one.", result.Matches[0].SimplifiedDescription)
	require.NotNil(t, result.Matches[0].Locations[0].Coordinates)
	assert.Equal(t, 1, result.Pagination.Page)
	assert.Equal(t, 10, result.Pagination.Limit)
	assert.False(t, result.Pagination.HasNext)
	assert.False(t, result.Pagination.HasPrev)
}

func TestOrchestrator_SuccessivePagesDoNotOverlap(t *testing.T) {
	all := make([]domain.TrialCandidate, 0, 5)
	for _, id := range []string{"NCT00000001", "NCT00000002", "NCT00000003", "NCT00000004", "NCT00000005"} {
		all = append(all, domain.TrialCandidate{
			NCTID:               id,
			Title:               "Trial " + id,
			OriginalDescription: "Description.",
			Status:              domain.StatusRecruiting,
			Locations:           []domain.TrialLocation{{City: "Boston", State: "MA"}},
		})
	}
	orch, _ := newTestOrchestrator(t, &pagedRegistry{all: all}, true)
	ctx := context.Background()

	first, err := orch.Match(ctx, testProfile(), 1, 2)
	require.NoError(t, err)
	second, err := orch.Match(ctx, testProfile(), 2, 2)
	require.NoError(t, err)

	assert.True(t, first.Pagination.HasNext)
	assert.True(t, second.Pagination.HasNext)

	seen := make(map[string]bool)
	for _, m := range append(first.Matches, second.Matches...) {
		assert.False(t, seen[m.NCTID], "trial %s appears on more than one page", m.NCTID)
		seen[m.NCTID] = true
	}
	assert.Len(t, seen, len(first.Matches)+len(second.Matches))
	assert.Contains(t, seen, "NCT00000001")
	assert.Contains(t, seen, "NCT00000004")
}

func TestOrchestrator_CacheHitShortCircuits(t *testing.T) {
	registry := &fakeRegistry{candidates: testCandidates(), total: 2}
	orch, _ := newTestOrchestrator(t, registry, true)
	ctx := context.Background()

	first, err := orch.Match(ctx, testProfile(), 1, 10)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := orch.Match(ctx, testProfile(), 1, 10)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Matches, second.Matches)
	assert.Equal(t, first.AITranslationSuccessRate, second.AITranslationSuccessRate)
	assert.Equal(t, 1, registry.callCount(), "a cache hit must not reach the registry")
}

func TestOrchestrator_StaleFallbackOnRegistryFailure(t *testing.T) {
	registry := &fakeRegistry{candidates: testCandidates(), total: 2}
	orch, store := newTestOrchestrator(t, registry, true)
	ctx := context.Background()

	// Populate the cache, then expire the entry
	first, err := orch.Match(ctx, testProfile(), 1, 10)
	require.NoError(t, err)

	query, err := domain.NormalizeProfile(testProfile())
	require.NoError(t, err)
	key := domain.NewSearchKey(query, 1, 10)

	entry, found, err := store.GetStale(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	require.NoError(t, store.Put(ctx, key, entry.TrialData, -time.Minute))

	registry.err = errors.New("registry down")

	result, err := orch.Match(ctx, testProfile(), 1, 10)
	require.NoError(t, err)
	assert.True(t, result.Cached, "stale fallback results are flagged as cached")
	assert.Equal(t, first.Matches, result.Matches)
}

func TestOrchestrator_RegistryFailureWithoutStaleEntry(t *testing.T) {
	registry := &fakeRegistry{err: errors.New("registry down")}
	orch, store := newTestOrchestrator(t, registry, true)
	ctx := context.Background()

	_, err := orch.Match(ctx, testProfile(), 1, 10)
	require.Error(t, err)

	query, nerr := domain.NormalizeProfile(testProfile())
	require.NoError(t, nerr)
	key := domain.NewSearchKey(query, 1, 10)

	_, found, serr := store.GetStale(ctx, key)
	require.NoError(t, serr)
	assert.False(t, found, "a failed fetch must not write to the cache")
}

func TestOrchestrator_StaleFallbackDisabled(t *testing.T) {
	registry := &fakeRegistry{candidates: testCandidates(), total: 2}
	orch, store := newTestOrchestrator(t, registry, false)
	ctx := context.Background()

	_, err := orch.Match(ctx, testProfile(), 1, 10)
	require.NoError(t, err)

	query, err := domain.NormalizeProfile(testProfile())
	require.NoError(t, err)
	key := domain.NewSearchKey(query, 1, 10)

	entry, found, err := store.GetStale(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	require.NoError(t, store.Put(ctx, key, entry.TrialData, -time.Minute))

	registry.err = errors.New("registry down")

	_, err = orch.Match(ctx, testProfile(), 1, 10)
	assert.Error(t, err, "stale fallback is off, so the failure surfaces")
}

func TestOrchestrator_InFlightRejection(t *testing.T) {
	registry := &fakeRegistry{
		candidates: testCandidates(),
		total:      2,
		block:      make(chan struct{}),
	}
	orch, _ := newTestOrchestrator(t, registry, true)
	ctx := context.Background()

	firstDone := make(chan error, 1)
	go func() {
		_, err := orch.Match(ctx, testProfile(), 1, 10)
		firstDone <- err
	}()

	// Wait until the first request is inside the registry call
	require.Eventually(t, func() bool {
		return registry.callCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, err := orch.Match(ctx, testProfile(), 1, 10)
	require.Error(t, err)
	me := domain.AsMatchError(err)
	assert.Equal(t, domain.ErrTypeFetchInFlight, me.Type)

	close(registry.block)
	require.NoError(t, <-firstDone)

	// After the first finishes, the key is released
	result, err := orch.Match(ctx, testProfile(), 1, 10)
	require.NoError(t, err)
	assert.True(t, result.Cached)
}

func TestOrchestrator_InvalidProfile(t *testing.T) {
	registry := &fakeRegistry{}
	orch, _ := newTestOrchestrator(t, registry, true)

	_, err := orch.Match(context.Background(), &domain.UserProfile{Age: 200}, 1, 10)
	require.Error(t, err)
	me := domain.AsMatchError(err)
	assert.Equal(t, domain.ErrTypeInvalidProfile, me.Type)
	assert.Equal(t, 0, registry.callCount())
}

func TestOrchestrator_LimitClamping(t *testing.T) {
	registry := &fakeRegistry{candidates: testCandidates(), total: 200}
	orch, _ := newTestOrchestrator(t, registry, true)
	ctx := context.Background()

	result, err := orch.Match(ctx, testProfile(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Pagination.Page, "page defaults to 1")
	assert.Equal(t, 10, result.Pagination.Limit, "limit defaults to the configured value")

	result, err = orch.Match(ctx, testProfile(), 2, 500)
	require.NoError(t, err)
	assert.Equal(t, 50, result.Pagination.Limit, "limit is capped at the configured maximum")
	assert.True(t, result.Pagination.HasPrev)
}

func TestOrchestrator_FiltersExcludedStatuses(t *testing.T) {
	candidates := testCandidates()
	candidates[1].Status = domain.StatusCompleted
	registry := &fakeRegistry{candidates: candidates, total: 2}
	orch, _ := newTestOrchestrator(t, registry, true)

	result, err := orch.Match(context.Background(), testProfile(), 1, 10)
	require.NoError(t, err)
	require.Len(t, result.Matches, 1)
	assert.Equal(t, "NCT00000001", result.Matches[0].NCTID)
}

func TestOrchestrator_GetTrial(t *testing.T) {
	registry := &fakeRegistry{candidates: testCandidates()}
	orch, _ := newTestOrchestrator(t, registry, true)

	candidate, err := orch.GetTrial(context.Background(), " nct00000001 ")
	require.NoError(t, err)
	assert.Equal(t, "NCT00000001", candidate.NCTID)
	assert.Equal(t, "simplified: Description one.", candidate.SimplifiedDescription)
	require.NotEmpty(t, candidate.Locations)
	assert.NotNil(t, candidate.Locations[0].Coordinates)
}

func TestOrchestrator_GetTrialInvalidID(t *testing.T) {
	registry := &fakeRegistry{}
	orch, _ := newTestOrchestrator(t, registry, true)

	_, err := orch.GetTrial(context.Background(), "12345")
	require.Error(t, err)
	me := domain.AsMatchError(err)
	assert.Equal(t, domain.ErrTypeInvalidProfile, me.Type)
	assert.Equal(t, 0, registry.callCount())
}

func TestBuildPagination(t *testing.T) {
	tests := []struct {
		name       string
		page       int
		limit      int
		total      int
		totalPages int
		hasNext    bool
		hasPrev    bool
	}{
		{"first of many", 1, 10, 35, 4, true, false},
		{"middle page", 2, 10, 35, 4, true, true},
		{"last page", 4, 10, 35, 4, false, true},
		{"exact fit", 2, 10, 20, 2, false, true},
		{"empty", 1, 10, 0, 0, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := buildPagination(tt.page, tt.limit, tt.total)
			assert.Equal(t, tt.totalPages, p.TotalPages)
			assert.Equal(t, tt.hasNext, p.HasNext)
			assert.Equal(t, tt.hasPrev, p.HasPrev)
			assert.Equal(t, tt.total, p.Total)
		})
	}
}
