package external

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/clinimatch-server/internal/domain"
)

// newServiceBreaker creates a circuit breaker with the shared trip
// policy: open after at least 3 requests with a 60% failure ratio
// inside a 30 second window.
func newServiceBreaker(name string, logger *logrus.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})
}

// ResilientRegistry wraps a registry searcher with a circuit breaker.
// When the breaker is open, callers get UpstreamUnavailable without a
// network call, which lets the orchestrator fall back to stale cache.
type ResilientRegistry struct {
	inner   domain.RegistrySearcher
	breaker *gobreaker.CircuitBreaker
}

// NewResilientRegistry wraps inner with a circuit breaker
func NewResilientRegistry(inner domain.RegistrySearcher, logger *logrus.Logger) *ResilientRegistry {
	return &ResilientRegistry{
		inner:   inner,
		breaker: newServiceBreaker("Registry", logger),
	}
}

// searchResult carries both Search return values through the breaker
type searchResult struct {
	candidates []domain.TrialCandidate
	total      int
}

// Search queries the registry through the circuit breaker
func (r *ResilientRegistry) Search(ctx context.Context, query *domain.NormalizedQuery, page, limit int) ([]domain.TrialCandidate, int, error) {
	result, err := r.breaker.Execute(func() (interface{}, error) {
		candidates, total, searchErr := r.inner.Search(ctx, query, page, limit)
		if searchErr != nil {
			return nil, searchErr
		}
		return &searchResult{candidates: candidates, total: total}, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, 0, domain.NewMatchError(domain.ErrTypeUpstreamUnavailable,
				"registry unavailable (circuit breaker open)", err)
		}
		return nil, 0, err
	}
	sr := result.(*searchResult)
	return sr.candidates, sr.total, nil
}

// GetByNCTID fetches a single trial through the circuit breaker
func (r *ResilientRegistry) GetByNCTID(ctx context.Context, nctID string) (*domain.TrialCandidate, error) {
	result, err := r.breaker.Execute(func() (interface{}, error) {
		return r.inner.GetByNCTID(ctx, nctID)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, domain.NewMatchError(domain.ErrTypeUpstreamUnavailable,
				"registry unavailable (circuit breaker open)", err)
		}
		return nil, err
	}
	return result.(*domain.TrialCandidate), nil
}

// State returns the breaker's current state for health reporting
func (r *ResilientRegistry) State() gobreaker.State {
	return r.breaker.State()
}
