package domain

import (
	"context"
)

// RegistrySearcher queries the public trial registry
type RegistrySearcher interface {
	// Search returns one page of candidates plus the total match count
	Search(ctx context.Context, query *NormalizedQuery, page, limit int) ([]TrialCandidate, int, error)
	// GetByNCTID fetches a single trial by its registry identifier
	GetByNCTID(ctx context.Context, nctID string) (*TrialCandidate, error)
}

// Translator converts clinical trial text into plain language
type Translator interface {
	// SimplifyBatch translates candidates in place and returns them with
	// the fraction of candidates that were successfully translated.
	// Candidates whose translation fails keep their original text.
	SimplifyBatch(ctx context.Context, candidates []TrialCandidate) ([]TrialCandidate, float64)
}

// Geocoder resolves trial site addresses to coordinates
type Geocoder interface {
	// Resolve fills in coordinates for the given locations. Locations
	// that cannot be resolved are returned with nil coordinates.
	Resolve(ctx context.Context, locations []TrialLocation) []TrialLocation
}

// TrialMatcher runs the full matching pipeline for a user profile
type TrialMatcher interface {
	Match(ctx context.Context, profile *UserProfile, page, limit int) (*MatchingResult, error)
	GetTrial(ctx context.Context, nctID string) (*TrialCandidate, error)
}

// ConfigManager provides access to application configuration
type ConfigManager interface {
	GetConfig() *Config
	GetServerConfig() *ServerConfig
	Validate() error
}
