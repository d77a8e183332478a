package domain

import (
	"time"
)

// UserProfile represents the health profile submitted by a user seeking trials
type UserProfile struct {
	Age         int             `json:"age"`
	Conditions  []string        `json:"conditions"`
	Medications []string        `json:"medications,omitempty"`
	Location    ProfileLocation `json:"location"`
	Lifestyle   *Lifestyle      `json:"lifestyle,omitempty"`
}

// ProfileLocation represents where the user is located
type ProfileLocation struct {
	City    string `json:"city"`
	State   string `json:"state"`
	Country string `json:"country,omitempty"`
	// ZipCode is accepted but not used for matching; city and state
	// granularity is what the registry search and cache key work at
	ZipCode string `json:"zip_code,omitempty"`
}

// Lifestyle captures optional lifestyle attributes used in eligibility screening
type Lifestyle struct {
	Smoking  bool   `json:"smoking"`
	Drinking string `json:"drinking,omitempty"`
}

// TrialStatus is the normalized recruitment status of a trial
type TrialStatus string

const (
	StatusRecruiting          TrialStatus = "recruiting"
	StatusActiveNotRecruiting TrialStatus = "active_not_recruiting"
	StatusNotYetRecruiting    TrialStatus = "not_yet_recruiting"
	StatusCompleted           TrialStatus = "completed"
	StatusOther               TrialStatus = "other"
)

// NormalizeStatus maps raw registry status strings onto the TrialStatus enum.
// Unknown values map to StatusOther rather than failing the record.
func NormalizeStatus(raw string) TrialStatus {
	switch raw {
	case "RECRUITING", "ENROLLING_BY_INVITATION":
		return StatusRecruiting
	case "ACTIVE_NOT_RECRUITING":
		return StatusActiveNotRecruiting
	case "NOT_YET_RECRUITING":
		return StatusNotYetRecruiting
	case "COMPLETED", "TERMINATED", "WITHDRAWN":
		return StatusCompleted
	default:
		return StatusOther
	}
}

// Coordinates represents a geographic point
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// TrialLocation represents a single site where a trial is conducted.
// Coordinates is nil until geocoding resolves the address.
type TrialLocation struct {
	Facility    string       `json:"facility"`
	City        string       `json:"city"`
	State       string       `json:"state"`
	Country     string       `json:"country"`
	ZipCode     string       `json:"zip_code,omitempty"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
}

// ContactInfo represents the central contact for a trial
type ContactInfo struct {
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// TrialCandidate represents a single trial as returned to the caller,
// combining registry data with plain-language translations
type TrialCandidate struct {
	NCTID                   string          `json:"nctId"`
	Title                   string          `json:"title"`
	OriginalDescription     string          `json:"original_description"`
	SimplifiedDescription   string          `json:"simplified_description"`
	EligibilityCriteria     string          `json:"eligibility_criteria,omitempty"`
	EligibilitySimplified   string          `json:"eligibility_simplified,omitempty"`
	InclusionCriteria       []string        `json:"inclusion_criteria,omitempty"`
	ExclusionCriteria       []string        `json:"exclusion_criteria,omitempty"`
	Locations               []TrialLocation `json:"locations"`
	Status                  TrialStatus     `json:"status"`
	Phase                   string          `json:"phase,omitempty"`
	StudyType               string          `json:"study_type,omitempty"`
	Sponsor                 string          `json:"sponsor,omitempty"`
	Conditions              []string        `json:"conditions,omitempty"`
	Interventions           []string        `json:"interventions,omitempty"`
	Compensation            bool            `json:"compensation"`
	CompensationExplanation string          `json:"compensation_explanation,omitempty"`
	TimeCommitment          string          `json:"time_commitment,omitempty"`
	KeyBenefits             string          `json:"key_benefits,omitempty"`
	Contact                 *ContactInfo    `json:"contact,omitempty"`
}

// Pagination describes the page window of a matching result
type Pagination struct {
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	Total      int  `json:"total"`
	TotalPages int  `json:"total_pages"`
	HasNext    bool `json:"has_next"`
	HasPrev    bool `json:"has_prev"`
}

// MatchingResult is the outcome of a full matching run for one profile page
type MatchingResult struct {
	Matches                  []TrialCandidate `json:"matches"`
	TotalFound               int              `json:"total_found"`
	ProcessingTimeMs         int64            `json:"processing_time_ms"`
	Cached                   bool             `json:"cached"`
	AITranslationSuccessRate float64          `json:"ai_translation_success_rate"`
	Pagination               Pagination       `json:"pagination"`
}

// CacheEntry is a stored matching result keyed by its search key
type CacheEntry struct {
	SearchKey string    `json:"search_key"`
	TrialData []byte    `json:"trial_data"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the entry's TTL has elapsed
func (e *CacheEntry) Expired() bool {
	return time.Now().After(e.ExpiresAt)
}

// NormalizedQuery is the cleaned form of a user profile used for
// registry queries and cache key derivation. Conditions keep their
// submitted order; sorting happens only inside key derivation.
type NormalizedQuery struct {
	Conditions []string `json:"conditions"`
	City       string   `json:"city"`
	State      string   `json:"state"`
	Country    string   `json:"country"`
	Age        int      `json:"age"`
	AgeRange   string   `json:"age_range"`
}
