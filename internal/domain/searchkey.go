package domain

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// searchKeyVersion tags derived keys so the derivation rules can change
// without serving results cached under the old rules.
const searchKeyVersion = "v1"

// NormalizeProfile validates a user profile and produces the cleaned query
// used for registry searches and cache key derivation
func NormalizeProfile(profile *UserProfile) (*NormalizedQuery, error) {
	if profile == nil {
		return nil, NewInvalidProfileError("profile is required")
	}
	if profile.Age < 1 || profile.Age > 120 {
		return nil, NewInvalidProfileError(fmt.Sprintf("age must be between 1 and 120, got %d", profile.Age))
	}

	conditions := make([]string, 0, len(profile.Conditions))
	for _, c := range profile.Conditions {
		cleaned := strings.ToLower(strings.TrimSpace(c))
		if cleaned == "" {
			continue
		}
		conditions = append(conditions, cleaned)
	}
	if len(conditions) == 0 {
		return nil, NewInvalidProfileError("at least one condition is required")
	}

	city := strings.ToLower(strings.TrimSpace(profile.Location.City))
	state := strings.ToLower(strings.TrimSpace(profile.Location.State))
	country := strings.ToLower(strings.TrimSpace(profile.Location.Country))
	if city == "" {
		return nil, NewInvalidProfileError("location city is required")
	}
	if state == "" {
		return nil, NewInvalidProfileError("location state is required")
	}
	if country == "" {
		country = "united states"
	}

	if profile.Lifestyle != nil {
		switch strings.ToLower(strings.TrimSpace(profile.Lifestyle.Drinking)) {
		case "", "never", "occasional", "regular":
		default:
			return nil, NewInvalidProfileError(
				fmt.Sprintf("lifestyle drinking must be one of never, occasional or regular, got %q", profile.Lifestyle.Drinking))
		}
	}

	return &NormalizedQuery{
		Conditions: conditions,
		City:       city,
		State:      state,
		Country:    country,
		Age:        profile.Age,
		AgeRange:   ageRange(profile.Age),
	}, nil
}

// ageRange buckets an exact age so cache keys do not fragment per year of age
func ageRange(age int) string {
	switch {
	case age < 18:
		return "under_18"
	case age < 30:
		return "18_29"
	case age < 50:
		return "30_49"
	case age < 65:
		return "50_64"
	default:
		return "65_plus"
	}
}

// searchKeyPayload is the canonical form hashed into a search key.
// Conditions are sorted here so submission order never changes the key.
type searchKeyPayload struct {
	Conditions []string `json:"conditions"`
	City       string   `json:"city"`
	State      string   `json:"state"`
	Country    string   `json:"country"`
	AgeRange   string   `json:"age_range"`
	Page       int      `json:"page"`
	Limit      int      `json:"limit"`
	Version    string   `json:"version"`
}

// NewSearchKey derives the deterministic cache key for a normalized query
// and page window. Equivalent profiles always produce the same key.
func NewSearchKey(q *NormalizedQuery, page, limit int) string {
	conditions := make([]string, len(q.Conditions))
	copy(conditions, q.Conditions)
	sort.Strings(conditions)

	payload := searchKeyPayload{
		Conditions: conditions,
		City:       q.City,
		State:      q.State,
		Country:    q.Country,
		AgeRange:   q.AgeRange,
		Page:       page,
		Limit:      limit,
		Version:    searchKeyVersion,
	}

	// Struct field order is fixed, so marshaling is deterministic
	data, _ := json.Marshal(payload)
	hash := sha256.Sum256(data)
	return fmt.Sprintf("trials:%x", hash)
}
