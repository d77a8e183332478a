package matcher

import (
	"sort"
	"strings"

	"github.com/clinimatch-server/internal/domain"
)

// FilterAndRank removes unusable candidates and orders each trial's
// locations so sites in the user's state come first. Cross-trial order
// is left exactly as the registry returned it; only locations within a
// trial are reordered, and the sort is stable so ties keep their
// original order.
func FilterAndRank(candidates []domain.TrialCandidate, excluded map[domain.TrialStatus]bool, userState string) []domain.TrialCandidate {
	userState = strings.ToLower(strings.TrimSpace(userState))

	result := make([]domain.TrialCandidate, 0, len(candidates))
	for _, c := range candidates {
		if c.NCTID == "" || c.Title == "" {
			continue
		}
		if excluded[c.Status] {
			continue
		}
		if len(c.Locations) == 0 {
			continue
		}

		sort.SliceStable(c.Locations, func(i, j int) bool {
			return stateMatches(c.Locations[i], userState) && !stateMatches(c.Locations[j], userState)
		})
		result = append(result, c)
	}
	return result
}

// stateMatches reports whether a location is in the user's state
func stateMatches(loc domain.TrialLocation, userState string) bool {
	return userState != "" && strings.ToLower(strings.TrimSpace(loc.State)) == userState
}

// ParseExcludedStatuses converts configured status names into the set
// consumed by FilterAndRank, ignoring unknown names
func ParseExcludedStatuses(names []string) map[domain.TrialStatus]bool {
	valid := map[domain.TrialStatus]bool{
		domain.StatusRecruiting:          true,
		domain.StatusActiveNotRecruiting: true,
		domain.StatusNotYetRecruiting:    true,
		domain.StatusCompleted:           true,
		domain.StatusOther:               true,
	}
	excluded := make(map[domain.TrialStatus]bool, len(names))
	for _, name := range names {
		status := domain.TrialStatus(strings.ToLower(strings.TrimSpace(name)))
		if valid[status] {
			excluded[status] = true
		}
	}
	return excluded
}
