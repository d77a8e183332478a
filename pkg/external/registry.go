package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/clinimatch-server/internal/domain"
)

// maxRegistryPageSize is the largest page the registry API will serve
const maxRegistryPageSize = 1000

// RegistryClient handles interactions with the ClinicalTrials.gov v2 API
type RegistryClient struct {
	baseURL    string
	httpClient *http.Client
	rateLimit  *rate.Limiter
	retry      *RetryExecutor
}

// RegistryClientConfig represents configuration for the registry client
type RegistryClientConfig struct {
	BaseURL    string
	Timeout    time.Duration
	RateLimit  int // requests per second
	RetryCount int
	RetryDelay time.Duration
}

// NewRegistryClient creates a new trial registry API client
func NewRegistryClient(config RegistryClientConfig) *RegistryClient {
	if config.BaseURL == "" {
		config.BaseURL = "https://clinicaltrials.gov/api/v2"
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RateLimit == 0 {
		config.RateLimit = 5
	}
	if config.RetryCount == 0 {
		config.RetryCount = 3
	}

	return &RegistryClient{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		rateLimit: rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		retry: &RetryExecutor{
			MaxRetries:   config.RetryCount,
			InitialDelay: config.RetryDelay,
		},
	}
}

// studiesResponse represents the JSON response from the studies search endpoint
type studiesResponse struct {
	Studies    []study `json:"studies"`
	TotalCount int     `json:"totalCount"`
}

// study represents a single registry record
type study struct {
	ProtocolSection protocolSection `json:"protocolSection"`
}

type protocolSection struct {
	IdentificationModule struct {
		NCTID         string `json:"nctId"`
		BriefTitle    string `json:"briefTitle"`
		OfficialTitle string `json:"officialTitle"`
	} `json:"identificationModule"`
	StatusModule struct {
		OverallStatus string `json:"overallStatus"`
	} `json:"statusModule"`
	DescriptionModule struct {
		BriefSummary        string `json:"briefSummary"`
		DetailedDescription string `json:"detailedDescription"`
	} `json:"descriptionModule"`
	EligibilityModule struct {
		EligibilityCriteria string `json:"eligibilityCriteria"`
		MinimumAge          string `json:"minimumAge"`
		MaximumAge          string `json:"maximumAge"`
		Sex                 string `json:"sex"`
	} `json:"eligibilityModule"`
	ConditionsModule struct {
		Conditions []string `json:"conditions"`
	} `json:"conditionsModule"`
	DesignModule struct {
		StudyType string   `json:"studyType"`
		Phases    []string `json:"phases"`
	} `json:"designModule"`
	SponsorCollaboratorsModule struct {
		LeadSponsor struct {
			Name string `json:"name"`
		} `json:"leadSponsor"`
	} `json:"sponsorCollaboratorsModule"`
	ContactsLocationsModule struct {
		CentralContacts []struct {
			Name  string `json:"name"`
			Phone string `json:"phone"`
			Email string `json:"email"`
		} `json:"centralContacts"`
		Locations []struct {
			Facility string `json:"facility"`
			City     string `json:"city"`
			State    string `json:"state"`
			Country  string `json:"country"`
			Zip      string `json:"zip"`
		} `json:"locations"`
	} `json:"contactsLocationsModule"`
	ArmsInterventionsModule struct {
		Interventions []struct {
			Type string `json:"type"`
			Name string `json:"name"`
		} `json:"interventions"`
	} `json:"armsInterventionsModule"`
}

// Search queries the registry for trials matching the normalized query and
// returns the requested page window plus the total match count.
//
// The upstream API pages with opaque tokens rather than page numbers, so
// numeric paging is emulated by fetching the first page*limit records in
// one request and slicing out the requested window. Windows never overlap,
// so a trial cannot appear on two different pages.
func (r *RegistryClient) Search(ctx context.Context, query *domain.NormalizedQuery, page, limit int) ([]domain.TrialCandidate, int, error) {
	fetchSize := page * limit
	if fetchSize > maxRegistryPageSize {
		fetchSize = maxRegistryPageSize
	}

	params := url.Values{
		"query.cond":   {buildConditionQuery(query.Conditions)},
		"pageSize":     {strconv.Itoa(fetchSize)},
		"countTotal":   {"true"},
		"format":       {"json"},
		"markupFormat": {"markdown"},
	}
	if query.Country != "" {
		params.Set("query.locn", query.Country)
	}

	fullURL := fmt.Sprintf("%s/studies?%s", r.baseURL, params.Encode())

	var response studiesResponse
	err := r.retry.Do(ctx, "registry search", func() error {
		// Each attempt takes its own limiter token so retries are paced too
		if err := r.rateLimit.Wait(ctx); err != nil {
			return Permanent(err)
		}
		return r.getJSON(ctx, fullURL, &response)
	})
	if err != nil {
		return nil, 0, err
	}

	start := (page - 1) * limit
	end := start + limit
	if start > len(response.Studies) {
		start = len(response.Studies)
	}
	if end > len(response.Studies) {
		end = len(response.Studies)
	}

	candidates := make([]domain.TrialCandidate, 0, end-start)
	for _, s := range response.Studies[start:end] {
		em := s.ProtocolSection.EligibilityModule
		if query.Age > 0 && !AgeEligible(query.Age, em.MinimumAge, em.MaximumAge) {
			continue
		}
		candidates = append(candidates, convertStudy(s))
	}

	return candidates, response.TotalCount, nil
}

// GetByNCTID fetches a single trial record by its registry identifier
func (r *RegistryClient) GetByNCTID(ctx context.Context, nctID string) (*domain.TrialCandidate, error) {
	params := url.Values{
		"format":       {"json"},
		"markupFormat": {"markdown"},
	}
	fullURL := fmt.Sprintf("%s/studies/%s?%s", r.baseURL, url.PathEscape(nctID), params.Encode())

	var record study
	err := r.retry.Do(ctx, "registry lookup", func() error {
		if err := r.rateLimit.Wait(ctx); err != nil {
			return Permanent(err)
		}
		return r.getJSON(ctx, fullURL, &record)
	})
	if err != nil {
		me := domain.AsMatchError(err)
		if me.Type == domain.ErrTypeNotFound {
			return nil, domain.NewMatchError(domain.ErrTypeNotFound,
				fmt.Sprintf("trial %s not found", nctID), nil)
		}
		return nil, err
	}

	candidate := convertStudy(record)
	return &candidate, nil
}

// getJSON performs one GET request and decodes the response body,
// classifying failures for retry and API error mapping
func (r *RegistryClient) getJSON(ctx context.Context, fullURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return domain.NewMatchError(domain.ErrTypeUpstreamUnavailable, "registry request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusTooManyRequests:
		io.Copy(io.Discard, resp.Body)
		return domain.NewMatchError(domain.ErrTypeUpstreamRateLimited, "registry rate limit exceeded", nil)
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return Permanent(domain.NewMatchError(domain.ErrTypeNotFound, "registry record not found", nil))
	case resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return domain.NewMatchError(domain.ErrTypeUpstreamUnavailable,
			fmt.Sprintf("registry returned status %d", resp.StatusCode), nil)
	default:
		io.Copy(io.Discard, resp.Body)
		return Permanent(domain.NewMatchError(domain.ErrTypeUpstreamUnavailable,
			fmt.Sprintf("registry returned status %d", resp.StatusCode), nil))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.NewMatchError(domain.ErrTypeUpstreamUnavailable, "failed to read registry response", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return Permanent(domain.NewMatchError(domain.ErrTypeUpstreamUnavailable, "failed to parse registry response", err))
	}
	return nil
}

// buildConditionQuery joins conditions into a single OR query expression
func buildConditionQuery(conditions []string) string {
	quoted := make([]string, 0, len(conditions))
	for _, c := range conditions {
		quoted = append(quoted, fmt.Sprintf("%q", c))
	}
	return strings.Join(quoted, " OR ")
}

// convertStudy maps a registry record onto a trial candidate
func convertStudy(s study) domain.TrialCandidate {
	ps := s.ProtocolSection

	title := ps.IdentificationModule.BriefTitle
	if title == "" {
		title = ps.IdentificationModule.OfficialTitle
	}

	description := ps.DescriptionModule.DetailedDescription
	if description == "" {
		description = ps.DescriptionModule.BriefSummary
	}

	locations := make([]domain.TrialLocation, 0, len(ps.ContactsLocationsModule.Locations))
	for _, loc := range ps.ContactsLocationsModule.Locations {
		locations = append(locations, domain.TrialLocation{
			Facility: loc.Facility,
			City:     loc.City,
			State:    loc.State,
			Country:  loc.Country,
			ZipCode:  loc.Zip,
		})
	}

	interventions := make([]string, 0, len(ps.ArmsInterventionsModule.Interventions))
	for _, iv := range ps.ArmsInterventionsModule.Interventions {
		interventions = append(interventions, iv.Name)
	}

	var contact *domain.ContactInfo
	if len(ps.ContactsLocationsModule.CentralContacts) > 0 {
		c := ps.ContactsLocationsModule.CentralContacts[0]
		contact = &domain.ContactInfo{Name: c.Name, Phone: c.Phone, Email: c.Email}
	}

	inclusion, exclusion := SplitEligibilityCriteria(ps.EligibilityModule.EligibilityCriteria)

	return domain.TrialCandidate{
		NCTID:               ps.IdentificationModule.NCTID,
		Title:               title,
		OriginalDescription: description,
		EligibilityCriteria: ps.EligibilityModule.EligibilityCriteria,
		InclusionCriteria:   inclusion,
		ExclusionCriteria:   exclusion,
		Locations:           locations,
		Status:              domain.NormalizeStatus(ps.StatusModule.OverallStatus),
		Phase:               strings.Join(ps.DesignModule.Phases, ", "),
		StudyType:           ps.DesignModule.StudyType,
		Sponsor:             ps.SponsorCollaboratorsModule.LeadSponsor.Name,
		Conditions:          ps.ConditionsModule.Conditions,
		Interventions:       interventions,
		Contact:             contact,
	}
}
