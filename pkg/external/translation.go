package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/clinimatch-server/internal/domain"
)

// Fallback text used when translation is unavailable for a candidate
const (
	fallbackTimeCommitment = "Time commitment information not available. Please contact the study team for details."
	fallbackKeyBenefits    = "Benefits information not available. Please contact the study team for details."
	fallbackCompensation   = "Compensation information not available."
)

// TranslationClient calls a generative language API to rewrite trial
// descriptions and eligibility text in plain language
type TranslationClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	rateLimit  *rate.Limiter
	retry      *RetryExecutor
	breaker    *gobreaker.CircuitBreaker
	workers    int
	log        *logrus.Logger
}

// TranslationClientConfig represents configuration for the translation client
type TranslationClientConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	RateLimit  int
	RetryCount int
	RetryDelay time.Duration
	Workers    int
}

// NewTranslationClient creates a new translation API client
func NewTranslationClient(config TranslationClientConfig, logger *logrus.Logger) *TranslationClient {
	if config.BaseURL == "" {
		config.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if config.Model == "" {
		config.Model = "gemini-2.0-flash"
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RateLimit == 0 {
		config.RateLimit = 10
	}
	if config.RetryCount == 0 {
		config.RetryCount = 2
	}
	if config.Workers <= 0 {
		config.Workers = 5
	}

	return &TranslationClient{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		apiKey:  config.APIKey,
		model:   config.Model,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		rateLimit: rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		retry: &RetryExecutor{
			MaxRetries:   config.RetryCount,
			InitialDelay: config.RetryDelay,
			Log:          logger,
		},
		breaker: newServiceBreaker("Translation", logger),
		workers: config.Workers,
		log:     logger,
	}
}

// Translation is the structured plain-language rewrite of one trial
type Translation struct {
	SimplifiedDescription   string `json:"simplifiedDescription"`
	EligibilitySimplified   string `json:"eligibilitySimplified"`
	TimeCommitment          string `json:"timeCommitment"`
	KeyBenefits             string `json:"keyBenefits"`
	CompensationExplanation string `json:"compensationExplanation"`
}

// generateRequest is the request body for the generateContent endpoint
type generateRequest struct {
	Contents []generateContent `json:"contents"`
}

type generateContent struct {
	Parts []generatePart `json:"parts"`
}

type generatePart struct {
	Text string `json:"text"`
}

// generateResponse is the response body from the generateContent endpoint
type generateResponse struct {
	Candidates []struct {
		Content generateContent `json:"content"`
	} `json:"candidates"`
}

// SimplifyBatch translates candidates with a bounded worker pool.
// Failures are per-candidate: a failed candidate keeps its original
// text via fallback values and the batch continues. Returns the
// fraction of candidates translated successfully.
func (t *TranslationClient) SimplifyBatch(ctx context.Context, candidates []domain.TrialCandidate) ([]domain.TrialCandidate, float64) {
	if len(candidates) == 0 {
		return candidates, 0
	}

	var (
		wg        sync.WaitGroup
		successMu sync.Mutex
		successes int
	)
	sem := make(chan struct{}, t.workers)

	for i := range candidates {
		wg.Add(1)
		sem <- struct{}{}
		go func(c *domain.TrialCandidate) {
			defer wg.Done()
			defer func() { <-sem }()

			translation, err := t.simplifyOne(ctx, c)
			if err != nil {
				t.log.WithFields(logrus.Fields{
					"nct_id": c.NCTID,
					"error":  err.Error(),
				}).Warn("Translation failed, keeping original text")
				applyFallback(c)
				return
			}
			applyTranslation(c, translation)
			successMu.Lock()
			successes++
			successMu.Unlock()
		}(&candidates[i])
	}
	wg.Wait()

	return candidates, float64(successes) / float64(len(candidates))
}

// simplifyOne translates a single candidate
func (t *TranslationClient) simplifyOne(ctx context.Context, c *domain.TrialCandidate) (*Translation, error) {
	prompt := buildPrompt(c)

	result, err := t.breaker.Execute(func() (interface{}, error) {
		var translation *Translation
		retryErr := t.retry.Do(ctx, "translation", func() error {
			if waitErr := t.rateLimit.Wait(ctx); waitErr != nil {
				return Permanent(waitErr)
			}
			tr, callErr := t.generate(ctx, prompt)
			if callErr != nil {
				return callErr
			}
			translation = tr
			return nil
		})
		if retryErr != nil {
			return nil, retryErr
		}
		return translation, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Translation), nil
}

// generate performs one generateContent call and parses the JSON reply
func (t *TranslationClient) generate(ctx context.Context, prompt string) (*Translation, error) {
	reqBody := generateRequest{
		Contents: []generateContent{
			{Parts: []generatePart{{Text: prompt}}},
		},
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, Permanent(fmt.Errorf("failed to marshal request: %w", err))
	}

	fullURL := fmt.Sprintf("%s/models/%s:generateContent?key=%s", t.baseURL, t.model, t.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader(payload))
	if err != nil {
		return nil, Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("translation request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		io.Copy(io.Discard, resp.Body)
		return nil, domain.NewMatchError(domain.ErrTypeUpstreamRateLimited, "translation rate limit exceeded", nil)
	case resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("translation service returned status %d", resp.StatusCode)
	default:
		io.Copy(io.Discard, resp.Body)
		return nil, Permanent(fmt.Errorf("translation service returned status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read translation response: %w", err)
	}

	var response generateResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, Permanent(fmt.Errorf("failed to parse translation response: %w", err))
	}
	if len(response.Candidates) == 0 || len(response.Candidates[0].Content.Parts) == 0 {
		return nil, Permanent(fmt.Errorf("translation response contained no candidates"))
	}

	text := stripJSONFences(response.Candidates[0].Content.Parts[0].Text)

	var translation Translation
	if err := json.Unmarshal([]byte(text), &translation); err != nil {
		return nil, Permanent(fmt.Errorf("translation output is not valid JSON: %w", err))
	}
	return &translation, nil
}

// BreakerState returns the breaker's current state for health reporting
func (t *TranslationClient) BreakerState() gobreaker.State {
	return t.breaker.State()
}

// buildPrompt constructs the rewrite instruction for one candidate
func buildPrompt(c *domain.TrialCandidate) string {
	var b strings.Builder
	b.WriteString("You are helping patients understand clinical trials. ")
	b.WriteString("Rewrite the following trial information in plain, eighth-grade reading level language. ")
	b.WriteString("Respond with ONLY a JSON object with these exact keys: ")
	b.WriteString(`"simplifiedDescription", "eligibilitySimplified", "timeCommitment", "keyBenefits", "compensationExplanation". `)
	b.WriteString("Use an empty string for anything the source text does not cover.\n\n")
	fmt.Fprintf(&b, "Title: %s\n", c.Title)
	fmt.Fprintf(&b, "Description: %s\n", c.OriginalDescription)
	if c.EligibilityCriteria != "" {
		fmt.Fprintf(&b, "Eligibility criteria: %s\n", c.EligibilityCriteria)
	}
	if c.Phase != "" {
		fmt.Fprintf(&b, "Phase: %s\n", c.Phase)
	}
	return b.String()
}

// stripJSONFences removes markdown code fences the model sometimes
// wraps around its JSON output
func stripJSONFences(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

// applyTranslation copies translated fields onto the candidate,
// falling back per field when the model returned an empty value
func applyTranslation(c *domain.TrialCandidate, tr *Translation) {
	if tr.SimplifiedDescription != "" {
		c.SimplifiedDescription = tr.SimplifiedDescription
	} else {
		c.SimplifiedDescription = c.OriginalDescription
	}
	if tr.EligibilitySimplified != "" {
		c.EligibilitySimplified = tr.EligibilitySimplified
	} else {
		c.EligibilitySimplified = c.EligibilityCriteria
	}
	if tr.TimeCommitment != "" {
		c.TimeCommitment = tr.TimeCommitment
	} else {
		c.TimeCommitment = fallbackTimeCommitment
	}
	if tr.KeyBenefits != "" {
		c.KeyBenefits = tr.KeyBenefits
	} else {
		c.KeyBenefits = fallbackKeyBenefits
	}
	if tr.CompensationExplanation != "" {
		c.Compensation = true
		c.CompensationExplanation = tr.CompensationExplanation
	} else {
		c.CompensationExplanation = fallbackCompensation
	}
}

// applyFallback keeps the candidate's original text when translation fails
func applyFallback(c *domain.TrialCandidate) {
	c.SimplifiedDescription = c.OriginalDescription
	c.EligibilitySimplified = c.EligibilityCriteria
	c.TimeCommitment = fallbackTimeCommitment
	c.KeyBenefits = fallbackKeyBenefits
	c.CompensationExplanation = fallbackCompensation
}
