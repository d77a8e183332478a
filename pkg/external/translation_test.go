package external

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinimatch-server/internal/domain"
)

func testTranslationClient(baseURL string) *TranslationClient {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewTranslationClient(TranslationClientConfig{
		BaseURL:    baseURL,
		APIKey:     "test-key",
		Timeout:    5 * time.Second,
		RateLimit:  100,
		RetryCount: 1,
		RetryDelay: time.Millisecond,
		Workers:    2,
	}, logger)
}

// generateReply wraps a model answer in the generateContent response shape
func generateReply(t *testing.T, answer string) string {
	t.Helper()
	part, err := json.Marshal(answer)
	require.NoError(t, err)
	return fmt.Sprintf(`{"candidates": [{"content": {"parts": [{"text": %s}]}}]}`, part)
}

func TestTranslationClient_SimplifyBatch(t *testing.T) {
	answer := "```json\n" + `{
		"simplifiedDescription": "This study tests a new diabetes pill.",
		"eligibilitySimplified": "Adults 18 to 75 with type 2 diabetes.",
		"timeCommitment": "Six visits over three months.",
		"keyBenefits": "Free study medication and checkups.",
		"compensationExplanation": "Up to $300 for completed visits."
	}` + "\n```"

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, ":generateContent")
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))
		fmt.Fprint(w, generateReply(t, answer))
	}))
	defer server.Close()

	client := testTranslationClient(server.URL)
	candidates := []domain.TrialCandidate{
		{NCTID: "NCT00000001", Title: "Trial One", OriginalDescription: "Original text one."},
	}

	result, rate := client.SimplifyBatch(context.Background(), candidates)
	assert.Equal(t, 1.0, rate)

	c := result[0]
	assert.Equal(t, "This study tests a new diabetes pill.", c.SimplifiedDescription)
	assert.Equal(t, "Adults 18 to 75 with type 2 diabetes.", c.EligibilitySimplified)
	assert.Equal(t, "Six visits over three months.", c.TimeCommitment)
	assert.Equal(t, "Free study medication and checkups.", c.KeyBenefits)
	assert.True(t, c.Compensation)
	assert.Equal(t, "Up to $300 for completed visits.", c.CompensationExplanation)
}

func TestTranslationClient_AllFailuresFallBackToOriginal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := testTranslationClient(server.URL)
	candidates := []domain.TrialCandidate{
		{NCTID: "NCT00000001", OriginalDescription: "Original one.", EligibilityCriteria: "Adults only."},
		{NCTID: "NCT00000002", OriginalDescription: "Original two."},
	}

	result, rate := client.SimplifyBatch(context.Background(), candidates)
	assert.Equal(t, 0.0, rate)
	require.Len(t, result, 2, "failed candidates are kept, not dropped")

	assert.Equal(t, "Original one.", result[0].SimplifiedDescription)
	assert.Equal(t, "Adults only.", result[0].EligibilitySimplified)
	assert.Equal(t, fallbackTimeCommitment, result[0].TimeCommitment)
	assert.Equal(t, fallbackKeyBenefits, result[0].KeyBenefits)
	assert.Equal(t, fallbackCompensation, result[0].CompensationExplanation)
	assert.False(t, result[0].Compensation)

	assert.Equal(t, "Original two.", result[1].SimplifiedDescription)
}

func TestTranslationClient_PartialFields(t *testing.T) {
	answer := `{"simplifiedDescription": "Plain words.", "eligibilitySimplified": "", "timeCommitment": "", "keyBenefits": "", "compensationExplanation": ""}`

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, generateReply(t, answer))
	}))
	defer server.Close()

	client := testTranslationClient(server.URL)
	candidates := []domain.TrialCandidate{
		{NCTID: "NCT00000001", OriginalDescription: "Original.", EligibilityCriteria: "Criteria text."},
	}

	result, rate := client.SimplifyBatch(context.Background(), candidates)
	assert.Equal(t, 1.0, rate)

	c := result[0]
	assert.Equal(t, "Plain words.", c.SimplifiedDescription)
	assert.Equal(t, "Criteria text.", c.EligibilitySimplified, "empty fields fall back per field")
	assert.Equal(t, fallbackTimeCommitment, c.TimeCommitment)
	assert.Equal(t, fallbackKeyBenefits, c.KeyBenefits)
	assert.False(t, c.Compensation)
	assert.Equal(t, fallbackCompensation, c.CompensationExplanation)
}

func TestTranslationClient_MalformedModelOutputNotRetried(t *testing.T) {
	requestCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestCount++
		fmt.Fprint(w, generateReply(t, "Sure! Here is the trial in plain language."))
	}))
	defer server.Close()

	client := testTranslationClient(server.URL)
	candidates := []domain.TrialCandidate{
		{NCTID: "NCT00000001", OriginalDescription: "Original."},
	}

	result, rate := client.SimplifyBatch(context.Background(), candidates)
	assert.Equal(t, 0.0, rate)
	assert.Equal(t, 1, requestCount, "non-JSON model output must not be retried")
	assert.Equal(t, "Original.", result[0].SimplifiedDescription)
}

func TestTranslationClient_RateLimitedRetried(t *testing.T) {
	requestCount := 0
	answer := `{"simplifiedDescription": "Plain.", "eligibilitySimplified": "x", "timeCommitment": "x", "keyBenefits": "x", "compensationExplanation": ""}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestCount++
		if requestCount == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, generateReply(t, answer))
	}))
	defer server.Close()

	client := testTranslationClient(server.URL)
	candidates := []domain.TrialCandidate{
		{NCTID: "NCT00000001", OriginalDescription: "Original."},
	}

	_, rate := client.SimplifyBatch(context.Background(), candidates)
	assert.Equal(t, 1.0, rate)
	assert.Equal(t, 2, requestCount)
}

func TestTranslationClient_EmptyBatch(t *testing.T) {
	client := testTranslationClient("http://localhost:0")

	result, rate := client.SimplifyBatch(context.Background(), nil)
	assert.Empty(t, result)
	assert.Equal(t, 0.0, rate)
}

func TestStripJSONFences(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"fenced with language", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"fenced without language", "```\n{\"a\": 1}\n```", `{"a": 1}`},
		{"bare", `{"a": 1}`, `{"a": 1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, stripJSONFences(tt.input))
		})
	}
}
