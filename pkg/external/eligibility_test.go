package external

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitEligibilityCriteria(t *testing.T) {
	text := `Inclusion Criteria:

* Adults aged 18 to 75 years
* Diagnosed with type 2 diabetes for at least 6 months
- HbA1c between 7.0% and 10.5%

Exclusion Criteria:

* Pregnant or breastfeeding
* History of pancreatitis`

	inclusion, exclusion := SplitEligibilityCriteria(text)

	require.Len(t, inclusion, 3)
	assert.Equal(t, "Adults aged 18 to 75 years", inclusion[0])
	assert.Equal(t, "Diagnosed with type 2 diabetes for at least 6 months", inclusion[1])
	assert.Equal(t, "HbA1c between 7.0% and 10.5%", inclusion[2])

	require.Len(t, exclusion, 2)
	assert.Equal(t, "Pregnant or breastfeeding", exclusion[0])
	assert.Equal(t, "History of pancreatitis", exclusion[1])
}

func TestSplitEligibilityCriteria_NoHeaders(t *testing.T) {
	inclusion, exclusion := SplitEligibilityCriteria("Participants must be able to give informed consent.")

	require.Len(t, inclusion, 1)
	assert.Equal(t, "Participants must be able to give informed consent.", inclusion[0])
	assert.Empty(t, exclusion)
}

func TestSplitEligibilityCriteria_Empty(t *testing.T) {
	inclusion, exclusion := SplitEligibilityCriteria("   ")
	assert.Nil(t, inclusion)
	assert.Nil(t, exclusion)
}

func TestSplitEligibilityCriteria_CaseInsensitiveHeaders(t *testing.T) {
	text := "INCLUSION CRITERIA\n* Over 18\nEXCLUSION CRITERIA\n* Under 18"

	inclusion, exclusion := SplitEligibilityCriteria(text)

	require.Len(t, inclusion, 1)
	assert.Equal(t, "Over 18", inclusion[0])
	require.Len(t, exclusion, 1)
	assert.Equal(t, "Under 18", exclusion[0])
}

func TestAgeEligible(t *testing.T) {
	tests := []struct {
		name     string
		age      int
		minAge   string
		maxAge   string
		expected bool
	}{
		{"inside window", 45, "18 Years", "65 Years", true},
		{"at lower bound", 18, "18 Years", "65 Years", true},
		{"at upper bound", 65, "18 Years", "65 Years", true},
		{"below minimum", 17, "18 Years", "65 Years", false},
		{"above maximum", 66, "18 Years", "65 Years", false},
		{"no bounds", 99, "", "", true},
		{"unparseable bounds treated as open", 12, "N/A", "N/A", true},
		{"minimum in months", 2, "6 Months", "", true},
		{"minimum in weeks", 1, "4 Weeks", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, AgeEligible(tt.age, tt.minAge, tt.maxAge))
		})
	}
}
