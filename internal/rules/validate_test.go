package rules

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAcceptsWellFormedSpec(t *testing.T) {
	assert.NoError(t, Validate(validSpec()))
}

func TestValidateReportsEveryViolatedField(t *testing.T) {
	spec := RuleSpec{
		Name: "  ",
		Type: "auto_retweet",
		Config: RuleConfig{
			DelayMin:   10,
			DelayMax:   5,
			DailyLimit: -1,
		},
	}
	err := Validate(spec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	fields := map[string]bool{}
	for _, field := range verr.Fields {
		fields[field.Field] = true
	}
	assert.True(t, fields["name"])
	assert.True(t, fields["type"])
	assert.True(t, fields["config.delay_min"])
	assert.True(t, fields["config.daily_limit"])
}

func TestValidateSchemaCatchesNegativeConditions(t *testing.T) {
	spec := validSpec()
	spec.Config.Conditions.MinUpvotes = -5

	err := Validate(spec)
	require.Error(t, err)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Len(t, verr.Fields, 1)
	assert.Equal(t, "config.conditions.min_upvotes", verr.Fields[0].Field)
	assert.Contains(t, verr.Fields[0].Message, "minimum")
}

func TestRuleConfigNormalizedDeduplicatesSets(t *testing.T) {
	config := RuleConfig{
		Subreddits:       []string{"r/golang", "golang", " /r/Golang ", ""},
		Keywords:         []string{"Go", "go", "rust"},
		CommentTemplates: []string{"b", " ", "a", "b"},
		Conditions:       Conditions{ExcludeKeywords: []string{}},
	}.normalized()

	assert.Equal(t, []string{"golang"}, config.Subreddits)
	assert.Equal(t, []string{"Go", "rust"}, config.Keywords)
	assert.Equal(t, []string{"b", "a", "b"}, config.CommentTemplates)
	assert.Nil(t, config.Conditions.ExcludeKeywords)
}
