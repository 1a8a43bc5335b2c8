package moderation

import (
	"fmt"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/coach-bot/internal/models"
	"go.uber.org/zap"
)

func enabledConfig() *models.ModerationConfig {
	return &models.ModerationConfig{Enabled: true, StrictnessLevel: 3}
}

func TestFilterRemovesWordsAndCharacters(t *testing.T) {
	e := NewEngine(zap.NewNop())
	cfg := enabledConfig()
	cfg.ExcludedWords = []string{"definitely"}
	cfg.ExcludedCharacters = []string{"!"}

	got := e.Filter("I definitely need help!", cfg)

	assert.NotContains(t, strings.ToLower(got), "definitely")
	assert.NotContains(t, got, "!")
	assert.Equal(t, "I need help", strings.Join(strings.Fields(got), " "))
}

func TestFilterWordBoundary(t *testing.T) {
	e := NewEngine(zap.NewNop())
	cfg := enabledConfig()
	cfg.ExcludedWords = []string{"cat"}

	// "catalog" must survive a word-boundary removal of "cat".
	got := e.Filter("The cat sat on the catalog", cfg)
	assert.Equal(t, "The  sat on the catalog", got)
}

func TestFilterCaseInsensitive(t *testing.T) {
	e := NewEngine(zap.NewNop())
	cfg := enabledConfig()
	cfg.ExcludedWords = []string{"secret"}

	got := e.Filter("SECRET plans and Secret moves", cfg)
	assert.NotRegexp(t, regexp.MustCompile(`(?i)secret`), got)
}

func TestFilterEmptyRuleSetsAreNoOps(t *testing.T) {
	e := NewEngine(zap.NewNop())
	cfg := enabledConfig()

	const text = "nothing to see here!"
	assert.Equal(t, text, e.Filter(text, cfg))
}

func TestFilterNeverLeaksExcludedWords(t *testing.T) {
	e := NewEngine(zap.NewNop())
	cfg := enabledConfig()
	cfg.ExcludedWords = []string{"alpha", "beta", "gamma"}

	texts := []string{
		"alpha beta gamma",
		"Alpha, then BETA. Finally gamma!",
		"alphabet is fine but alpha is not",
		"no rule words at all",
	}
	for _, text := range texts {
		got := e.Filter(text, cfg)
		for _, word := range cfg.ExcludedWords {
			re := regexp.MustCompile(`(?i)\b` + word + `\b`)
			assert.NotRegexp(t, re, got, "input %q", text)
		}
	}
	// Substrings survive: "alphabet" is not "alpha".
	assert.Contains(t, e.Filter("alphabet soup", cfg), "alphabet")
}

func TestEvaluateProfanity(t *testing.T) {
	e := NewEngine(zap.NewNop())
	verdict := e.Evaluate("this is bullshit", enabledConfig())

	require.True(t, verdict.Flagged)
	assert.True(t, verdict.HasReason(models.ReasonProfanity))
	// Inbound evaluation never rewrites the original.
	assert.Equal(t, "this is bullshit", verdict.FilteredText)
}

func TestEvaluateRudenessAndPromotional(t *testing.T) {
	e := NewEngine(zap.NewNop())

	v := e.Evaluate("you are an idiot", enabledConfig())
	assert.True(t, v.HasReason(models.ReasonRudeness))

	v = e.Evaluate("use my promo code COACH10", enabledConfig())
	assert.True(t, v.HasReason(models.ReasonPromotional))
}

func TestEvaluateOffTopicGatedByStrictness(t *testing.T) {
	e := NewEngine(zap.NewNop())

	lax := enabledConfig()
	lax.StrictnessLevel = 2
	assert.False(t, e.Evaluate("should I buy bitcoin?", lax).HasReason(models.ReasonOffTopic))

	strict := enabledConfig()
	strict.StrictnessLevel = 8
	assert.True(t, e.Evaluate("should I buy bitcoin?", strict).HasReason(models.ReasonOffTopic))
}

func TestEvaluateExcludedWordsAndCustomKeywords(t *testing.T) {
	e := NewEngine(zap.NewNop())
	cfg := enabledConfig()
	cfg.ExcludedWords = []string{"competitor"}
	cfg.CustomKeywords = []string{"refund"}

	assert.True(t, e.Evaluate("switching to a Competitor gym", cfg).Flagged)
	assert.True(t, e.Evaluate("I want a REFUND now", cfg).Flagged)
	assert.False(t, e.Evaluate("just a normal question", cfg).Flagged)
}

func TestDisabledOrInvalidConfig(t *testing.T) {
	e := NewEngine(zap.NewNop())

	disabled := &models.ModerationConfig{Enabled: false}
	assert.False(t, e.Evaluate("bullshit", disabled).Flagged)
	assert.Equal(t, "damn!", e.Filter("damn!", disabled))

	invalid := &models.ModerationConfig{Enabled: true, StrictnessLevel: 42}
	assert.False(t, e.Evaluate("bullshit", invalid).Flagged)

	var missing *models.ModerationConfig
	assert.False(t, e.Evaluate("bullshit", missing).Flagged)
	assert.Equal(t, "text", e.Filter("text", missing))
}

func TestPatternCacheStaysBounded(t *testing.T) {
	e := NewEngine(zap.NewNop())
	cfg := enabledConfig()

	// An admin rotating the excluded vocabulary must not grow the cache
	// forever.
	for i := 0; i < maxCachedPatterns*3; i++ {
		cfg.ExcludedWords = []string{fmt.Sprintf("word%d", i)}
		e.Filter("some outbound text", cfg)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.LessOrEqual(t, len(e.regexps), maxCachedPatterns)
}
