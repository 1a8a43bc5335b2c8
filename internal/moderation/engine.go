package moderation

import (
	"regexp"
	"strings"
	"sync"

	"github.com/xaenox/coach-bot/internal/models"
	"go.uber.org/zap"
)

// Built-in rule lists. Account-specific vocabulary comes in through the
// ModerationConfig instead.
var (
	profanityWords = []string{
		"damn", "hell", "crap", "bastard", "bullshit", "shit", "fuck", "asshole",
	}
	rudenessWords = []string{
		"idiot", "stupid", "useless", "shut up", "moron", "pathetic",
	}
	promotionalWords = []string{
		"buy now", "limited offer", "discount code", "promo code", "click here",
		"subscribe", "free trial",
	}
	// Off-topic markers, gated by strictness: the engine only flags these
	// once the configured level crosses offTopicStrictness.
	offTopicWords = []string{
		"crypto", "bitcoin", "lottery", "casino", "betting", "stock tips",
	}
)

const offTopicStrictness = 5

// maxCachedPatterns caps the compiled-regexp cache. Admins rotate excluded
// words over time, so the cache resets instead of growing without bound.
const maxCachedPatterns = 256

// Engine scores inbound text and rewrites outbound drafts against the
// account's moderation rule set.
type Engine struct {
	mu      sync.Mutex
	regexps map[string]*regexp.Regexp
	logger  *zap.Logger
}

func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{
		regexps: make(map[string]*regexp.Regexp),
		logger:  logger,
	}
}

// Evaluate runs the inbound pass: the original text is never mutated, the
// verdict only reports whether and why the text tripped a rule. An invalid
// or disabled config yields a clean verdict.
func (e *Engine) Evaluate(text string, cfg *models.ModerationConfig) models.ModerationVerdict {
	verdict := models.ModerationVerdict{FilteredText: text}

	if !cfg.Valid() || !cfg.Enabled {
		if cfg != nil && !cfg.Valid() {
			e.logger.Warn("Invalid moderation config, treating moderation as disabled",
				zap.Int("strictness_level", cfg.StrictnessLevel))
		}
		return verdict
	}

	lower := strings.ToLower(text)

	for _, word := range cfg.ExcludedWords {
		if word != "" && strings.Contains(lower, strings.ToLower(word)) {
			verdict.Reasons = appendReason(verdict.Reasons, models.ReasonExcluded)
			break
		}
	}
	for _, kw := range cfg.CustomKeywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			verdict.Reasons = appendReason(verdict.Reasons, models.ReasonExcluded)
			break
		}
	}

	if e.containsAny(text, profanityWords) {
		verdict.Reasons = appendReason(verdict.Reasons, models.ReasonProfanity)
	}
	if e.containsAny(text, rudenessWords) {
		verdict.Reasons = appendReason(verdict.Reasons, models.ReasonRudeness)
	}
	if e.containsAny(text, promotionalWords) {
		verdict.Reasons = appendReason(verdict.Reasons, models.ReasonPromotional)
	}
	if cfg.StrictnessLevel >= offTopicStrictness && e.containsAny(text, offTopicWords) {
		verdict.Reasons = appendReason(verdict.Reasons, models.ReasonOffTopic)
	}

	verdict.Flagged = len(verdict.Reasons) > 0
	return verdict
}

// Filter runs the outbound pass on a draft reply: every excluded word is
// removed on a case-insensitive word-boundary match and every excluded
// character is stripped. It never flags; the rewritten text is the result.
func (e *Engine) Filter(text string, cfg *models.ModerationConfig) string {
	if !cfg.Valid() || !cfg.Enabled {
		return text
	}

	filtered := text
	for _, word := range cfg.ExcludedWords {
		if word == "" {
			continue
		}
		filtered = e.wordPattern(word).ReplaceAllString(filtered, "")
	}
	for _, ch := range cfg.ExcludedCharacters {
		if ch == "" {
			continue
		}
		filtered = strings.ReplaceAll(filtered, ch, "")
	}
	return filtered
}

// containsAny matches each list entry on a word boundary so "hello" does not
// trip on "hell".
func (e *Engine) containsAny(text string, words []string) bool {
	for _, word := range words {
		if e.wordPattern(word).MatchString(text) {
			return true
		}
	}
	return false
}

func (e *Engine) wordPattern(word string) *regexp.Regexp {
	e.mu.Lock()
	defer e.mu.Unlock()

	if re, ok := e.regexps[word]; ok {
		return re
	}
	if len(e.regexps) >= maxCachedPatterns {
		e.regexps = make(map[string]*regexp.Regexp, maxCachedPatterns)
	}
	re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(word) + `\b`)
	e.regexps[word] = re
	return re
}

func appendReason(reasons []models.ReasonCode, code models.ReasonCode) []models.ReasonCode {
	for _, r := range reasons {
		if r == code {
			return reasons
		}
	}
	return append(reasons, code)
}
