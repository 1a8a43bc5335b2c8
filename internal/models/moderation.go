package models

type ReasonCode string

const (
	ReasonProfanity   ReasonCode = "profanity"
	ReasonOffTopic    ReasonCode = "off_topic"
	ReasonRudeness    ReasonCode = "rudeness"
	ReasonPromotional ReasonCode = "promotional"
	ReasonExcluded    ReasonCode = "excluded_word"
)

// ModerationVerdict is the result of evaluating one piece of text. For the
// outbound filtering pass Flagged is always false and FilteredText carries
// the rewritten draft.
type ModerationVerdict struct {
	Flagged      bool         `json:"flagged"`
	Reasons      []ReasonCode `json:"reasons,omitempty"`
	FilteredText string       `json:"filtered_text"`
}

// HasReason reports whether the verdict carries the given reason code.
func (v ModerationVerdict) HasReason(code ReasonCode) bool {
	for _, r := range v.Reasons {
		if r == code {
			return true
		}
	}
	return false
}

// ModerationConfig is the per-scope rule set owned by the coaching account.
// It is read fresh for every evaluation; the engine never caches it.
type ModerationConfig struct {
	Enabled            bool     `json:"enabled"`
	ExcludedWords      []string `json:"excluded_words"`
	ExcludedCharacters []string `json:"excluded_characters"`
	StrictnessLevel    int      `json:"strictness_level"`
	CustomKeywords     []string `json:"custom_keywords"`
}

// Valid reports whether the config can be applied as-is. An invalid config
// degrades to "moderation disabled" rather than failing the pipeline.
func (c *ModerationConfig) Valid() bool {
	if c == nil {
		return false
	}
	return c.StrictnessLevel >= 0 && c.StrictnessLevel <= 10
}
