package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageMetadata is a closed union of the metadata variants a message can
// carry. Consumers switch on the concrete type; there is no open map.
type MessageMetadata interface {
	metadataKind() string
}

// VoiceMeta describes an attached voice recording.
type VoiceMeta struct {
	DurationSeconds int    `json:"duration_seconds"`
	FileID          string `json:"file_id"`
}

// PdfAttachmentMeta references a rendered report or other PDF artifact.
type PdfAttachmentMeta struct {
	ArtifactRef string `json:"artifact_ref"`
	Title       string `json:"title"`
}

// ModerationMeta records the verdict that accompanied an inbound message.
type ModerationMeta struct {
	Verdict ModerationVerdict `json:"verdict"`
}

// AutomationMeta records how an automated reply was produced and scheduled.
type AutomationMeta struct {
	ConfidenceScore   float64   `json:"confidence_score"`
	BaseDelaySeconds  float64   `json:"base_delay_seconds"`
	MultiplierApplied float64   `json:"multiplier_applied"`
	ScheduledAt       time.Time `json:"scheduled_at"`
}

func (VoiceMeta) metadataKind() string         { return "voice" }
func (PdfAttachmentMeta) metadataKind() string { return "pdf_attachment" }
func (ModerationMeta) metadataKind() string    { return "moderation" }
func (AutomationMeta) metadataKind() string    { return "automation" }

type metadataEnvelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalMetadata wraps a metadata variant in a kind-tagged envelope for
// persistence. A nil value marshals to nil.
func MarshalMetadata(m MessageMetadata) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("error marshaling metadata payload: %w", err)
	}
	return json.Marshal(metadataEnvelope{Kind: m.metadataKind(), Payload: payload})
}

// UnmarshalMetadata reverses MarshalMetadata. Unknown kinds are an error so
// a new variant cannot silently round-trip as an open blob.
func UnmarshalMetadata(data []byte) (MessageMetadata, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var env metadataEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("error unmarshaling metadata envelope: %w", err)
	}

	var target MessageMetadata
	switch env.Kind {
	case "voice":
		target = &VoiceMeta{}
	case "pdf_attachment":
		target = &PdfAttachmentMeta{}
	case "moderation":
		target = &ModerationMeta{}
	case "automation":
		target = &AutomationMeta{}
	default:
		return nil, fmt.Errorf("unknown metadata kind %q", env.Kind)
	}
	if err := json.Unmarshal(env.Payload, target); err != nil {
		return nil, fmt.Errorf("error unmarshaling %s metadata: %w", env.Kind, err)
	}

	switch v := target.(type) {
	case *VoiceMeta:
		return *v, nil
	case *PdfAttachmentMeta:
		return *v, nil
	case *ModerationMeta:
		return *v, nil
	case *AutomationMeta:
		return *v, nil
	}
	return nil, fmt.Errorf("unknown metadata kind %q", env.Kind)
}
