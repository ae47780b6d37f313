package txn

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Expiry rules carried over from the claws backend.
const (
	DefaultExpiry      = 7 * 24 * time.Hour
	PriorityExpiry     = 3 * 24 * time.Hour
	HighPriorityExpiry = 24 * time.Hour
	DefaultExtendDays  = 7
)

// CapturePayload records a new intention.
type CapturePayload struct {
	Content       string `json:"content" validate:"required,min=1,max=5000"`
	ContentType   string `json:"content_type,omitempty" validate:"omitempty,oneof=text voice photo"`
	Priority      bool   `json:"priority,omitempty"`
	PriorityLevel string `json:"priority_level,omitempty" validate:"omitempty,oneof=normal high"`
	LocationName  string `json:"location_name,omitempty" validate:"max=200"`
	TimeContext   string `json:"time_context,omitempty" validate:"max=50"`
	AppTrigger    string `json:"app_trigger,omitempty" validate:"max=50"`
}

// Expiry returns how long a fresh capture stays active.
func (p CapturePayload) Expiry() time.Duration {
	if !p.Priority {
		return DefaultExpiry
	}
	if p.PriorityLevel == "high" {
		return HighPriorityExpiry
	}
	return PriorityExpiry
}

// ExtendPayload pushes an item's expiry out.
type ExtendPayload struct {
	Days int `json:"days" validate:"min=1,max=30"`
}

// MergePayload folds the transaction's entity into TargetKey. TargetID is
// filled in at dispatch time from the read-model.
type MergePayload struct {
	TargetKey string `json:"target_key" validate:"required"`
	TargetID  string `json:"target_id,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// NormalizePayload validates raw for type t and returns its canonical JSON.
// Strike and release carry no payload.
func NormalizePayload(t Type, entityKey string, raw json.RawMessage) (json.RawMessage, error) {
	var v any
	switch t {
	case TypeCapture:
		var p CapturePayload
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		if p.ContentType == "" {
			p.ContentType = "text"
		}
		v = p
	case TypeExtend:
		p := ExtendPayload{Days: DefaultExtendDays}
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		v = p
	case TypeMerge:
		var p MergePayload
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		if p.TargetKey == entityKey {
			return nil, &ValidationError{Msg: "cannot merge an item into itself"}
		}
		p.TargetID = ""
		v = p
	case TypeStrike, TypeRelease:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}

	if err := validate.Struct(v); err != nil {
		return nil, &ValidationError{Msg: string(t) + " payload", Err: err}
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return out, nil
}

func decode(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &ValidationError{Msg: "malformed payload", Err: err}
	}
	return nil
}

// DecodeCapture, DecodeExtend and DecodeMerge read a normalized payload.
func DecodeCapture(raw json.RawMessage) (CapturePayload, error) {
	var p CapturePayload
	err := json.Unmarshal(raw, &p)
	return p, err
}

func DecodeExtend(raw json.RawMessage) (ExtendPayload, error) {
	p := ExtendPayload{Days: DefaultExtendDays}
	if len(raw) == 0 {
		return p, nil
	}
	err := json.Unmarshal(raw, &p)
	return p, err
}

func DecodeMerge(raw json.RawMessage) (MergePayload, error) {
	var p MergePayload
	err := json.Unmarshal(raw, &p)
	return p, err
}
