package annotations

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/countersign/internal/placement"
)

// wireAnnotation is the JSON shape exchanged with clients and persisted on signer rows.
// All six placement fields are always written.
type wireAnnotation struct {
	Type              string  `json:"type"`
	Data              string  `json:"data"`
	Page              int     `json:"page"`
	X                 float64 `json:"x"`
	Y                 float64 `json:"y"`
	CanvasWidth       float64 `json:"canvasWidth"`
	CanvasHeight      float64 `json:"canvasHeight"`
	OriginalPdfWidth  float64 `json:"originalPdfWidth"`
	OriginalPdfHeight float64 `json:"originalPdfHeight"`
	Scale             float64 `json:"scale"`
	FontSize          float64 `json:"fontSize,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (a Annotation) MarshalJSON() ([]byte, error) {
	if a.Mark == nil {
		return nil, fmt.Errorf("%w: mark is required", ErrInvalidAnnotation)
	}
	wire := wireAnnotation{
		Type:              string(a.Mark.Kind()),
		Data:              a.Mark.payload(),
		Page:              a.Page,
		X:                 a.Placement.ClickX,
		Y:                 a.Placement.ClickY,
		CanvasWidth:       a.Placement.CanvasWidth,
		CanvasHeight:      a.Placement.CanvasHeight,
		OriginalPdfWidth:  a.Placement.IntrinsicWidth,
		OriginalPdfHeight: a.Placement.IntrinsicHeight,
		Scale:             a.Placement.Scale,
	}
	if text, ok := a.Mark.(Text); ok {
		wire.FontSize = text.FontSize
	}
	return json.Marshal(wire)
}

// UnmarshalJSON implements json.Unmarshaler. It only checks the discriminator;
// callers accepting new submissions must call Validate.
func (a *Annotation) UnmarshalJSON(data []byte) error {
	var wire wireAnnotation
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAnnotation, err)
	}
	var mark Mark
	switch Kind(strings.ToLower(strings.TrimSpace(wire.Type))) {
	case KindSignature:
		mark = Signature{Data: wire.Data}
	case KindText:
		mark = Text{Value: wire.Data, FontSize: wire.FontSize}
	case KindDate:
		mark = Date{Value: wire.Data}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, wire.Type)
	}
	*a = Annotation{
		Page: wire.Page,
		Placement: placement.Context{
			ClickX:          wire.X,
			ClickY:          wire.Y,
			CanvasWidth:     wire.CanvasWidth,
			CanvasHeight:    wire.CanvasHeight,
			IntrinsicWidth:  wire.OriginalPdfWidth,
			IntrinsicHeight: wire.OriginalPdfHeight,
			Scale:           wire.Scale,
		},
		Mark: mark,
	}
	return nil
}

// EncodeList serializes annotations for storage. A nil list encodes as "[]".
func EncodeList(list []Annotation) (string, error) {
	if list == nil {
		list = []Annotation{}
	}
	encoded, err := json.Marshal(list)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// DecodeList parses stored annotations without enforcing the submission contract.
func DecodeList(raw string) ([]Annotation, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	var list []Annotation
	if err := json.Unmarshal([]byte(trimmed), &list); err != nil {
		return nil, err
	}
	return list, nil
}

// ParseSubmitted decodes and validates annotations from a signing request.
func ParseSubmitted(raw json.RawMessage) ([]Annotation, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var list []Annotation
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, err
	}
	if err := ValidateAll(list); err != nil {
		return nil, err
	}
	return list, nil
}
