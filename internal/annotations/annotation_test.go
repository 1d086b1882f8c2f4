package annotations

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/countersign/internal/placement"
	"github.com/google/go-cmp/cmp"
)

func fullPlacement() placement.Context {
	return placement.Context{
		ClickX: 100, ClickY: 120,
		CanvasWidth: 612, CanvasHeight: 792,
		IntrinsicWidth: 612, IntrinsicHeight: 792,
		Scale: 1,
	}
}

func TestParseSubmittedDecodesVariants(t *testing.T) {
	raw := json.RawMessage(`[
		{"type":"signature","data":"data:image/png;base64,aGVsbG8=","page":2,"x":100,"y":120,"canvasWidth":612,"canvasHeight":792,"originalPdfWidth":612,"originalPdfHeight":792,"scale":1},
		{"type":"text","data":"Approved","page":1,"x":10,"y":20,"canvasWidth":612,"canvasHeight":792,"originalPdfWidth":612,"originalPdfHeight":792,"scale":1,"fontSize":18},
		{"type":"DATE","data":"","page":1,"x":10,"y":40,"canvasWidth":612,"canvasHeight":792,"originalPdfWidth":612,"originalPdfHeight":792,"scale":1,"fontSize":30}
	]`)

	list, err := ParseSubmitted(raw)
	if err != nil {
		t.Fatalf("parse submitted: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 annotations, got %d", len(list))
	}
	if list[0].Kind() != KindSignature || list[1].Kind() != KindText || list[2].Kind() != KindDate {
		t.Fatalf("unexpected kinds: %s %s %s", list[0].Kind(), list[1].Kind(), list[2].Kind())
	}
	if list[0].Page != 2 {
		t.Fatalf("unexpected page %d", list[0].Page)
	}
	if got := list[1].FontSize(); got != 18 {
		t.Fatalf("unexpected text font size %v", got)
	}
	if got := list[2].FontSize(); got != DateFontSize {
		t.Fatalf("date font size must be fixed, got %v", got)
	}
	image, err := list[0].Mark.(Signature).Bytes()
	if err != nil {
		t.Fatalf("decode signature bytes: %v", err)
	}
	if string(image) != "hello" {
		t.Fatalf("unexpected signature bytes %q", image)
	}
}

func TestParseSubmittedRejectsMissingIntrinsic(t *testing.T) {
	raw := json.RawMessage(`[{"type":"text","data":"x","page":1,"x":1,"y":1,"canvasWidth":612,"canvasHeight":792,"scale":1}]`)
	_, err := ParseSubmitted(raw)
	if !errors.Is(err, ErrMissingIntrinsic) {
		t.Fatalf("expected missing intrinsic error, got %v", err)
	}
}

func TestParseSubmittedRejectsInvalidInput(t *testing.T) {
	testCases := []struct {
		name string
		raw  string
		want error
	}{
		{name: "unknown type", raw: `[{"type":"stamp","data":"x","page":1}]`, want: ErrUnknownKind},
		{name: "page zero", raw: `[{"type":"text","data":"x","page":0,"x":1,"y":1,"canvasWidth":10,"canvasHeight":10,"originalPdfWidth":10,"originalPdfHeight":10,"scale":1}]`, want: ErrInvalidAnnotation},
		{name: "empty text", raw: `[{"type":"text","data":"  ","page":1,"x":1,"y":1,"canvasWidth":10,"canvasHeight":10,"originalPdfWidth":10,"originalPdfHeight":10,"scale":1}]`, want: ErrInvalidAnnotation},
		{name: "empty signature", raw: `[{"type":"signature","data":"","page":1,"x":1,"y":1,"canvasWidth":10,"canvasHeight":10,"originalPdfWidth":10,"originalPdfHeight":10,"scale":1}]`, want: ErrInvalidAnnotation},
		{name: "huge font", raw: `[{"type":"text","data":"x","page":1,"x":1,"y":1,"canvasWidth":10,"canvasHeight":10,"originalPdfWidth":10,"originalPdfHeight":10,"scale":1,"fontSize":400}]`, want: ErrInvalidAnnotation},
		{name: "zero scale", raw: `[{"type":"text","data":"x","page":1,"x":1,"y":1,"canvasWidth":10,"canvasHeight":10,"originalPdfWidth":10,"originalPdfHeight":10,"scale":0}]`, want: ErrInvalidAnnotation},
		{name: "zero canvas", raw: `[{"type":"text","data":"x","page":1,"x":1,"y":1,"canvasWidth":0,"canvasHeight":10,"originalPdfWidth":10,"originalPdfHeight":10,"scale":1}]`, want: placement.ErrInvalidCanvas},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := ParseSubmitted(json.RawMessage(testCase.raw))
			if !errors.Is(err, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, err)
			}
		})
	}
}

func TestValidateAllCapsBatchSize(t *testing.T) {
	list := make([]Annotation, MaxPerSigner+1)
	for i := range list {
		list[i] = Annotation{Page: 1, Placement: fullPlacement(), Mark: Text{Value: "x"}}
	}
	if err := ValidateAll(list); !errors.Is(err, ErrInvalidAnnotation) {
		t.Fatalf("expected batch size rejection, got %v", err)
	}
}

func TestEncodeListKeepsPlacementFields(t *testing.T) {
	list := []Annotation{
		{Page: 1, Placement: fullPlacement(), Mark: Text{Value: "Hi", FontSize: 16}},
		{Page: 3, Placement: placement.Context{ClickX: 5, ClickY: 6, CanvasWidth: 10, CanvasHeight: 20, Scale: 2}, Mark: Date{}},
	}
	encoded, err := EncodeList(list)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for _, field := range []string{"canvasWidth", "canvasHeight", "originalPdfWidth", "originalPdfHeight", "scale", `"x"`, `"y"`} {
		if strings.Count(encoded, field) != 2 {
			t.Fatalf("expected field %s on every annotation: %s", field, encoded)
		}
	}

	decoded, err := DecodeList(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(list, decoded); diff != "" {
		t.Fatalf("decoded annotations differ (-want +got):\n%s", diff)
	}
}

func TestDecodeListAcceptsLegacyWithoutIntrinsic(t *testing.T) {
	decoded, err := DecodeList(`[{"type":"signature","data":"aGk=","page":1,"x":1,"y":2,"canvasWidth":10,"canvasHeight":10,"scale":1}]`)
	if err != nil {
		t.Fatalf("decode legacy: %v", err)
	}
	if len(decoded) != 1 || decoded[0].Placement.HasIntrinsic() {
		t.Fatalf("unexpected legacy decode %+v", decoded)
	}
	empty, err := DecodeList("")
	if err != nil || empty != nil {
		t.Fatalf("expected nil list for empty input, got %v %v", empty, err)
	}
}

func TestDecodeImagePayload(t *testing.T) {
	testCases := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "raw base64", input: "aGVsbG8=", want: "hello"},
		{name: "data url", input: "data:image/jpeg;base64,aGVsbG8=", want: "hello"},
		{name: "unpadded", input: "aGVsbG8", want: "hello"},
		{name: "not base64", input: "%%%", wantErr: true},
		{name: "empty after prefix", input: "data:image/png;base64,", wantErr: true},
		{name: "missing comma", input: "data:image/png", wantErr: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			got, err := DecodeImagePayload(testCase.input)
			if testCase.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if string(got) != testCase.want {
				t.Fatalf("got %q, want %q", got, testCase.want)
			}
		})
	}
}

func TestDecodeDataURLReportsMediaType(t *testing.T) {
	decoded, mediaType, err := DecodeDataURL(" data:application/pdf;base64,aGVsbG8 ")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(decoded) != "hello" || mediaType != "application/pdf" {
		t.Fatalf("got %q %q", decoded, mediaType)
	}
	if _, mediaType, err = DecodeDataURL("aGVsbG8="); err != nil || mediaType != "" {
		t.Fatalf("raw base64 must carry no media type, got %q %v", mediaType, err)
	}
	if _, _, err = DecodeDataURL("data:application/pdf"); err == nil {
		t.Fatalf("expected malformed data url error")
	}
}
