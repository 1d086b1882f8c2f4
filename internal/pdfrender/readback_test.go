package pdfrender

import (
	"bytes"
	"context"
	"math"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/countersign/internal/annotations"
	"github.com/MarcoPoloResearchLab/countersign/internal/pdftest"
	"github.com/digitorus/pdf"
)

var (
	formPlacementPattern = regexp.MustCompile(`(-?[0-9.]+) (-?[0-9.]+) cm (?:/\S+ gs )?/(\S+) Do`)
	textPositionPattern  = regexp.MustCompile(`(-?[0-9.]+) (-?[0-9.]+) Td`)
)

// drawnForm is a form XObject painted on a page, with the translation it was painted at.
type drawnForm struct {
	X, Y    float64
	Content string
}

func streamData(value pdf.Value) string {
	if value.Kind() == pdf.Array {
		var b strings.Builder
		for i := 0; i < value.Len(); i++ {
			b.Write(value.Index(i).Data())
			b.WriteByte('\n')
		}
		return b.String()
	}
	return string(value.Data())
}

func parseNumber(t *testing.T, raw string) float64 {
	t.Helper()
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return value
}

func drawnForms(t *testing.T, data []byte, pageNumber int) []drawnForm {
	t.Helper()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("read rendered pdf: %v", err)
	}
	page := reader.Page(pageNumber)
	content := streamData(page.V.Key("Contents"))
	xobjects := page.Resources().Key("XObject")

	var forms []drawnForm
	for _, match := range formPlacementPattern.FindAllStringSubmatch(content, -1) {
		forms = append(forms, drawnForm{
			X:       parseNumber(t, match[1]),
			Y:       parseNumber(t, match[2]),
			Content: streamData(xobjects.Key(match[3])),
		})
	}
	return forms
}

func within(a, b, tolerance float64) bool {
	return math.Abs(a-b) <= tolerance
}

func TestRenderedTextSitsOnPlannedBaseline(t *testing.T) {
	original := pdftest.Document([2]float64{600, 800})
	renderer := NewRenderer(RendererConfig{Clock: func() time.Time { return fixedNow }})
	signers := []Signer{{
		ID: "signer-1", Name: "Ada", SignedAt: fixedNow,
		Annotations: []annotations.Annotation{{
			Page:      1,
			Placement: portraitContext(300, 400),
			Mark:      annotations.Text{Value: "Hello", FontSize: 14},
		}},
	}}

	output, report, err := renderer.Render(context.Background(), original, signers)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if report.Drawn() != 1 {
		t.Fatalf("expected one drawn stamp, got %+v", report.Outcomes)
	}

	forms := drawnForms(t, output, 1)
	if len(forms) != 1 {
		t.Fatalf("expected one painted form, got %d", len(forms))
	}
	if !strings.Contains(forms[0].Content, "(Hello) Tj") {
		t.Fatalf("form does not draw the text: %q", forms[0].Content)
	}
	position := textPositionPattern.FindStringSubmatch(forms[0].Content)
	if position == nil {
		t.Fatalf("form has no text position: %q", forms[0].Content)
	}
	baselineX := forms[0].X + parseNumber(t, position[1])
	baselineY := forms[0].Y + parseNumber(t, position[2])

	// Click at y=400 from the top of an 800pt page, dropped by a quarter of 14pt.
	if !within(baselineX, 300, 0.01) || !within(baselineY, 396.5, 0.01) {
		t.Fatalf("baseline drawn at (%.2f, %.2f), want (300, 396.5)", baselineX, baselineY)
	}
	if baselineY >= 400 {
		t.Fatalf("baseline %.2f must sit below the click point", baselineY)
	}
}

func TestRenderedSignatureIsCenteredOnClick(t *testing.T) {
	original := pdftest.Document([2]float64{600, 800}, [2]float64{600, 800})
	renderer := NewRenderer(RendererConfig{Clock: func() time.Time { return fixedNow }})
	signers := []Signer{{
		ID: "signer-1", Name: "Ada", SignedAt: fixedNow,
		Annotations: []annotations.Annotation{{
			Page:      2,
			Placement: portraitContext(100, 100),
			Mark:      annotations.Signature{Data: pngPayload(300, 120)},
		}},
	}}

	output, _, err := renderer.Render(context.Background(), original, signers)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if forms := drawnForms(t, output, 1); len(forms) != 0 {
		t.Fatalf("page 1 must stay untouched, got %d forms", len(forms))
	}
	forms := drawnForms(t, output, 2)
	if len(forms) != 1 {
		t.Fatalf("expected one painted form on page 2, got %d", len(forms))
	}

	pages, err := Inspect(original)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	stamps, _ := Plan(pages, signers, fixedNow)
	box := stamps[0].Box
	centerX := forms[0].X + box.Dx()/2
	centerY := forms[0].Y + box.Dy()/2
	if !within(centerX, 100, 0.01) || !within(centerY, 700, 0.01) {
		t.Fatalf("signature centered at (%.2f, %.2f), want (100, 700)", centerX, centerY)
	}
}
