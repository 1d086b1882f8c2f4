package pdfrender

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/countersign/internal/annotations"
	"github.com/MarcoPoloResearchLab/countersign/internal/placement"
	xdraw "golang.org/x/image/draw"
	"seehuhn.de/go/geom/rect"
	"seehuhn.de/go/geom/vec"
)

const (
	// DateLayout formats date stamps that were submitted without text.
	DateLayout = "01/02/2006"

	fallbackFontSize    = 12.0
	legacyOriginX       = 50.0
	legacyTopMargin     = 100.0
	legacyRowStep       = 60.0
	legacyImageWidth    = 150.0
	legacyImageHeight   = 40.0
	legacyDateDrop      = 15.0
	legacyDateFontSize  = 10.0
	legacyDateGray      = 0.5
	defaultMaxImageSide = 600
)

// LegacySignature is the flat signature payload recorded before per-page annotations existed.
type LegacySignature struct {
	// Type is "image" or "text".
	Type string
	Data string
}

// Signer is the render input for one completed signer.
type Signer struct {
	ID          string
	Name        string
	Email       string
	SignedAt    time.Time
	Annotations []annotations.Annotation
	Legacy      *LegacySignature
}

func (s Signer) displayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Email
}

// StampKind selects how a stamp is drawn.
type StampKind int

const (
	StampText StampKind = iota
	StampImage
)

// Stamp is one positioned drawing operation on a page.
type Stamp struct {
	Page     int
	Kind     StampKind
	SignerID string
	// Index is the annotation index within the signer, -1 for legacy stamps.
	Index int
	// Box is the image rectangle in page space. Used by StampImage.
	Box   rect.Rect
	Image []byte
	// PixelWidth is the width of Image in pixels.
	PixelWidth int
	// Origin is the lower-left text anchor. Used by StampText.
	Origin   vec.Vec2
	Text     string
	FontSize float64
	Gray     float64
}

// Outcome statuses reported per annotation.
const (
	OutcomeDrawn    = "drawn"
	OutcomeFallback = "fallback"
	OutcomeSkipped  = "skipped"
	OutcomeFailed   = "failed"
)

// Outcome records what happened to one annotation or legacy signature.
type Outcome struct {
	SignerID string
	Index    int
	Page     int
	Kind     annotations.Kind
	Status   string
	Reason   string
}

// Report summarizes a render.
type Report struct {
	Outcomes []Outcome
	// Approximated counts annotations resolved without intrinsic page dimensions.
	Approximated int
	// LegacySigners counts signers drawn through the stacked fallback.
	LegacySigners int
}

// Drawn counts outcomes that produced output.
func (r Report) Drawn() int {
	count := 0
	for _, outcome := range r.Outcomes {
		if outcome.Status == OutcomeDrawn || outcome.Status == OutcomeFallback {
			count++
		}
	}
	return count
}

func (r *Report) add(outcome Outcome) {
	r.Outcomes = append(r.Outcomes, outcome)
}

// planner turns signers into stamps. It performs no PDF I/O.
type planner struct {
	pages        []placement.PageSize
	maxImageSide int
	now          time.Time
}

// Plan computes the stamps for signers on a document with the given page sizes.
// Stamps are grouped by page and keep placement order within a page.
func Plan(pages []placement.PageSize, signers []Signer, now time.Time) ([]Stamp, Report) {
	p := planner{pages: pages, maxImageSide: defaultMaxImageSide, now: now}
	return p.plan(signers)
}

func (p planner) plan(signers []Signer) ([]Stamp, Report) {
	var (
		stamps []Stamp
		report Report
		legacy []Signer
	)
	for _, signer := range signers {
		if len(signer.Annotations) == 0 {
			if signer.Legacy != nil && signer.Legacy.Data != "" {
				legacy = append(legacy, signer)
			}
			continue
		}
		for index, annotation := range signer.Annotations {
			planned, outcome, approximated := p.planAnnotation(signer, index, annotation)
			if approximated {
				report.Approximated++
			}
			report.add(outcome)
			stamps = append(stamps, planned...)
		}
	}
	if len(legacy) > 0 && len(p.pages) > 0 {
		for row, signer := range legacy {
			planned, outcome := p.planLegacy(signer, row)
			report.add(outcome)
			stamps = append(stamps, planned...)
		}
		report.LegacySigners = len(legacy)
	}
	sort.SliceStable(stamps, func(i, j int) bool {
		return stamps[i].Page < stamps[j].Page
	})
	return stamps, report
}

func (p planner) planAnnotation(signer Signer, index int, annotation annotations.Annotation) ([]Stamp, Outcome, bool) {
	outcome := Outcome{SignerID: signer.ID, Index: index, Page: annotation.Page, Kind: annotation.Kind()}
	if annotation.Page < 1 || annotation.Page > len(p.pages) {
		outcome.Status = OutcomeSkipped
		outcome.Reason = fmt.Sprintf("page %d out of range (document has %d)", annotation.Page, len(p.pages))
		return nil, outcome, false
	}
	page := p.pages[annotation.Page-1]
	resolution, err := placement.Resolve(annotation.Placement, page)
	if err != nil {
		outcome.Status = OutcomeSkipped
		outcome.Reason = err.Error()
		return nil, outcome, false
	}

	base := Stamp{Page: annotation.Page, SignerID: signer.ID, Index: index}
	switch mark := annotation.Mark.(type) {
	case annotations.Signature:
		encoded, width, height, err := p.normalizeImage(mark)
		if err != nil {
			stamp := base
			stamp.Kind = StampText
			stamp.Text = "Signed by: " + signer.displayName()
			stamp.FontSize = fallbackFontSize
			stamp.Origin = placement.TextBaseline(resolution.Point, fallbackFontSize)
			outcome.Status = OutcomeFallback
			outcome.Reason = err.Error()
			return []Stamp{stamp}, outcome, resolution.Approximated
		}
		stamp := base
		stamp.Kind = StampImage
		stamp.Image = encoded
		stamp.PixelWidth = width
		stamp.Box = placement.SignatureBox(resolution.Point, float64(width), float64(height), resolution.PageScale, page)
		outcome.Status = OutcomeDrawn
		return []Stamp{stamp}, outcome, resolution.Approximated
	case annotations.Text, annotations.Date:
		size := annotation.FontSize()
		stamp := base
		stamp.Kind = StampText
		stamp.Text = p.textFor(signer, mark)
		stamp.FontSize = size
		stamp.Origin = placement.TextBaseline(resolution.Point, size)
		outcome.Status = OutcomeDrawn
		return []Stamp{stamp}, outcome, resolution.Approximated
	default:
		outcome.Status = OutcomeSkipped
		outcome.Reason = fmt.Sprintf("unsupported mark %T", mark)
		return nil, outcome, false
	}
}

func (p planner) textFor(signer Signer, mark annotations.Mark) string {
	switch value := mark.(type) {
	case annotations.Text:
		return value.Value
	case annotations.Date:
		if value.Value != "" {
			return value.Value
		}
		return p.signedDate(signer)
	default:
		return ""
	}
}

func (p planner) signedDate(signer Signer) string {
	when := signer.SignedAt
	if when.IsZero() {
		when = p.now
	}
	return when.UTC().Format(DateLayout)
}

// planLegacy stacks a flat signature on the first page, one row per signer.
func (p planner) planLegacy(signer Signer, row int) ([]Stamp, Outcome) {
	page := p.pages[0]
	y := page.Height - legacyTopMargin - float64(row)*legacyRowStep
	outcome := Outcome{SignerID: signer.ID, Index: -1, Page: 1, Kind: annotations.KindSignature}
	base := Stamp{Page: 1, SignerID: signer.ID, Index: -1}

	var stamps []Stamp
	signatureDrawn := false
	if signer.Legacy.Type != "text" {
		encoded, width, height, err := p.normalizeImage(annotations.Signature{Data: signer.Legacy.Data})
		if err == nil {
			ratio := legacyImageWidth / float64(width)
			if h := float64(height) * ratio; h > legacyImageHeight {
				ratio = legacyImageHeight / float64(height)
			}
			stamp := base
			stamp.Kind = StampImage
			stamp.Image = encoded
			stamp.PixelWidth = width
			stamp.Box = rect.Rect{
				LLx: legacyOriginX,
				LLy: y,
				URx: legacyOriginX + float64(width)*ratio,
				URy: y + float64(height)*ratio,
			}
			stamps = append(stamps, stamp)
			signatureDrawn = true
			outcome.Status = OutcomeDrawn
		} else {
			outcome.Reason = err.Error()
		}
	}
	if !signatureDrawn {
		stamp := base
		stamp.Kind = StampText
		stamp.Text = "Signed by: " + signer.displayName()
		stamp.FontSize = fallbackFontSize
		stamp.Origin = vec.Vec2{X: legacyOriginX, Y: y}
		stamps = append(stamps, stamp)
		if signer.Legacy.Type == "text" {
			outcome.Status = OutcomeDrawn
		} else {
			outcome.Status = OutcomeFallback
		}
	}

	date := base
	date.Kind = StampText
	date.Text = "Date: " + p.signedDate(signer)
	date.FontSize = legacyDateFontSize
	date.Gray = legacyDateGray
	date.Origin = vec.Vec2{X: legacyOriginX, Y: y - legacyDateDrop}
	stamps = append(stamps, date)
	return stamps, outcome
}

// normalizeImage decodes a signature payload as PNG, then JPEG, downsizes
// oversized images and re-encodes the result as PNG.
func (p planner) normalizeImage(mark annotations.Signature) ([]byte, int, int, error) {
	raw, err := mark.Bytes()
	if err != nil {
		return nil, 0, 0, err
	}
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		var jpegErr error
		img, jpegErr = jpeg.Decode(bytes.NewReader(raw))
		if jpegErr != nil {
			return nil, 0, 0, fmt.Errorf("signature image is neither png (%v) nor jpeg (%v)", err, jpegErr)
		}
	}
	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, 0, 0, fmt.Errorf("signature image is empty")
	}
	img = downscale(img, p.maxImageSide)

	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		return nil, 0, 0, err
	}
	size := img.Bounds().Size()
	return buf.Bytes(), size.X, size.Y, nil
}

func downscale(img image.Image, maxSide int) image.Image {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if maxSide <= 0 || (width <= maxSide && height <= maxSide) {
		return img
	}
	ratio := float64(maxSide) / float64(max(width, height))
	target := image.Rect(0, 0, max(1, int(float64(width)*ratio)), max(1, int(float64(height)*ratio)))
	dst := image.NewNRGBA(target)
	xdraw.CatmullRom.Scale(dst, target, img, bounds, xdraw.Over, nil)
	return dst
}
