// Package placement maps marks dropped on a rendered page canvas into PDF user space.
package placement

import (
	"errors"
	"fmt"
	"math"

	"seehuhn.de/go/geom/matrix"
	"seehuhn.de/go/geom/rect"
	"seehuhn.de/go/geom/vec"
)

const (
	// MaxSignatureWidth bounds a stamped signature image at page scale 1.
	MaxSignatureWidth = 150.0
	// MaxSignatureHeight bounds a stamped signature image at page scale 1.
	MaxSignatureHeight = 60.0
	// BaselineDropRatio moves text anchors below the click point, relative to the font size.
	BaselineDropRatio = 0.25
)

var (
	// ErrInvalidCanvas indicates non-positive canvas dimensions.
	ErrInvalidCanvas = errors.New("placement: canvas dimensions must be positive")
	// ErrInvalidClick indicates a click outside the positive canvas quadrant.
	ErrInvalidClick = errors.New("placement: click position must be non-negative")
	// ErrInvalidPage indicates a target page without a usable size.
	ErrInvalidPage = errors.New("placement: page dimensions must be positive")
	// ErrMissingIntrinsic indicates that neither intrinsic dimensions nor a zoom scale were captured.
	ErrMissingIntrinsic = errors.New("placement: intrinsic dimensions unavailable")
)

// Context is the geometry captured when a mark was placed on the canvas.
// Canvas coordinates have their origin at the top-left corner with Y growing downward.
type Context struct {
	ClickX          float64
	ClickY          float64
	CanvasWidth     float64
	CanvasHeight    float64
	IntrinsicWidth  float64
	IntrinsicHeight float64
	Scale           float64
}

// HasIntrinsic reports whether the page size at zoom 1.0 was captured.
func (c Context) HasIntrinsic() bool {
	return c.IntrinsicWidth > 0 && c.IntrinsicHeight > 0
}

// Validate checks the fields every transform depends on.
func (c Context) Validate() error {
	if !(c.CanvasWidth > 0) || !(c.CanvasHeight > 0) {
		return fmt.Errorf("%w: %vx%v", ErrInvalidCanvas, c.CanvasWidth, c.CanvasHeight)
	}
	if c.ClickX < 0 || c.ClickY < 0 || math.IsNaN(c.ClickX) || math.IsNaN(c.ClickY) {
		return fmt.Errorf("%w: (%v, %v)", ErrInvalidClick, c.ClickX, c.ClickY)
	}
	if !c.HasIntrinsic() && !(c.Scale > 0) {
		return ErrMissingIntrinsic
	}
	return nil
}

// intrinsic returns the zoom-1.0 page size, deriving it from canvas/scale
// when the capture is missing. The second result is true when derived.
func (c Context) intrinsic() (float64, float64, bool) {
	if c.HasIntrinsic() {
		return c.IntrinsicWidth, c.IntrinsicHeight, false
	}
	return c.CanvasWidth / c.Scale, c.CanvasHeight / c.Scale, true
}

// PageSize is the size of a PDF page in points.
type PageSize struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (p PageSize) valid() bool {
	return p.Width > 0 && p.Height > 0
}

// Bounds returns the page rectangle anchored at the origin.
func (p PageSize) Bounds() rect.Rect {
	return rect.Rect{LLx: 0, LLy: 0, URx: p.Width, URy: p.Height}
}

// Resolution is a click position expressed in PDF user space.
type Resolution struct {
	Point vec.Vec2
	// PageScale is the ratio between the target page and the intrinsic capture, per axis.
	PageScale vec.Vec2
	// Approximated is set when the intrinsic size was derived from canvas/scale.
	Approximated bool
}

// Transform builds the canvas-to-page matrix: canvas pixels to intrinsic
// points, intrinsic points to target page points, then the Y flip.
func Transform(c Context, page PageSize) (matrix.Matrix, bool, error) {
	if err := c.Validate(); err != nil {
		return matrix.Identity, false, err
	}
	if !page.valid() {
		return matrix.Identity, false, fmt.Errorf("%w: %vx%v", ErrInvalidPage, page.Width, page.Height)
	}
	intrinsicW, intrinsicH, approximated := c.intrinsic()

	canvasToIntrinsic := matrix.Scale(intrinsicW/c.CanvasWidth, intrinsicH/c.CanvasHeight)
	intrinsicToPage := matrix.Scale(page.Width/intrinsicW, page.Height/intrinsicH)
	flip := matrix.Matrix{1, 0, 0, -1, 0, page.Height}

	return canvasToIntrinsic.Mul(intrinsicToPage).Mul(flip), approximated, nil
}

// Resolve maps the click position of c onto page.
func Resolve(c Context, page PageSize) (Resolution, error) {
	m, approximated, err := Transform(c, page)
	if err != nil {
		return Resolution{}, err
	}
	intrinsicW, intrinsicH, _ := c.intrinsic()
	px, py := m.Apply(c.ClickX, c.ClickY)
	return Resolution{
		Point:        vec.Vec2{X: px, Y: py},
		PageScale:    vec.Vec2{X: page.Width / intrinsicW, Y: page.Height / intrinsicH},
		Approximated: approximated,
	}, nil
}

// SignatureBox fits an image of the given pixel size into the maximum
// signature box, scaled by pageScale, centered on anchor and clamped so it
// stays inside the page.
func SignatureBox(anchor vec.Vec2, imageWidth, imageHeight float64, pageScale vec.Vec2, page PageSize) rect.Rect {
	if pageScale.X <= 0 {
		pageScale.X = 1
	}
	if pageScale.Y <= 0 {
		pageScale.Y = 1
	}
	maxW := MaxSignatureWidth * pageScale.X
	maxH := MaxSignatureHeight * pageScale.Y
	if page.valid() {
		maxW = math.Min(maxW, page.Width)
		maxH = math.Min(maxH, page.Height)
	}

	w, h := maxW, maxH
	if imageWidth > 0 && imageHeight > 0 {
		ratio := math.Min(maxW/imageWidth, maxH/imageHeight)
		w = imageWidth * ratio
		h = imageHeight * ratio
	}

	box := rect.Rect{
		LLx: anchor.X - w/2,
		LLy: anchor.Y - h/2,
		URx: anchor.X + w/2,
		URy: anchor.Y + h/2,
	}
	if !page.valid() {
		return box
	}
	return clamp(box, page)
}

func clamp(box rect.Rect, page PageSize) rect.Rect {
	w, h := box.Dx(), box.Dy()
	if box.LLx < 0 {
		box.LLx, box.URx = 0, w
	}
	if box.URx > page.Width {
		box.LLx, box.URx = page.Width-w, page.Width
	}
	if box.LLy < 0 {
		box.LLy, box.URy = 0, h
	}
	if box.URy > page.Height {
		box.LLy, box.URy = page.Height-h, page.Height
	}
	return box
}

// TextBaseline returns the left baseline origin for a text mark placed at anchor.
func TextBaseline(anchor vec.Vec2, fontSize float64) vec.Vec2 {
	return vec.Vec2{X: anchor.X, Y: anchor.Y - BaselineDropRatio*fontSize}
}
