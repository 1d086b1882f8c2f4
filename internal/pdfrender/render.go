// Package pdfrender burns signer annotations onto PDF pages.
package pdfrender

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/font"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
	"go.uber.org/zap"
)

const stampFont = "Helvetica"

// ErrRenderFailure indicates that the document itself could not be loaded or written.
var ErrRenderFailure = errors.New("pdfrender: render failure")

var disableConfigDir sync.Once

// RendererConfig configures a Renderer.
type RendererConfig struct {
	Logger *zap.Logger
	// Clock dates date stamps for signers without a signed-at time.
	Clock func() time.Time
}

// Renderer applies planned stamps with pdfcpu.
type Renderer struct {
	logger *zap.Logger
	clock  func() time.Time
}

// NewRenderer constructs a Renderer.
func NewRenderer(cfg RendererConfig) *Renderer {
	disableConfigDir.Do(api.DisableConfigDir)
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Renderer{logger: logger, clock: clock}
}

func (r *Renderer) configuration() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	conf.WriteObjectStream = false
	conf.WriteXRefStream = false
	return conf
}

// Render returns original with the annotations of every signer drawn on it.
// Single annotation failures are logged and reported, never returned.
func (r *Renderer) Render(ctx context.Context, original []byte, signers []Signer) ([]byte, Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, Report{}, err
	}
	pages, err := Inspect(original)
	if err != nil {
		return nil, Report{}, fmt.Errorf("%w: %w", ErrRenderFailure, err)
	}
	if err := api.Validate(bytes.NewReader(original), r.configuration()); err != nil {
		return nil, Report{}, fmt.Errorf("%w: %v", ErrRenderFailure, err)
	}

	stamps, report := Plan(pages, signers, r.clock())
	for _, outcome := range report.Outcomes {
		switch outcome.Status {
		case OutcomeSkipped:
			r.logger.Warn("annotation skipped",
				zap.String("signer_id", outcome.SignerID),
				zap.Int("index", outcome.Index),
				zap.Int("page", outcome.Page),
				zap.String("reason", outcome.Reason))
		case OutcomeFallback:
			r.logger.Warn("signature image fallback to text",
				zap.String("signer_id", outcome.SignerID),
				zap.Int("index", outcome.Index),
				zap.String("reason", outcome.Reason))
		}
	}
	if report.Approximated > 0 {
		r.logger.Warn("annotations placed without intrinsic page dimensions",
			zap.Int("count", report.Approximated))
	}
	if len(stamps) == 0 {
		return append([]byte(nil), original...), report, nil
	}

	output, failed, err := r.apply(ctx, original, stamps)
	if err != nil {
		return nil, report, err
	}
	for _, stamp := range failed {
		markFailed(&report, stamp)
	}
	return output, report, nil
}

// apply writes all stamps in one pass and falls back to stamping one at a
// time when the batch is rejected, skipping the stamps that fail.
func (r *Renderer) apply(ctx context.Context, original []byte, stamps []Stamp) ([]byte, []Stamp, error) {
	batch := make(map[int][]*model.Watermark)
	var failed []Stamp
	for _, stamp := range stamps {
		watermark, err := watermarkFor(stamp)
		if err != nil {
			r.logStampFailure(stamp, err)
			failed = append(failed, stamp)
			continue
		}
		batch[stamp.Page] = append(batch[stamp.Page], watermark)
	}
	if len(batch) == 0 {
		return append([]byte(nil), original...), failed, nil
	}

	out := &bytes.Buffer{}
	err := api.AddWatermarksSliceMap(bytes.NewReader(original), out, batch, r.configuration())
	if err == nil {
		return out.Bytes(), failed, nil
	}
	r.logger.Warn("batch stamping failed, stamping individually", zap.Error(err))

	current := original
	failed = failed[:0]
	for _, stamp := range stamps {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		watermark, err := watermarkFor(stamp)
		if err != nil {
			r.logStampFailure(stamp, err)
			failed = append(failed, stamp)
			continue
		}
		next := &bytes.Buffer{}
		single := map[int]*model.Watermark{stamp.Page: watermark}
		if err := api.AddWatermarksMap(bytes.NewReader(current), next, single, r.configuration()); err != nil {
			r.logStampFailure(stamp, err)
			failed = append(failed, stamp)
			continue
		}
		current = next.Bytes()
	}
	if len(failed) == len(stamps) {
		return nil, nil, fmt.Errorf("%w: no stamp could be written: %v", ErrRenderFailure, err)
	}
	return current, failed, nil
}

func (r *Renderer) logStampFailure(stamp Stamp, err error) {
	r.logger.Warn("annotation draw failed",
		zap.String("signer_id", stamp.SignerID),
		zap.Int("index", stamp.Index),
		zap.Int("page", stamp.Page),
		zap.Error(err))
}

func markFailed(report *Report, stamp Stamp) {
	for i := range report.Outcomes {
		outcome := &report.Outcomes[i]
		if outcome.SignerID == stamp.SignerID && outcome.Index == stamp.Index && outcome.Status != OutcomeSkipped {
			outcome.Status = OutcomeFailed
			return
		}
	}
}

func watermarkFor(stamp Stamp) (*model.Watermark, error) {
	switch stamp.Kind {
	case StampImage:
		if stamp.PixelWidth <= 0 || stamp.Box.IsZero() {
			return nil, fmt.Errorf("image stamp without geometry")
		}
		scale := stamp.Box.Dx() / float64(stamp.PixelWidth)
		desc := fmt.Sprintf("position:bl, offset:%.2f %.2f, scalefactor:%.4f abs, rotation:0, opacity:1",
			stamp.Box.LLx, stamp.Box.LLy, scale)
		return api.ImageWatermarkForReader(bytes.NewReader(stamp.Image), desc, true, false, types.POINTS)
	case StampText:
		text := winAnsiSafe(stamp.Text)
		if text == "" {
			return nil, fmt.Errorf("empty text stamp")
		}
		points := int(math.Round(stamp.FontSize))
		desc := fmt.Sprintf("fontname:%s, points:%d, fillcolor:%s, position:bl, offset:%.2f %.2f, scalefactor:1 abs, rotation:0, opacity:1",
			stampFont, points, grayHex(stamp.Gray), stamp.Origin.X, stamp.Origin.Y-descenderPad(points))
		return api.TextWatermark(text, desc, true, false, types.POINTS)
	default:
		return nil, fmt.Errorf("unknown stamp kind %d", stamp.Kind)
	}
}

// descenderPad is the space pdfcpu leaves below the baseline inside a text
// watermark form. The form origin sits that far under the drawn baseline.
func descenderPad(points int) float64 {
	return math.Ceil(font.Descent(stampFont, points))
}

func grayHex(level float64) string {
	channel := int(math.Round(math.Max(0, math.Min(1, level)) * 255))
	return fmt.Sprintf("#%02x%02x%02x", channel, channel, channel)
}
