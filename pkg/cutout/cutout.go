// Package cutout extracts the selected region of an image as a standalone
// picture on a plain background, ready to be shown or sent to a model.
package cutout

import (
	"errors"
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/disintegration/imaging"

	"github.com/menta2k/mask-annotator/pkg/render"
	"github.com/menta2k/mask-annotator/pkg/types"
)

// ErrEmptySelection is returned when the contours cover no pixels
var ErrEmptySelection = errors.New("selection is empty")

// Config controls how the cut-out is produced
type Config struct {
	Background color.Color
	// Padding around the selection bounds as a share of the larger side
	Padding float64
	// MaxSize bounds the longer side of the result, 0 keeps the crop size
	MaxSize int
}

// DefaultConfig places the selection on white without padding
func DefaultConfig() Config {
	return Config{
		Background: color.White,
		Padding:    0,
		MaxSize:    0,
	}
}

// Result is a cut-out and where it came from in the source image
type Result struct {
	Image  *image.NRGBA
	Bounds image.Rectangle
}

// Extract masks img with contours expressed in contourBox pixels, paints the
// rest with the background colour and crops to the selection.
func Extract(img image.Image, contours []types.Polygon, contourBox types.Size, cfg Config) (Result, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return Result{}, errors.New("invalid image dimensions")
	}

	overlay := render.Render(contours, contourBox, types.DisplayBox{Width: float64(w), Height: float64(h)})
	if len(overlay.Polygons) == 0 {
		return Result{}, ErrEmptySelection
	}

	rect := selectionBounds(overlay.Polygons, cfg.Padding).Intersect(image.Rect(0, 0, w, h))
	if rect.Empty() {
		return Result{}, ErrEmptySelection
	}

	bg := cfg.Background
	if bg == nil {
		bg = color.White
	}

	mask := render.Mask(overlay.Polygons, w, h)
	canvas := imaging.New(w, h, bg)
	draw.DrawMask(canvas, canvas.Bounds(), img, b.Min, mask, image.Point{}, draw.Over)

	out := imaging.Crop(canvas, rect)
	if cfg.MaxSize > 0 && (out.Bounds().Dx() > cfg.MaxSize || out.Bounds().Dy() > cfg.MaxSize) {
		out = imaging.Fit(out, cfg.MaxSize, cfg.MaxSize, imaging.Lanczos)
	}

	return Result{Image: out, Bounds: rect}, nil
}

func selectionBounds(polys []types.Polygon, padding float64) image.Rectangle {
	lo, hi := polys[0].Bounds()
	for _, p := range polys[1:] {
		l, h := p.Bounds()
		lo.X = math.Min(lo.X, l.X)
		lo.Y = math.Min(lo.Y, l.Y)
		hi.X = math.Max(hi.X, h.X)
		hi.Y = math.Max(hi.Y, h.Y)
	}

	pad := 0.0
	if padding > 0 {
		pad = math.Max(hi.X-lo.X, hi.Y-lo.Y) * padding
	}

	return image.Rect(
		int(math.Floor(lo.X-pad)),
		int(math.Floor(lo.Y-pad)),
		int(math.Ceil(hi.X+pad)),
		int(math.Ceil(hi.Y+pad)),
	)
}
