package render

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"golang.org/x/image/vector"

	"github.com/menta2k/mask-annotator/pkg/geometry"
	"github.com/menta2k/mask-annotator/pkg/types"
)

// Overlay holds contours and point markers already mapped into display
// (container) pixels.
type Overlay struct {
	Display  types.DisplayBox
	Polygons []types.Polygon
	Markers  []Marker
}

// Marker is a user point in display space
type Marker struct {
	At    types.Point
	Label types.Label
}

// Empty reports whether there is nothing to draw
func (o Overlay) Empty() bool {
	return len(o.Polygons) == 0 && len(o.Markers) == 0
}

// Render maps contours expressed in contourBox pixels into the display box.
// The result depends only on its arguments, so it can be called again after
// every resize.
func Render(contours []types.Polygon, contourBox types.Size, display types.DisplayBox) Overlay {
	out := Overlay{Display: display}
	if contourBox.Empty() || display.Width <= 0 || display.Height <= 0 {
		return out
	}

	sx := display.Width / contourBox.Width
	sy := display.Height / contourBox.Height

	out.Polygons = make([]types.Polygon, 0, len(contours))
	for _, c := range contours {
		poly := make(types.Polygon, len(c))
		for i, p := range c {
			poly[i] = types.Point{
				X: p.X*sx + display.OffsetX,
				Y: p.Y*sy + display.OffsetY,
			}
		}
		out.Polygons = append(out.Polygons, poly)
	}
	return out
}

// WithMarkers adds the user's points, given in server space, to the overlay
func (o Overlay) WithMarkers(points []types.Point, labels []types.Label, server types.Size) Overlay {
	n := len(points)
	if len(labels) < n {
		n = len(labels)
	}
	markers := make([]Marker, 0, n)
	for i := 0; i < n; i++ {
		markers = append(markers, Marker{
			At:    geometry.ServerToDisplay(points[i], o.Display, server),
			Label: labels[i],
		})
	}
	o.Markers = markers
	return o
}

// Style controls how an overlay is rasterized
type Style struct {
	Fill         color.NRGBA
	Stroke       color.NRGBA
	StrokeWidth  float64
	Foreground   color.NRGBA
	Background   color.NRGBA
	MarkerRadius float64
}

// DefaultStyle returns a translucent blue mask with a solid outline
func DefaultStyle() Style {
	return Style{
		Fill:         color.NRGBA{30, 144, 255, 96},
		Stroke:       color.NRGBA{30, 144, 255, 255},
		StrokeWidth:  2,
		Foreground:   color.NRGBA{0, 200, 83, 255},
		Background:   color.NRGBA{229, 57, 53, 255},
		MarkerRadius: 5,
	}
}

// Rasterize draws the overlay onto a transparent width x height canvas
func Rasterize(o Overlay, width, height int, style Style) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	if width <= 0 || height <= 0 || o.Empty() {
		return dst
	}

	z := vector.NewRasterizer(width, height)

	if style.Fill.A > 0 && len(o.Polygons) > 0 {
		for _, poly := range o.Polygons {
			addPolygon(z, poly)
		}
		paint(z, dst, style.Fill)
	}

	if style.Stroke.A > 0 && style.StrokeWidth > 0 && len(o.Polygons) > 0 {
		z.Reset(width, height)
		for _, poly := range o.Polygons {
			for i := range poly {
				addSegment(z, poly[i], poly[(i+1)%len(poly)], style.StrokeWidth/2)
			}
		}
		paint(z, dst, style.Stroke)
	}

	if style.MarkerRadius > 0 {
		for _, label := range []types.Label{types.Foreground, types.Background} {
			c := style.Foreground
			if label == types.Background {
				c = style.Background
			}
			z.Reset(width, height)
			drawn := false
			for _, m := range o.Markers {
				if m.Label == label {
					addCircle(z, m.At, style.MarkerRadius)
					drawn = true
				}
			}
			if drawn {
				paint(z, dst, c)
			}
		}
	}

	return dst
}

// Mask rasterizes polygons into an alpha mask, opaque inside
func Mask(polys []types.Polygon, width, height int) *image.Alpha {
	mask := image.NewAlpha(image.Rect(0, 0, width, height))
	if width <= 0 || height <= 0 || len(polys) == 0 {
		return mask
	}
	z := vector.NewRasterizer(width, height)
	for _, poly := range polys {
		addPolygon(z, poly)
	}
	z.Draw(mask, mask.Bounds(), image.Opaque, image.Point{})
	return mask
}

func paint(z *vector.Rasterizer, dst draw.Image, c color.NRGBA) {
	z.DrawOp = draw.Over
	z.Draw(dst, dst.Bounds(), image.NewUniform(c), image.Point{})
}

func addPolygon(z *vector.Rasterizer, poly types.Polygon) {
	if len(poly) < 3 {
		return
	}
	z.MoveTo(float32(poly[0].X), float32(poly[0].Y))
	for _, p := range poly[1:] {
		z.LineTo(float32(p.X), float32(p.Y))
	}
	z.ClosePath()
}

// addSegment adds the segment a-b as a quad of half-width hw. All quads share
// the same winding so overlapping joints do not cancel out.
func addSegment(z *vector.Rasterizer, a, b types.Point, hw float64) {
	dx, dy := b.X-a.X, b.Y-a.Y
	l := math.Hypot(dx, dy)
	if l == 0 {
		return
	}
	nx, ny := -dy/l*hw, dx/l*hw
	// extend along the segment so corners are covered
	ex, ey := dx/l*hw, dy/l*hw

	z.MoveTo(float32(a.X-ex+nx), float32(a.Y-ey+ny))
	z.LineTo(float32(b.X+ex+nx), float32(b.Y+ey+ny))
	z.LineTo(float32(b.X+ex-nx), float32(b.Y+ey-ny))
	z.LineTo(float32(a.X-ex-nx), float32(a.Y-ey-ny))
	z.ClosePath()
}

func addCircle(z *vector.Rasterizer, c types.Point, r float64) {
	const steps = 24
	z.MoveTo(float32(c.X+r), float32(c.Y))
	for i := 1; i < steps; i++ {
		a := 2 * math.Pi * float64(i) / steps
		z.LineTo(float32(c.X+r*math.Cos(a)), float32(c.Y+r*math.Sin(a)))
	}
	z.ClosePath()
}
