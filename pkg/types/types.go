package types

import "fmt"

// Label marks a point as part of the wanted mask or as something to exclude.
// The numeric values are the wire values sent to the segmentation service.
type Label int

const (
	Background Label = 0
	Foreground Label = 1
)

// String implements fmt.Stringer
func (l Label) String() string {
	switch l {
	case Foreground:
		return "foreground"
	case Background:
		return "background"
	default:
		return fmt.Sprintf("label(%d)", int(l))
	}
}

// Valid reports whether l is one of the known labels
func (l Label) Valid() bool {
	return l == Foreground || l == Background
}

// Point is a position in server-image pixel space
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Size is a width/height pair in pixels
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Empty reports whether the size has no area
func (s Size) Empty() bool {
	return s.Width <= 0 || s.Height <= 0
}

// Contains reports whether p lies inside [0,Width]x[0,Height]
func (s Size) Contains(p Point) bool {
	return p.X >= 0 && p.Y >= 0 && p.X <= s.Width && p.Y <= s.Height
}

// DisplayBox is the rectangle inside a container where an image is drawn
// under contain fit.
type DisplayBox struct {
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
	OffsetX float64 `json:"offset_x"`
	OffsetY float64 `json:"offset_y"`
}

// Polygon is an ordered, implicitly closed contour
type Polygon []Point

// Bounds returns the axis-aligned bounding box of the polygon as min and max corners
func (p Polygon) Bounds() (Point, Point) {
	if len(p) == 0 {
		return Point{}, Point{}
	}
	lo, hi := p[0], p[0]
	for _, pt := range p[1:] {
		if pt.X < lo.X {
			lo.X = pt.X
		}
		if pt.Y < lo.Y {
			lo.Y = pt.Y
		}
		if pt.X > hi.X {
			hi.X = pt.X
		}
		if pt.Y > hi.Y {
			hi.Y = pt.Y
		}
	}
	return lo, hi
}

// Area returns the absolute shoelace area of the polygon
func (p Polygon) Area() float64 {
	if len(p) < 3 {
		return 0
	}
	var sum float64
	for i := range p {
		j := (i + 1) % len(p)
		sum += p[i].X*p[j].Y - p[j].X*p[i].Y
	}
	if sum < 0 {
		sum = -sum
	}
	return sum / 2
}

// PredictRequest is the body of a prediction call
type PredictRequest struct {
	SessionID string       `json:"session_id"`
	Points    [][2]float64 `json:"points"`
	Labels    []int        `json:"labels"`
}

// NewPredictRequest builds the wire request from a point/label history
func NewPredictRequest(sessionID string, points []Point, labels []Label) PredictRequest {
	req := PredictRequest{
		SessionID: sessionID,
		Points:    make([][2]float64, len(points)),
		Labels:    make([]int, len(labels)),
	}
	for i, p := range points {
		req.Points[i] = [2]float64{p.X, p.Y}
	}
	for i, l := range labels {
		req.Labels[i] = int(l)
	}
	return req
}

// PredictResponse is the service answer to a prediction call. Width and
// Height declare the pixel box the contours are expressed in.
type PredictResponse struct {
	Contours [][][2]float64 `json:"contours"`
	Width    int            `json:"width"`
	Height   int            `json:"height"`
	IoU      *float64       `json:"iou"`
}

// Polygons converts the wire contours into polygons
func (r *PredictResponse) Polygons() []Polygon {
	out := make([]Polygon, 0, len(r.Contours))
	for _, c := range r.Contours {
		poly := make(Polygon, len(c))
		for i, xy := range c {
			poly[i] = Point{X: xy[0], Y: xy[1]}
		}
		out = append(out, poly)
	}
	return out
}

// Box returns the contour box declared by the response
func (r *PredictResponse) Box() Size {
	return Size{Width: float64(r.Width), Height: float64(r.Height)}
}

// ImageInfo describes the image a service session was created for
type ImageInfo struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format"`
}

// SessionInfo is returned when a service session is created or queried
type SessionInfo struct {
	SessionID string    `json:"session_id"`
	ImageInfo ImageInfo `json:"image_info"`
}

// Description is what a vision model says about a selected region
type Description struct {
	Label       string   `json:"label"`
	Confidence  float64  `json:"confidence"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}
