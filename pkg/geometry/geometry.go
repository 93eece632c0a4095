package geometry

import (
	"errors"
	"math"

	"github.com/menta2k/mask-annotator/pkg/types"
)

// ErrOutsideImage is returned by a rejecting mapper for clicks that land in
// the letterbox padding or outside the container.
var ErrOutsideImage = errors.New("click outside displayed image")

// EdgePolicy decides what happens to clicks outside the drawn image
type EdgePolicy int

const (
	// EdgeClamp moves the point to the nearest image edge and accepts it
	EdgeClamp EdgePolicy = iota
	// EdgeReject refuses the click with ErrOutsideImage
	EdgeReject
)

// String implements fmt.Stringer
func (p EdgePolicy) String() string {
	if p == EdgeReject {
		return "reject"
	}
	return "clamp"
}

// ParseEdgePolicy parses "clamp" or "reject"
func ParseEdgePolicy(s string) (EdgePolicy, error) {
	switch s {
	case "", "clamp":
		return EdgeClamp, nil
	case "reject":
		return EdgeReject, nil
	default:
		return EdgeClamp, errors.New("unknown edge policy: " + s)
	}
}

// Fit computes where an image of imageW x imageH is drawn inside a
// containerW x containerH box when scaled to fit while preserving its aspect
// ratio. The padded axis is centred.
func Fit(containerW, containerH, imageW, imageH float64) types.DisplayBox {
	if containerW <= 0 || containerH <= 0 || imageW <= 0 || imageH <= 0 {
		return types.DisplayBox{}
	}

	imgAspect := imageW / imageH
	boxAspect := containerW / containerH

	if imgAspect > boxAspect {
		// Width-constrained, letterbox top and bottom
		h := containerW / imgAspect
		return types.DisplayBox{
			Width:   containerW,
			Height:  h,
			OffsetX: 0,
			OffsetY: (containerH - h) / 2,
		}
	}

	// Height-constrained, letterbox left and right
	w := containerH * imgAspect
	return types.DisplayBox{
		Width:   w,
		Height:  containerH,
		OffsetX: (containerW - w) / 2,
		OffsetY: 0,
	}
}

// Mapper converts pointer positions in container space into server-image
// pixel coordinates.
type Mapper struct {
	policy EdgePolicy
}

// NewMapper creates a Mapper that clamps out-of-image clicks
func NewMapper() *Mapper {
	return &Mapper{policy: EdgeClamp}
}

// NewMapperWithPolicy creates a Mapper with an explicit edge policy
func NewMapperWithPolicy(policy EdgePolicy) *Mapper {
	return &Mapper{policy: policy}
}

// Policy returns the edge policy of the mapper
func (m *Mapper) Policy() EdgePolicy {
	return m.policy
}

// ToServerSpace maps a click at (clickX, clickY) inside a container of
// containerW x containerH, showing a serverW x serverH image, to a point in
// server pixel space.
func (m *Mapper) ToServerSpace(clickX, clickY, containerW, containerH, serverW, serverH float64) (types.Point, error) {
	box := Fit(containerW, containerH, serverW, serverH)
	return m.DisplayToServer(types.Point{X: clickX, Y: clickY}, box, types.Size{Width: serverW, Height: serverH})
}

// DisplayToServer maps a container-space point through a known display box
func (m *Mapper) DisplayToServer(p types.Point, box types.DisplayBox, server types.Size) (types.Point, error) {
	if box.Width <= 0 || box.Height <= 0 || server.Empty() {
		return types.Point{}, ErrOutsideImage
	}

	relX := (p.X - box.OffsetX) / box.Width
	relY := (p.Y - box.OffsetY) / box.Height
	x := relX * server.Width
	y := relY * server.Height

	if math.IsNaN(x) || math.IsNaN(y) {
		return types.Point{}, ErrOutsideImage
	}

	if m.policy == EdgeReject && (relX < 0 || relX > 1 || relY < 0 || relY > 1) {
		return types.Point{}, ErrOutsideImage
	}

	return types.Point{
		X: clamp(x, 0, server.Width),
		Y: clamp(y, 0, server.Height),
	}, nil
}

// ServerToDisplay maps a server-space point back into container space
func ServerToDisplay(p types.Point, box types.DisplayBox, server types.Size) types.Point {
	if server.Empty() {
		return types.Point{X: box.OffsetX, Y: box.OffsetY}
	}
	return types.Point{
		X: p.X*box.Width/server.Width + box.OffsetX,
		Y: p.Y*box.Height/server.Height + box.OffsetY,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
