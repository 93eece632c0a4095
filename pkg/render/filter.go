package render

import "github.com/menta2k/mask-annotator/pkg/types"

const (
	// polygons covering more of the box than this are treated as background
	maxAreaRatio = 0.9
	// polygons smaller than this share of the mean area are dropped as specks
	minMeanRatio = 0.2
)

// FilterContours removes degenerate polygons, a polygon swallowing almost the
// whole box, and specks much smaller than the average region. The last two
// rules only apply while more than one polygon is left.
func FilterContours(contours []types.Polygon, box types.Size) []types.Polygon {
	polys := make([]types.Polygon, 0, len(contours))
	for _, c := range contours {
		if len(c) >= 3 {
			polys = append(polys, c)
		}
	}
	if len(polys) <= 1 {
		return polys
	}

	limit := box.Width * box.Height * maxAreaRatio
	kept := polys[:0:0]
	for _, p := range polys {
		if p.Area() < limit {
			kept = append(kept, p)
		}
	}
	if len(kept) > 0 {
		polys = kept
	}
	if len(polys) <= 1 {
		return polys
	}

	var total float64
	for _, p := range polys {
		total += p.Area()
	}
	mean := total / float64(len(polys))

	out := make([]types.Polygon, 0, len(polys))
	for _, p := range polys {
		if p.Area() > mean*minMeanRatio {
			out = append(out, p)
		}
	}
	return out
}
