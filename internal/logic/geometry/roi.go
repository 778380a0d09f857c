// Package geometry fits a requested region of interest into a sensor's
// pixel array.
package geometry

// Sensor describes the pixel array limits reported by a camera.
type Sensor struct {
	MaxWidth  int
	MaxHeight int
	MinWidth  int // 0 = 1
	MinHeight int // 0 = 1
	WidthInc  int // size granularity, 0 = 1
	HeightInc int
	OffsetInc int // offset granularity for both axes, 0 = 1
}

// ROI is a rectangle of the sensor array, in pixels.
type ROI struct {
	Width   int
	Height  int
	OffsetX int
	OffsetY int
}

// Full returns the whole array.
func (s Sensor) Full() ROI {
	return ROI{Width: s.MaxWidth, Height: s.MaxHeight}
}

// Pixels returns Width*Height.
func (r ROI) Pixels() int {
	return r.Width * r.Height
}

// Adjustment records one ROI field FitROI had to change.
type Adjustment struct {
	Field     string
	Requested int
	Applied   int
}

// FitROI clamps req into the sensor. A zero width or height selects the
// full extent. Sizes are fitted first, then offsets are limited so that
// the rectangle stays inside the array. Values are rounded down to the
// sensor increments.
func FitROI(s Sensor, req ROI) (ROI, []Adjustment) {
	var adj []Adjustment
	fit := func(field string, requested, lo, hi, inc int) int {
		v := clamp(requested, lo, hi)
		v = lo + floorTo(v-lo, inc)
		if v != requested {
			adj = append(adj, Adjustment{Field: field, Requested: requested, Applied: v})
		}
		return v
	}

	out := ROI{}
	w, h := req.Width, req.Height
	if w == 0 {
		w = s.MaxWidth
	}
	if h == 0 {
		h = s.MaxHeight
	}
	out.Width = fit("width", w, atLeastOne(s.MinWidth), s.MaxWidth, s.WidthInc)
	out.Height = fit("height", h, atLeastOne(s.MinHeight), s.MaxHeight, s.HeightInc)
	out.OffsetX = fit("offset_x", req.OffsetX, 0, s.MaxWidth-out.Width, s.OffsetInc)
	out.OffsetY = fit("offset_y", req.OffsetY, 0, s.MaxHeight-out.Height, s.OffsetInc)
	return out, adj
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		hi = lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func floorTo(v, inc int) int {
	if inc <= 1 {
		return v
	}
	return v - v%inc
}

func atLeastOne(v int) int {
	if v < 1 {
		return 1
	}
	return v
}
