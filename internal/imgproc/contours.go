package imgproc

import (
	"gocv.io/x/gocv"
)

// Component is one external contour of a foreground mask.
type Component struct {
	Area                   float64
	MinX, MinY, MaxX, MaxY int
}

// Width of the bounding box in pixels.
func (c Component) Width() int { return c.MaxX - c.MinX + 1 }

// Height of the bounding box in pixels.
func (c Component) Height() int { return c.MaxY - c.MinY + 1 }

// Center returns the integer bounding-box centre (x + w/2, y + h/2).
func (c Component) Center() (int, int) {
	return c.MinX + c.Width()/2, c.MinY + c.Height()/2
}

// Contours finds the external contours of a mask, in the order OpenCV
// reports them, with their polygon area and bounding box.
func Contours(mask []bool, w, h int) ([]Component, error) {
	if w == 0 || h == 0 {
		return nil, nil
	}
	src, err := maskMat(mask, w, h)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	found := gocv.FindContours(src, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer found.Close()

	out := make([]Component, 0, found.Size())
	for i := 0; i < found.Size(); i++ {
		pts := found.At(i)
		r := gocv.BoundingRect(pts)
		out = append(out, Component{
			Area: gocv.ContourArea(pts),
			MinX: r.Min.X,
			MinY: r.Min.Y,
			MaxX: r.Max.X - 1,
			MaxY: r.Max.Y - 1,
		})
	}
	return out, nil
}

// Largest returns the contour with the greatest area; the first one found
// wins ties. ok is false when there are none.
func Largest(cs []Component) (Component, bool) {
	if len(cs) == 0 {
		return Component{}, false
	}
	best := cs[0]
	for _, c := range cs[1:] {
		if c.Area > best.Area {
			best = c
		}
	}
	return best, true
}

// Extent returns the box spanning every contour.
func Extent(cs []Component) (Component, bool) {
	if len(cs) == 0 {
		return Component{}, false
	}
	box := cs[0]
	for _, c := range cs[1:] {
		box.Area += c.Area
		box.MinX = min(box.MinX, c.MinX)
		box.MinY = min(box.MinY, c.MinY)
		box.MaxX = max(box.MaxX, c.MaxX)
		box.MaxY = max(box.MaxY, c.MaxY)
	}
	return box, true
}
