package attribution

import (
	"image"
	"math"

	"github.com/neurolens/neurolens/internal/imgproc"
	"github.com/neurolens/neurolens/internal/modality"
)

// NoActivation is the zone reported when no pixel exceeds the threshold.
const NoActivation = "no significant activation"

const (
	zoneFrontal          = "frontal lobe"
	zoneHippocampal      = "hippocampal/parietal"
	zoneOccipital        = "occipital lobe"
	zoneTemporal         = "temporal lobe"
	zoneOccipitoParietal = "occipital/parietal lobe"
)

// zoneGrid is the map size the zone cut-offs are expressed on.
const zoneGrid = 256

// RegionScore summarises one third of the attribution map.
type RegionScore struct {
	Name    string  `json:"-"`
	Average float64 `json:"average"`
	Peak    float64 `json:"peak"`
}

// Mask zeroes the parts of the map that fall outside the brain for the
// orientation: axial drops the top 10%, bottom 7% and 10% side margins;
// everything else drops the bottom 30% of rows.
func Mask(m *imgproc.Map, o modality.Orientation) *imgproc.Map {
	out := m.Clone()
	h, w := m.H, m.W
	if o == modality.OrientationAxial {
		top, bottom := int(float64(h)*0.1), int(float64(h)*0.93)
		left, right := int(float64(w)*0.1), int(float64(w)*0.9)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				if y < top || y >= bottom || x < left || x >= right {
					out.Set(x, y, 0)
				}
			}
		}
		return out
	}
	from := int(float64(h) * 0.7)
	for y := from; y < h; y++ {
		for x := 0; x < w; x++ {
			out.Set(x, y, 0)
		}
	}
	return out
}

// Zone names the anatomical zone under the bounding-box centre of the
// largest external contour whose 8-bit intensity exceeds threshold. The
// cut-offs are fixed on a 256×256 grid and scale with the map size.
func Zone(m *imgproc.Map, o modality.Orientation, threshold uint8) (string, error) {
	mask := make([]bool, len(m.Pix))
	for i, v := range m.Pix {
		mask[i] = quantise(v) > threshold
	}
	cs, err := imgproc.Contours(mask, m.W, m.H)
	if err != nil {
		return "", err
	}
	comp, ok := imgproc.Largest(cs)
	if !ok {
		return NoActivation, nil
	}
	cx, cy := comp.Center()
	if o == modality.OrientationSagittal {
		x := float64(cx) * zoneGrid / float64(m.W)
		switch {
		case x < 85:
			return zoneFrontal, nil
		case x < 170:
			return zoneHippocampal, nil
		default:
			return zoneOccipital, nil
		}
	}
	y := float64(cy) * zoneGrid / float64(m.H)
	switch {
	case y < 100:
		return zoneFrontal, nil
	case y < 170:
		return zoneTemporal, nil
	default:
		return zoneOccipitoParietal, nil
	}
}

// quantise matches a truncating float-to-uint8 cast of v*255.
func quantise(v float64) uint8 {
	x := v * 255
	if x <= 0 || math.IsNaN(x) {
		return 0
	}
	if x >= 255 {
		return 255
	}
	return uint8(x)
}

// Regions splits the map into three bands, by columns for sagittal maps and
// by rows otherwise, at 33% and 66%. Average and peak are rounded to three
// decimals.
func Regions(m *imgproc.Map, o modality.Orientation) []RegionScore {
	names := [3]string{zoneFrontal, zoneTemporal, zoneOccipitoParietal}
	if o == modality.OrientationSagittal {
		names = [3]string{zoneFrontal, zoneHippocampal, zoneOccipital}
	}
	bands := regionBands(m.W, m.H, o)
	out := make([]RegionScore, len(bands))
	for i, r := range bands {
		out[i] = summarise(names[i], m.Sub(r.Min.X, r.Min.Y, r.Max.X, r.Max.Y))
	}
	return out
}

// regionBands returns the three disjoint rectangles Regions summarises.
func regionBands(w, h int, o modality.Orientation) [3]image.Rectangle {
	if o == modality.OrientationSagittal {
		a, b := int(float64(w)*0.33), int(float64(w)*0.66)
		return [3]image.Rectangle{
			image.Rect(0, 0, a, h),
			image.Rect(a, 0, b, h),
			image.Rect(b, 0, w, h),
		}
	}
	a, b := int(float64(h)*0.33), int(float64(h)*0.66)
	return [3]image.Rectangle{
		image.Rect(0, 0, w, a),
		image.Rect(0, a, w, b),
		image.Rect(0, b, w, h),
	}
}

func summarise(name string, m *imgproc.Map) RegionScore {
	rs := RegionScore{Name: name}
	if len(m.Pix) == 0 {
		return rs
	}
	_, hi := m.MinMax()
	rs.Average = round3(m.Sum() / float64(len(m.Pix)))
	rs.Peak = round3(hi)
	return rs
}

// ActivationScore is the average of the zone's region, or the largest region
// average when the zone is not one of the regions.
func ActivationScore(zone string, regions []RegionScore) float64 {
	best := math.Inf(-1)
	for _, r := range regions {
		if r.Name == zone {
			return round3(r.Average)
		}
		best = math.Max(best, r.Average)
	}
	if math.IsInf(best, -1) {
		return 0
	}
	return round3(best)
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
