package imgproc

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

func toMat(m *Map) (gocv.Mat, error) {
	mat := gocv.NewMatWithSize(m.H, m.W, gocv.MatTypeCV64F)
	data, err := mat.DataPtrFloat64()
	if err != nil {
		mat.Close()
		return gocv.Mat{}, err
	}
	copy(data, m.Pix)
	return mat, nil
}

func fromMat(mat gocv.Mat) (*Map, error) {
	if mat.Empty() {
		return nil, fmt.Errorf("%w: empty result matrix", ErrDegenerate)
	}
	data, err := mat.DataPtrFloat64()
	if err != nil {
		return nil, err
	}
	out := NewMap(mat.Cols(), mat.Rows())
	copy(out.Pix, data)
	return out, nil
}

func grayMat(g *image.Gray) (gocv.Mat, error) {
	b := g.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return gocv.Mat{}, fmt.Errorf("%w: empty image", ErrDegenerate)
	}
	mat := gocv.NewMatWithSize(h, w, gocv.MatTypeCV8U)
	data, err := mat.DataPtrUint8()
	if err != nil {
		mat.Close()
		return gocv.Mat{}, err
	}
	for y := 0; y < h; y++ {
		copy(data[y*w:(y+1)*w], g.Pix[y*g.Stride:y*g.Stride+w])
	}
	return mat, nil
}

func fromGrayMat(mat gocv.Mat) (*image.Gray, error) {
	if mat.Empty() {
		return nil, fmt.Errorf("%w: empty result matrix", ErrDegenerate)
	}
	data, err := mat.DataPtrUint8()
	if err != nil {
		return nil, err
	}
	out := image.NewGray(image.Rect(0, 0, mat.Cols(), mat.Rows()))
	copy(out.Pix, data)
	return out, nil
}

func maskMat(mask []bool, w, h int) (gocv.Mat, error) {
	mat := gocv.NewMatWithSize(h, w, gocv.MatTypeCV8U)
	data, err := mat.DataPtrUint8()
	if err != nil {
		mat.Close()
		return gocv.Mat{}, err
	}
	for i, on := range mask[:w*h] {
		if on {
			data[i] = 255
		} else {
			data[i] = 0
		}
	}
	return mat, nil
}

// Resize resamples with bilinear interpolation.
func Resize(m *Map, w, h int) (*Map, error) {
	if m.W == w && m.H == h {
		return m.Clone(), nil
	}
	src, err := toMat(m)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	dst := gocv.NewMat()
	defer dst.Close()
	gocv.Resize(src, &dst, image.Pt(w, h), 0, 0, gocv.InterpolationLinear)
	return fromMat(dst)
}

// GaussianSigma derives sigma from an odd kernel size the way OpenCV does
// when sigma is left at zero.
func GaussianSigma(ksize int) float64 {
	return 0.3*(float64(ksize-1)*0.5-1) + 0.8
}

// GaussianBlur applies a Gaussian with reflect-101 borders.
func GaussianBlur(m *Map, ksize int, sigma float64) (*Map, error) {
	if ksize < 1 {
		return m.Clone(), nil
	}
	if ksize%2 == 0 {
		ksize++
	}
	src, err := toMat(m)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	dst := gocv.NewMat()
	defer dst.Close()
	gocv.GaussianBlur(src, &dst, image.Pt(ksize, ksize), sigma, sigma, gocv.BorderReflect101)
	return fromMat(dst)
}

// MedianBlur3 applies a 3×3 median filter.
func MedianBlur3(g *image.Gray) (*image.Gray, error) {
	src, err := grayMat(g)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	dst := gocv.NewMat()
	defer dst.Close()
	gocv.MedianBlur(src, &dst, 3)
	return fromGrayMat(dst)
}

// Otsu returns the threshold maximising between-class variance of an 8-bit
// image; pixels strictly above it are foreground.
func Otsu(g *image.Gray) (uint8, error) {
	src, err := grayMat(g)
	if err != nil {
		return 0, err
	}
	defer src.Close()
	dst := gocv.NewMat()
	defer dst.Close()
	t := gocv.Threshold(src, &dst, 0, 255, gocv.ThresholdBinary|gocv.ThresholdOtsu)
	return uint8(t), nil
}
