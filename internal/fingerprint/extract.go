package fingerprint

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"
	"os"
	"sort"

	_ "github.com/spakin/netpbm"
)

// ErrDecode is returned when the input is not a decodable image.
var ErrDecode = errors.New("could not decode image")

// sampleSize is the edge of the thumbnail fed to the DCT.
const sampleSize = 32

// FromPath fingerprints the image file at path.
func FromPath(path string) (Fingerprint, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()
	return FromReader(f)
}

// FromBuffer fingerprints an encoded image held in memory.
func FromBuffer(data []byte) (Fingerprint, error) {
	return FromReader(bytes.NewReader(data))
}

// FromReader decodes an image stream and fingerprints it.
func FromReader(r io.Reader) (Fingerprint, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return FromImage(img)
}

// FromImage fingerprints an already decoded image.
func FromImage(img image.Image) (Fingerprint, error) {
	if img == nil || img.Bounds().Empty() {
		return 0, fmt.Errorf("%w: empty image", ErrDecode)
	}
	thumb := resizeBilinear(luminance(img), sampleSize, sampleSize)
	coeffs := dct2(thumb)
	return fromCoefficients(lowFrequencies(coeffs)), nil
}

// plane is a single-channel sample grid, row-major.
type plane struct {
	w, h int
	pix  []float64
}

func (p plane) at(x, y int) float64 {
	return p.pix[y*p.w+x]
}

// luminance converts img to 8-bit luma with Y = 0.299R + 0.587G + 0.114B.
func luminance(img image.Image) plane {
	b := img.Bounds()
	p := plane{w: b.Dx(), h: b.Dy(), pix: make([]float64, b.Dx()*b.Dy())}

	if gray, ok := img.(*image.Gray); ok {
		for y := 0; y < p.h; y++ {
			off := gray.PixOffset(b.Min.X, b.Min.Y+y)
			for x := 0; x < p.w; x++ {
				p.pix[y*p.w+x] = float64(gray.Pix[off+x])
			}
		}
		return p
	}

	for y := 0; y < p.h; y++ {
		for x := 0; x < p.w; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			p.pix[y*p.w+x] = math.Round(0.299*float64(c.R) + 0.587*float64(c.G) + 0.114*float64(c.B))
		}
	}
	return p
}

// resizeBilinear resamples src to w x h using half-pixel centres and edge
// clamping, rounding every output sample to an 8-bit value.
func resizeBilinear(src plane, w, h int) plane {
	dst := plane{w: w, h: h, pix: make([]float64, w*h)}
	scaleX := float64(src.w) / float64(w)
	scaleY := float64(src.h) / float64(h)

	for dy := 0; dy < h; dy++ {
		y0, y1, fy := sourceSpan(dy, scaleY, src.h)
		for dx := 0; dx < w; dx++ {
			x0, x1, fx := sourceSpan(dx, scaleX, src.w)
			top := src.at(x0, y0)*(1-fx) + src.at(x1, y0)*fx
			bottom := src.at(x0, y1)*(1-fx) + src.at(x1, y1)*fx
			v := math.Round(top*(1-fy) + bottom*fy)
			dst.pix[dy*w+dx] = math.Max(0, math.Min(255, v))
		}
	}
	return dst
}

// sourceSpan maps destination index d to the two neighbouring source indices
// and the weight of the second one.
func sourceSpan(d int, scale float64, n int) (int, int, float64) {
	pos := (float64(d)+0.5)*scale - 0.5
	if pos <= 0 {
		return 0, 0, 0
	}
	i := int(pos)
	if i >= n-1 {
		return n - 1, n - 1, 0
	}
	return i, i + 1, pos - float64(i)
}

// dctBasis[k][n] is the orthonormal DCT-II basis for a sampleSize signal.
var dctBasis = func() [sampleSize][sampleSize]float64 {
	var basis [sampleSize][sampleSize]float64
	for k := 0; k < sampleSize; k++ {
		scale := math.Sqrt(2.0 / sampleSize)
		if k == 0 {
			scale = math.Sqrt(1.0 / sampleSize)
		}
		for n := 0; n < sampleSize; n++ {
			basis[k][n] = scale * math.Cos(math.Pi*float64(2*n+1)*float64(k)/(2*sampleSize))
		}
	}
	return basis
}()

// dct2 applies the separable 2-D DCT-II to a sampleSize x sampleSize plane.
// The result is row-major with the vertical frequency as row index. The
// explicit float64 conversions keep the compiler from fusing multiply-add,
// so every architecture rounds the same way.
func dct2(p plane) []float64 {
	const n = sampleSize
	rows := make([]float64, n*n)
	for y := 0; y < n; y++ {
		for k := 0; k < n; k++ {
			var sum float64
			for x := 0; x < n; x++ {
				sum += float64(dctBasis[k][x] * p.pix[y*n+x])
			}
			rows[y*n+k] = sum
		}
	}

	out := make([]float64, n*n)
	for u := 0; u < n; u++ {
		for k := 0; k < n; k++ {
			var sum float64
			for y := 0; y < n; y++ {
				sum += float64(dctBasis[k][y] * rows[y*n+u])
			}
			out[k*n+u] = sum
		}
	}
	return out
}

// residueEpsilon is the magnitude below which a coefficient is rounding noise.
const residueEpsilon = 1e-9

// lowFrequencies copies the top-left Side x Side block, DC term included.
// Coefficients within residueEpsilon of zero are stored as exactly zero.
func lowFrequencies(coeffs []float64) []float64 {
	block := make([]float64, 0, Bits)
	for i := 0; i < Side; i++ {
		for _, c := range coeffs[i*sampleSize : i*sampleSize+Side] {
			if math.Abs(c) < residueEpsilon {
				c = 0
			}
			block = append(block, c)
		}
	}
	return block
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func fromCoefficients(block []float64) Fingerprint {
	med := median(block)
	var f Fingerprint
	for idx, v := range block {
		if v > med {
			f |= 1 << uint(Bits-1-idx)
		}
	}
	return f
}
