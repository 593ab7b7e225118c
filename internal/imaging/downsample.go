package imaging

import (
	"errors"
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"
)

// ErrInvalidDimensions is returned when a downsample target is not smaller than
// (or equal to) the source, or the source grid is not rectangular.
var ErrInvalidDimensions = errors.New("invalid dimensions")

// Downsample reduces grid to targetWidth x targetHeight by averaging
// non-overlapping source regions.
//
// Region bounds for output cell (x, y) are
// [floor(x*scaleX), min(floor((x+1)*scaleX), srcW)) horizontally and the same
// vertically. When the scale is not integral the regions differ in size by one
// pixel. The mean is truncated toward zero, not rounded.
func Downsample(grid [][]uint8, targetWidth, targetHeight int) ([][]uint8, error) {
	srcH := len(grid)
	if srcH == 0 || len(grid[0]) == 0 {
		return nil, fmt.Errorf("%w: empty source grid", ErrInvalidDimensions)
	}
	srcW := len(grid[0])
	for y, row := range grid {
		if len(row) != srcW {
			return nil, fmt.Errorf("%w: row %d has %d columns, expected %d", ErrInvalidDimensions, y, len(row), srcW)
		}
	}
	if targetWidth < 1 || targetHeight < 1 || targetWidth > srcW || targetHeight > srcH {
		return nil, fmt.Errorf("%w: cannot downsample %dx%d to %dx%d", ErrInvalidDimensions, srcW, srcH, targetWidth, targetHeight)
	}

	scaleX := float64(srcW) / float64(targetWidth)
	scaleY := float64(srcH) / float64(targetHeight)

	out := make([][]uint8, targetHeight)
	for y := 0; y < targetHeight; y++ {
		y0, y1 := regionBounds(y, scaleY, srcH)
		out[y] = make([]uint8, targetWidth)

		for x := 0; x < targetWidth; x++ {
			x0, x1 := regionBounds(x, scaleX, srcW)

			var sum uint64
			for sy := y0; sy < y1; sy++ {
				row := grid[sy]
				for sx := x0; sx < x1; sx++ {
					sum += uint64(row[sx])
				}
			}
			count := uint64((y1 - y0) * (x1 - x0))
			out[y][x] = uint8(sum / count)
		}
	}
	return out, nil
}

// regionBounds returns the half-open source range covered by output index i.
func regionBounds(i int, scale float64, limit int) (int, int) {
	start := int(math.Floor(float64(i) * scale))
	end := int(math.Floor(float64(i+1) * scale))
	if end > limit {
		end = limit
	}
	// scale >= 1 guarantees a non-empty region; this only absorbs float error
	if end <= start {
		end = start + 1
	}
	return start, end
}

// GridFromImage converts any decoded image to an 8-bit luma grid.
func GridFromImage(img image.Image) [][]uint8 {
	b := img.Bounds()
	gray, ok := img.(*image.Gray)
	if !ok {
		gray = image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
		b = gray.Bounds()
	}

	grid := make([][]uint8, b.Dy())
	for y := 0; y < b.Dy(); y++ {
		rowStart := gray.PixOffset(b.Min.X, b.Min.Y+y)
		grid[y] = append([]uint8(nil), gray.Pix[rowStart:rowStart+b.Dx()]...)
	}
	return grid
}

// ImageFromGrid wraps a grid as an image.Gray so it can be encoded to disk.
func ImageFromGrid(grid [][]uint8) *image.Gray {
	h := len(grid)
	w := 0
	if h > 0 {
		w = len(grid[0])
	}
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y, row := range grid {
		copy(img.Pix[y*img.Stride:], row)
	}
	return img
}
