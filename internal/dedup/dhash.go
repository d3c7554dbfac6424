package dedup

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // decoder registration
	_ "image/jpeg" // decoder registration
	_ "image/png"  // decoder registration
)

// dhashCols x dhashRows samples produce a 64-bit difference hash: each bit
// says whether a pixel is brighter than its right neighbour. Visually
// similar images (rescaled, recompressed) keep most bits stable.
const (
	dhashCols = 9
	dhashRows = 8
)

// DHash computes the 64-bit difference hash of an encoded image.
func DHash(data []byte) (uint64, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("decode image: %w", err)
	}
	return dhashImage(img), nil
}

func dhashImage(img image.Image) uint64 {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return 0
	}

	// Nearest-neighbour downsample to the 9x8 grid in grayscale.
	var grid [dhashRows][dhashCols]uint32
	for row := 0; row < dhashRows; row++ {
		for col := 0; col < dhashCols; col++ {
			x := bounds.Min.X + col*w/dhashCols
			y := bounds.Min.Y + row*h/dhashRows
			r, g, b, _ := img.At(x, y).RGBA()
			// Integer luma approximation.
			grid[row][col] = (299*r + 587*g + 114*b) / 1000
		}
	}

	var hash uint64
	bit := 0
	for row := 0; row < dhashRows; row++ {
		for col := 0; col < dhashCols-1; col++ {
			if grid[row][col] > grid[row][col+1] {
				hash |= 1 << uint(63-bit)
			}
			bit++
		}
	}
	return hash
}

// HammingDistance counts differing bits between two hashes.
func HammingDistance(a, b uint64) int {
	x := a ^ b
	count := 0
	for x != 0 {
		x &= x - 1
		count++
	}
	return count
}
