package images

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

// averageColorHex extracts the average color of a decoded image as "#rrggbb".
// Best-effort by contract: any decode failure or panic yields "" and must
// never escape past this boundary.
func averageColorHex(data *ImageData) (hex string) {
	defer func() {
		if recover() != nil {
			hex = ""
		}
	}()

	if data == nil || len(data.Bytes) == 0 {
		return ""
	}

	img, _, err := image.Decode(bytes.NewReader(data.Bytes))
	if err != nil {
		return ""
	}

	bounds := img.Bounds()
	if bounds.Empty() {
		return ""
	}

	// Sample a coarse grid instead of every pixel; accent color does not
	// need precision.
	const grid = 16
	stepX := max(1, bounds.Dx()/grid)
	stepY := max(1, bounds.Dy()/grid)

	var rSum, gSum, bSum, n uint64
	for y := bounds.Min.Y; y < bounds.Max.Y; y += stepY {
		for x := bounds.Min.X; x < bounds.Max.X; x += stepX {
			r, g, b, _ := img.At(x, y).RGBA()
			rSum += uint64(r >> 8)
			gSum += uint64(g >> 8)
			bSum += uint64(b >> 8)
			n++
		}
	}
	if n == 0 {
		return ""
	}
	return fmt.Sprintf("#%02x%02x%02x", rSum/n, gSum/n, bSum/n)
}
