package rimage

import "image"

// GrabPatch copies the size x size block whose top-left corner is (x0, y0). Pixels outside the image
// replicate the nearest border pixel.
func GrabPatch(img *image.Gray, x0, y0, size int) []uint8 {
	b := img.Bounds()
	out := make([]uint8, 0, size*size)
	for y := y0; y < y0+size; y++ {
		sy := clampInt(y, b.Min.Y, b.Max.Y-1)
		for x := x0; x < x0+size; x++ {
			sx := clampInt(x, b.Min.X, b.Max.X-1)
			out = append(out, img.Pix[img.PixOffset(sx, sy)])
		}
	}
	return out
}

// SAD is the sum of absolute differences between two equally sized patches.
func SAD(a, b []uint8) int {
	total := 0
	for i := range a {
		d := int(a[i]) - int(b[i])
		if d < 0 {
			d = -d
		}
		total += d
	}
	return total
}
