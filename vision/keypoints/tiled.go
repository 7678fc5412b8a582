package keypoints

import (
	"image"

	"golang.org/x/sync/errgroup"
)

const (
	tileGrid   = 4
	tileBorder = 16
)

// TiledDetector splits the image inside a 16 pixel border into a 4x4 grid and runs an independent
// adaptive detector in every tile, so features spread over the whole frame.
type TiledDetector struct {
	name  string
	tiles [tileGrid * tileGrid]Detector
}

// NewTiledDetector builds one sub-detector per tile from newTile.
func NewTiledDetector(newTile func() Detector) *TiledDetector {
	td := &TiledDetector{}
	for i := range td.tiles {
		td.tiles[i] = newTile()
	}
	td.name = "4x4 " + td.tiles[0].Name()
	return td
}

// Name returns "4x4 " followed by the tile detector name.
func (td *TiledDetector) Name() string { return td.name }

// Detect asks every tile for target/16 features and returns them in image coordinates, tile by tile
// in column-major order.
func (td *TiledDetector) Detect(img *image.Gray, target int) (KeyPoints, error) {
	b := img.Bounds()
	w := b.Dx() - 2*tileBorder
	h := b.Dy() - 2*tileBorder
	if w < tileGrid || h < tileGrid {
		return KeyPoints{}, nil
	}
	tw, th := w/tileGrid, h/tileGrid
	perTile := target / (tileGrid * tileGrid)

	results := make([]KeyPoints, len(td.tiles))
	var group errgroup.Group
	for x := 0; x < tileGrid; x++ {
		for y := 0; y < tileGrid; y++ {
			idx := tileGrid*x + y
			origin := image.Point{X: b.Min.X + tileBorder + x*tw, Y: b.Min.Y + tileBorder + y*th}
			sub, ok := img.SubImage(image.Rectangle{Min: origin, Max: origin.Add(image.Point{X: tw, Y: th})}).(*image.Gray)
			if !ok {
				continue
			}
			group.Go(func() error {
				kps, err := td.tiles[idx].Detect(sub, perTile)
				if err != nil {
					return err
				}
				for i := range kps {
					kps[i] = kps[i].Add(origin).Sub(b.Min)
				}
				results[idx] = kps
				return nil
			})
		}
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	var out KeyPoints
	for _, kps := range results {
		out = append(out, kps...)
	}
	return out, nil
}
