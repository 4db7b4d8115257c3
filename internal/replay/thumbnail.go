package replay

import (
	"fmt"
	"image"

	"github.com/BorisBojanov/ReplaySystem/internal/types"
	"github.com/disintegration/imaging"
)

const thumbnailWidth = 320

// frameImage converts a BGR24 frame to an image.
func frameImage(f types.Frame) (*image.NRGBA, error) {
	if f.Width <= 0 || f.Height <= 0 || len(f.Data) != f.Width*f.Height*3 {
		return nil, fmt.Errorf("frame %d: invalid raster %dx%d (%d bytes)", f.Seq, f.Width, f.Height, len(f.Data))
	}

	img := image.NewNRGBA(image.Rect(0, 0, f.Width, f.Height))
	for i, j := 0, 0; i < len(f.Data); i, j = i+3, j+4 {
		img.Pix[j] = f.Data[i+2]
		img.Pix[j+1] = f.Data[i+1]
		img.Pix[j+2] = f.Data[i]
		img.Pix[j+3] = 0xff
	}
	return img, nil
}

// writeThumbnail saves a downscaled JPEG of f.
func writeThumbnail(f types.Frame, path string) error {
	img, err := frameImage(f)
	if err != nil {
		return err
	}

	var thumb image.Image = img
	if f.Width > thumbnailWidth {
		thumb = imaging.Resize(img, thumbnailWidth, 0, imaging.Lanczos)
	}
	return imaging.Save(thumb, path, imaging.JPEGQuality(80))
}
