package materializer

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"

	"server/internal/provider"
)

const thumbnailMaxDim = 256

// DeriveThumbnail produces the secondary rendition for a payload. Decodable
// images are downscaled to at most 256px on the longest edge; payloads that
// cannot be decoded (video containers, opaque blobs) get a deterministic
// placeholder derived from the seed, so re-running finalize always writes
// identical thumbnail bytes.
func DeriveThumbnail(payload provider.Payload, seed string) ([]byte, error) {
	if img, _, err := image.Decode(bytes.NewReader(payload.Data)); err == nil {
		return encodeThumbnail(scaleDown(img))
	}
	return encodeThumbnail(placeholderThumbnail(seed))
}

// scaleDown resamples the image to fit thumbnailMaxDim using nearest-neighbor
// sampling, which is deterministic and dependency-free.
func scaleDown(src image.Image) image.Image {
	bounds := src.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= thumbnailMaxDim && height <= thumbnailMaxDim {
		return src
	}

	scale := float64(thumbnailMaxDim) / float64(width)
	if height > width {
		scale = float64(thumbnailMaxDim) / float64(height)
	}
	dstW := maxInt(1, int(float64(width)*scale))
	dstH := maxInt(1, int(float64(height)*scale))

	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	for y := 0; y < dstH; y++ {
		srcY := bounds.Min.Y + y*height/dstH
		for x := 0; x < dstW; x++ {
			srcX := bounds.Min.X + x*width/dstW
			dst.Set(x, y, src.At(srcX, srcY))
		}
	}
	return dst
}

func placeholderThumbnail(seed string) image.Image {
	sum := sha256.Sum256([]byte(seed))
	hexSeed := hex.EncodeToString(sum[:])

	img := image.NewRGBA(image.Rect(0, 0, thumbnailMaxDim, thumbnailMaxDim))
	base := colorFromHex(hexSeed[0:6])
	accent := colorFromHex(hexSeed[6:12])
	draw.Draw(img, img.Bounds(), &image.Uniform{base}, image.Point{}, draw.Src)

	band := thumbnailMaxDim / 8
	for y := 0; y < thumbnailMaxDim; y += band * 2 {
		stripe := image.Rect(0, y, thumbnailMaxDim, minInt(thumbnailMaxDim, y+band))
		draw.Draw(img, stripe, &image.Uniform{accent}, image.Point{}, draw.Over)
	}
	return img
}

func encodeThumbnail(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

func colorFromHex(segment string) color.RGBA {
	return color.RGBA{
		R: hexByte(segment[0:2]),
		G: hexByte(segment[2:4]),
		B: hexByte(segment[4:6]),
		A: 255,
	}
}

func hexByte(s string) uint8 {
	var v uint8
	for i := 0; i < 2; i++ {
		v <<= 4
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			v |= c - '0'
		case c >= 'a' && c <= 'f':
			v |= c - 'a' + 10
		case c >= 'A' && c <= 'F':
			v |= c - 'A' + 10
		}
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
