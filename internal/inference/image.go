// SPDX-License-Identifier: Apache-2.0

package inference

import (
	"bytes"
	"image"
	"image/png"

	"golang.org/x/image/draw"
)

// MaxWidth is the widest screenshot sent for inference.
const MaxWidth = 1024

// Downscale returns a PNG no wider than maxWidth, preserving aspect ratio.
// Input that is not a decodable PNG, or already narrow enough, is returned
// unchanged.
func Downscale(raw []byte, maxWidth int) []byte {
	if len(raw) == 0 || maxWidth <= 0 {
		return raw
	}
	src, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		return raw
	}
	b := src.Bounds()
	if b.Dx() <= maxWidth {
		return raw
	}

	height := b.Dy() * maxWidth / b.Dx()
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return raw
	}
	return buf.Bytes()
}
