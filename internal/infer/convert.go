// SPDX-License-Identifier: MIT

package infer

import (
	"image"

	"github.com/kestrelvision/kestrel-go/internal/graph"
)

// FrameToImage converts a strided RGB or BGR frame buffer to a
// contiguous RGBA image.
//
// Rows or pixels that fall outside the data length are silently
// dropped: a short buffer yields a truncated but valid image, never a
// corrupted one. Unsupported pixel formats return nil.
func FrameToImage(buf *graph.Buffer, caps *graph.Caps) *image.RGBA {
	if caps == nil || caps.Width <= 0 || caps.Height <= 0 {
		return nil
	}
	switch caps.Format {
	case graph.FormatRGB, graph.FormatBGR:
	default:
		return nil
	}

	width, height := caps.Width, caps.Height
	stride := buf.Stride
	if stride <= 0 {
		stride = width * 3
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	swap := caps.Format == graph.FormatBGR

	for y := 0; y < height; y++ {
		rowStart := y * stride
		rowEnd := rowStart + width*3
		if rowEnd > len(buf.Data) {
			// Truncated row: copy whole pixels that fit, drop the rest.
			avail := len(buf.Data) - rowStart
			if avail < 3 {
				break
			}
			rowEnd = rowStart + (avail/3)*3
		}
		out := img.Pix[y*img.Stride:]
		n := (rowEnd - rowStart) / 3
		for x := 0; x < n; x++ {
			in := rowStart + x*3
			o := x * 4
			if swap {
				out[o], out[o+1], out[o+2] = buf.Data[in+2], buf.Data[in+1], buf.Data[in]
			} else {
				out[o], out[o+1], out[o+2] = buf.Data[in], buf.Data[in+1], buf.Data[in+2]
			}
			out[o+3] = 0xff
		}
	}
	return img
}
