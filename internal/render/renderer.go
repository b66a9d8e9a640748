// SPDX-License-Identifier: MIT

// Package render draws detection overlays into raw video frames. The
// renderer surface is deliberately small: one method, taking the frame
// and its detection metadata.
package render

import (
	"image/color"

	"github.com/kestrelvision/kestrel-go/internal/graph"
	"github.com/kestrelvision/kestrel-go/internal/meta"
)

// Renderer draws detection results onto a frame in place.
type Renderer interface {
	Render(buf *graph.Buffer, dm *meta.DetectionMeta) error
}

// classPalette cycles box colors by class id.
var classPalette = []color.RGBA{
	{R: 0xe6, G: 0x3c, B: 0x3c}, // red
	{R: 0x3c, G: 0xe6, B: 0x5a}, // green
	{R: 0x3c, G: 0x8c, B: 0xe6}, // blue
	{R: 0xe6, G: 0xd2, B: 0x3c}, // yellow
	{R: 0xe6, G: 0x3c, B: 0xc8}, // magenta
	{R: 0x3c, G: 0xe6, B: 0xe6}, // cyan
}

// BoxRenderer draws rectangle outlines around detections on packed
// RGB/BGR frames. Out-of-range coordinates are clipped, never written.
type BoxRenderer struct {
	Thickness int
}

// NewBoxRenderer creates a renderer with 2-pixel outlines.
func NewBoxRenderer() *BoxRenderer {
	return &BoxRenderer{Thickness: 2}
}

// Render draws one outline per detection.
func (r *BoxRenderer) Render(buf *graph.Buffer, dm *meta.DetectionMeta) error {
	if dm == nil || buf.Caps == nil {
		return nil
	}
	switch buf.Caps.Format {
	case graph.FormatRGB, graph.FormatBGR:
	default:
		return nil
	}

	width, height := buf.Caps.Width, buf.Caps.Height
	stride := buf.Stride
	if stride <= 0 {
		stride = width * 3
	}
	swap := buf.Caps.Format == graph.FormatBGR

	thickness := r.Thickness
	if thickness <= 0 {
		thickness = 1
	}

	for _, det := range dm.Detections {
		c := classPalette[det.ClassID%len(classPalette)]
		x0, y0 := int(det.X), int(det.Y)
		x1, y1 := int(det.X+det.Width), int(det.Y+det.Height)

		for t := 0; t < thickness; t++ {
			drawHLine(buf.Data, stride, width, height, x0, x1, y0+t, c, swap)
			drawHLine(buf.Data, stride, width, height, x0, x1, y1-t, c, swap)
			drawVLine(buf.Data, stride, width, height, x0+t, y0, y1, c, swap)
			drawVLine(buf.Data, stride, width, height, x1-t, y0, y1, c, swap)
		}
	}
	return nil
}

func putPixel(data []byte, stride, width, height, x, y int, c color.RGBA, swap bool) {
	if x < 0 || y < 0 || x >= width || y >= height {
		return
	}
	off := y*stride + x*3
	if off+2 >= len(data) {
		return
	}
	if swap {
		data[off], data[off+1], data[off+2] = c.B, c.G, c.R
	} else {
		data[off], data[off+1], data[off+2] = c.R, c.G, c.B
	}
}

func drawHLine(data []byte, stride, width, height, x0, x1, y int, c color.RGBA, swap bool) {
	for x := x0; x <= x1; x++ {
		putPixel(data, stride, width, height, x, y, c, swap)
	}
}

func drawVLine(data []byte, stride, width, height, x, y0, y1 int, c color.RGBA, swap bool) {
	for y := y0; y <= y1; y++ {
		putPixel(data, stride, width, height, x, y, c, swap)
	}
}
