// SPDX-License-Identifier: MIT

package graph

import (
	"context"
	"encoding/binary"
	"time"
)

// Default videotestsrc geometry: a synthetic live pattern at 640x480,
// 30 fps.
const (
	testSrcWidth  = 640
	testSrcHeight = 480
	testSrcFPS    = 30
)

// newVideoTestSrc builds a live synthetic source. Properties:
//
//	pattern  — "ball" (moving white square, default) or "black"
//	is-live  — live-source flag (default true)
//	width, height, framerate — output geometry
//
// The frame number is stamped big-endian into the first 8 bytes of each
// frame so ordering is observable downstream.
func newVideoTestSrc(name string) (Element, error) {
	e := NewBaseElement("videotestsrc", name)
	e.SetLive(true)
	_ = e.SetProperty("pattern", "ball")
	_ = e.SetProperty("is-live", true)
	_ = e.SetProperty("width", testSrcWidth)
	_ = e.SetProperty("height", testSrcHeight)
	_ = e.SetProperty("framerate", testSrcFPS)

	src := NewPad("src", PadSrc, e)
	e.AddStaticPad(src)

	e.SetStreamFunc(func(ctx context.Context) {
		width := intProp(e, "width", testSrcWidth)
		height := intProp(e, "height", testSrcHeight)
		fps := intProp(e, "framerate", testSrcFPS)
		if fps <= 0 {
			fps = testSrcFPS
		}
		pattern, _ := propOf[string](e, "pattern")
		caps := NewVideoCaps(FormatRGB, width, height, fps, 1)
		src.SetCaps(caps)

		interval := caps.FrameInterval()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var n uint64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			n++
			buf := &Buffer{
				Data:   renderTestFrame(pattern, width, height, n),
				Stride: width * 3,
				Caps:   caps,
				PTS:    time.Duration(n-1) * interval,
				Number: n,
			}
			switch src.Push(buf) {
			case FlowError, FlowEOS:
				return
			}
		}
	})
	return e, nil
}

// renderTestFrame produces one RGB frame of the requested pattern.
func renderTestFrame(pattern string, width, height int, n uint64) []byte {
	data := make([]byte, width*height*3)
	if pattern != "black" {
		// Moving white square, wrapping across the frame.
		const ball = 48
		bx := int(n*4) % maxInt(width-ball, 1)
		by := int(n*2) % maxInt(height-ball, 1)
		for y := by; y < by+ball && y < height; y++ {
			row := y * width * 3
			for x := bx; x < bx+ball && x < width; x++ {
				off := row + x*3
				data[off], data[off+1], data[off+2] = 0xff, 0xff, 0xff
			}
		}
	}
	if len(data) >= 8 {
		binary.BigEndian.PutUint64(data[:8], n)
	}
	return data
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// intProp reads an int property with a fallback default.
func intProp(e Element, name string, def int) int {
	if v, ok := e.Property(name); ok {
		if i, ok := v.(int); ok {
			return i
		}
	}
	return def
}

// propOf reads a typed property value.
func propOf[T any](e Element, name string) (T, bool) {
	var zero T
	v, ok := e.Property(name)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}
