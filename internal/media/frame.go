// Package media provides raw-frame tracks and streams, local device acquisition and
// screen-share classification for a call participant.
package media

import (
	"image"
	"image/draw"
	"time"

	"github.com/pion/webrtc/v3"
)

// Kind is the track kind, shared with pion.
type Kind = webrtc.RTPCodecType

const (
	KindAudio = webrtc.RTPCodecTypeAudio
	KindVideo = webrtc.RTPCodecTypeVideo
)

// Audio is carried as 48 kHz mono signed 16-bit PCM in 20ms chunks.
const (
	SampleRate    = 48000
	Channels      = 1
	ChunkDuration = 20 * time.Millisecond
	ChunkSamples  = SampleRate / 50
)

// VideoFrame is one decoded picture. Image must not be modified once written to a track.
type VideoFrame struct {
	Image     *image.RGBA
	Timestamp time.Duration
}

// Size returns the frame dimensions, zero when the frame is empty.
func (f VideoFrame) Size() image.Point {
	if f.Image == nil {
		return image.Point{}
	}
	return f.Image.Bounds().Size()
}

// AudioChunk is a run of mono PCM samples.
type AudioChunk struct {
	Samples   []int16
	Timestamp time.Duration
}

// Black returns an opaque black image of the given size.
func Black(size image.Point) *image.RGBA {
	img := image.NewRGBA(image.Rectangle{Max: size})
	draw.Draw(img, img.Bounds(), image.Black, image.Point{}, draw.Src)
	return img
}

// Fit returns the largest rectangle with the aspect ratio of size centred inside r.
func Fit(r image.Rectangle, size image.Point) image.Rectangle {
	if size.X <= 0 || size.Y <= 0 {
		return r
	}
	w, h := r.Dx(), r.Dy()
	if w*size.Y > h*size.X {
		w = h * size.X / size.Y
	} else {
		h = w * size.Y / size.X
	}
	x := r.Min.X + (r.Dx()-w)/2
	y := r.Min.Y + (r.Dy()-h)/2
	return image.Rect(x, y, x+w, y+h)
}
