package peer

import (
	"encoding/binary"
	"image"
	"image/color"
	"image/draw"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"

	"github.com/aura-webinar/coachcall/internal/media"
)

// SyntheticEncoders returns an EncoderFactory that emits a small placeholder sample per
// frame or chunk. It carries timing only and pairs with SyntheticDecoders for runs without ffmpeg.
func SyntheticEncoders() EncoderFactory {
	return func(p EncoderParams, out SampleWriter) (Encoder, error) {
		return &syntheticEncoder{params: p, out: out}, nil
	}
}

type syntheticEncoder struct {
	params EncoderParams
	out    SampleWriter
	mu     sync.Mutex
	closed bool
}

func (e *syntheticEncoder) WriteVideo(f media.VideoFrame) error {
	if f.Image == nil {
		return nil
	}
	fps := e.params.FrameRate
	if fps <= 0 {
		fps = 30
	}
	// Average luma is carried so the far side can paint a matching flat frame.
	data := make([]byte, 8)
	binary.BigEndian.PutUint16(data[0:], uint16(f.Size().X))
	binary.BigEndian.PutUint16(data[2:], uint16(f.Size().Y))
	data[4] = meanLuma(f.Image)
	return e.write(pionmedia.Sample{Data: data, Duration: time.Second / time.Duration(fps)})
}

func (e *syntheticEncoder) WriteAudio(c media.AudioChunk) error {
	var peak int16
	for _, s := range c.Samples {
		if s > peak {
			peak = s
		}
	}
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data, uint16(peak))
	return e.write(pionmedia.Sample{Data: data, Duration: media.ChunkDuration})
}

func (e *syntheticEncoder) write(s pionmedia.Sample) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	return e.out.WriteSample(s)
}

func (e *syntheticEncoder) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

// SyntheticDecoders returns a DecoderFactory that paints one flat frame per completed video
// sample and one constant chunk per audio packet.
func SyntheticDecoders() DecoderFactory {
	return func(p DecoderParams, out FrameSink) (Decoder, error) {
		return &syntheticDecoder{params: p, out: out, start: time.Now()}, nil
	}
}

type syntheticDecoder struct {
	params DecoderParams
	out    FrameSink
	start  time.Time
	mu     sync.Mutex
	luma   uint8
	closed bool
}

func (d *syntheticDecoder) WriteRTP(packet []byte) error {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(packet); err != nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	ts := time.Since(d.start)
	if d.params.Kind == media.KindAudio {
		level := int16(0)
		if len(pkt.Payload) >= 2 {
			level = int16(binary.BigEndian.Uint16(pkt.Payload))
		}
		samples := make([]int16, media.ChunkSamples)
		for i := range samples {
			samples[i] = level
		}
		d.out.WriteAudio(samples, ts)
		return nil
	}
	var vp8 codecs.VP8Packet
	if data, err := vp8.Unmarshal(pkt.Payload); err == nil && vp8.S == 1 && len(data) >= 5 {
		d.luma = data[4]
	}
	if !pkt.Marker {
		return nil
	}
	img := image.NewRGBA(image.Rect(0, 0, d.params.Width, d.params.Height))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.Gray{Y: d.luma}}, image.Point{}, draw.Src)
	d.out.WriteVideo(img, ts)
	return nil
}

func (d *syntheticDecoder) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func meanLuma(img *image.RGBA) uint8 {
	b := img.Bounds()
	stepX, stepY := max(b.Dx()/16, 1), max(b.Dy()/16, 1)
	var sum, n int
	for y := b.Min.Y; y < b.Max.Y; y += stepY {
		for x := b.Min.X; x < b.Max.X; x += stepX {
			i := img.PixOffset(x, y)
			sum += (299*int(img.Pix[i]) + 587*int(img.Pix[i+1]) + 114*int(img.Pix[i+2])) / 1000
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return uint8(sum / n)
}
