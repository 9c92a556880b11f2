package media

import (
	"context"
	"image"
	"image/color"
	"math"
	"time"
)

// TestPatternDevices synthesizes capture devices: a moving box camera, a sine tone microphone
// and colour bars for the screen. Err, when set, is returned by every acquire call.
type TestPatternDevices struct {
	Width        int
	Height       int
	FPS          int
	ScreenWidth  int
	ScreenHeight int
	ToneHz       float64
	Err          error
}

// NewTestPatternDevices returns devices producing 640x360 camera frames and a 1920x1080 screen.
func NewTestPatternDevices() *TestPatternDevices {
	return &TestPatternDevices{Width: 640, Height: 360, FPS: 30, ScreenWidth: 1920, ScreenHeight: 1080, ToneHz: 440}
}

func (d *TestPatternDevices) GetUserMedia(ctx context.Context, c Constraints) ([]*Track, error) {
	if d.Err != nil {
		return nil, d.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var tracks []*Track
	if c.Video != nil {
		w, h, fps := pick(c.Video.Width, d.Width), pick(c.Video.Height, d.Height), pick(c.Video.FrameRate, d.FPS)
		tracks = append(tracks, videoPattern("camera:test", Settings{DeviceID: "test-camera", Width: w, Height: h, FrameRate: fps}, movingBox, true))
	}
	if c.Audio != nil {
		tracks = append(tracks, tonePattern("microphone:test", d.ToneHz))
	}
	return tracks, nil
}

func (d *TestPatternDevices) GetDisplayMedia(ctx context.Context, opts DisplayOptions) ([]*Track, error) {
	if d.Err != nil {
		return nil, d.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w, h := pick(opts.Width, d.ScreenWidth), pick(opts.Height, d.ScreenHeight)
	fps := pick(opts.FrameRate, 15)
	tracks := []*Track{videoPattern("screen:test", Settings{DeviceID: "test-screen", Width: w, Height: h, FrameRate: fps, DisplaySurface: SurfaceMonitor}, colourBars, false)}
	if opts.Audio {
		tracks = append(tracks, tonePattern("screen audio:test", d.ToneHz*1.5))
	}
	return tracks, nil
}

func pick(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

type painter func(img *image.RGBA, frame int)

func videoPattern(label string, s Settings, paint painter, animated bool) *Track {
	done := make(chan struct{})
	t := NewTrack(KindVideo, label, s, func() { close(done) })
	go func() {
		interval := time.Second / time.Duration(pick(s.FrameRate, 30))
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		start := time.Now()
		var img *image.RGBA
		for n := 0; ; n++ {
			if img == nil || animated {
				img = image.NewRGBA(image.Rect(0, 0, s.Width, s.Height))
				paint(img, n)
			}
			t.WriteVideo(img, time.Since(start))
			select {
			case <-done:
				return
			case <-ticker.C:
			}
		}
	}()
	return t
}

func tonePattern(label string, hz float64) *Track {
	done := make(chan struct{})
	t := NewTrack(KindAudio, label, Settings{DeviceID: label}, func() { close(done) })
	go func() {
		ticker := time.NewTicker(ChunkDuration)
		defer ticker.Stop()
		var n int
		for ts := time.Duration(0); ; ts += ChunkDuration {
			samples := make([]int16, ChunkSamples)
			for i := range samples {
				samples[i] = int16(8000 * math.Sin(2*math.Pi*hz*float64(n)/SampleRate))
				n++
			}
			t.WriteAudio(samples, ts)
			select {
			case <-done:
				return
			case <-ticker.C:
			}
		}
	}()
	return t
}

func movingBox(img *image.RGBA, frame int) {
	b := img.Bounds()
	bg := color.RGBA{R: 24, G: 32, B: 48, A: 255}
	fg := color.RGBA{R: 240, G: 180, B: 40, A: 255}
	side := b.Dy() / 4
	if side < 1 {
		side = 1
	}
	span := b.Dx() - side
	if span < 1 {
		span = 1
	}
	x0 := (frame * 4) % span
	y0 := (b.Dy() - side) / 2
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if x >= x0 && x < x0+side && y >= y0 && y < y0+side {
				img.SetRGBA(x, y, fg)
			} else {
				img.SetRGBA(x, y, bg)
			}
		}
	}
}

var bars = []color.RGBA{
	{192, 192, 192, 255}, {192, 192, 0, 255}, {0, 192, 192, 255}, {0, 192, 0, 255},
	{192, 0, 192, 255}, {192, 0, 0, 255}, {0, 0, 192, 255},
}

func colourBars(img *image.RGBA, _ int) {
	b := img.Bounds()
	w := b.Dx()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			img.SetRGBA(x, y, bars[(x-b.Min.X)*len(bars)/w])
		}
	}
}
