package recorder

import (
	"image"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/image/draw"

	"github.com/aura-webinar/coachcall/internal/media"
)

// canvasBuffers is how many canvases rotate through the output track. A frame is repainted
// this many ticks after it was published.
const canvasBuffers = 4

const thumbMargin = 20

// Sources are the video inputs of the compositor. Any of them may be nil.
type Sources struct {
	LocalCamera  *VideoSink
	RemoteCamera *VideoSink
	Screen       *VideoSink
}

// CompositorOptions tune a Compositor.
type CompositorOptions struct {
	FrameRate   int
	Watchdog    time.Duration
	Thumbnail   image.Point
	ThumbRadius int
	Logger      *zap.Logger
}

// Compositor draws the sources into one canvas per tick and publishes it on a video track.
type Compositor struct {
	size    image.Point
	opts    CompositorOptions
	out     *media.Track
	sources atomic.Pointer[Sources]
	logger  *zap.Logger

	frames   atomic.Uint64
	lastTick atomic.Int64
	layout   atomic.Int32
	start    time.Time

	mu      sync.Mutex
	running bool
	gen     uint64
	stop    chan struct{}
	wg      sync.WaitGroup

	drawMu sync.Mutex
	bufs   [canvasBuffers]*image.RGBA
	next   int
	thumb  *image.RGBA
}

// NewCompositor creates a stopped compositor with a canvas of the given size.
func NewCompositor(size image.Point, opts CompositorOptions) *Compositor {
	if opts.FrameRate <= 0 {
		opts.FrameRate = 30
	}
	if opts.Watchdog <= 0 {
		opts.Watchdog = 2 * time.Second
	}
	if opts.Thumbnail.X <= 0 || opts.Thumbnail.Y <= 0 {
		opts.Thumbnail = image.Pt(320, 180)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	c := &Compositor{
		size:   size,
		opts:   opts,
		logger: opts.Logger,
		out: media.NewTrack(media.KindVideo, "canvas capture", media.Settings{
			Width: size.X, Height: size.Y, FrameRate: opts.FrameRate,
		}, nil),
	}
	c.sources.Store(&Sources{})
	for i := range c.bufs {
		c.bufs[i] = image.NewRGBA(image.Rectangle{Max: size})
	}
	c.thumb = image.NewRGBA(image.Rectangle{Max: opts.Thumbnail})
	return c
}

// Output is the captured canvas track.
func (c *Compositor) Output() *media.Track { return c.out }

// Size is the canvas size.
func (c *Compositor) Size() image.Point { return c.size }

// Frames counts drawn frames.
func (c *Compositor) Frames() uint64 { return c.frames.Load() }

// Layout returns the layout of the most recent frame.
func (c *Compositor) Layout() Layout { return Layout(c.layout.Load()) }

// SetSources replaces the inputs; the next tick picks them up.
func (c *Compositor) SetSources(s Sources) { c.sources.Store(&s) }

// Start begins the draw loop and its watchdog.
func (c *Compositor) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.start = time.Now()
	c.stop = make(chan struct{})
	c.lastTick.Store(time.Now().UnixNano())
	c.startLoopLocked()
	c.wg.Add(1)
	go c.watchdog(c.stop)
}

// Stop halts the loop and ends the output track.
func (c *Compositor) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.gen++
	close(c.stop)
	c.mu.Unlock()
	c.wg.Wait()
	c.out.Stop()
}

func (c *Compositor) startLoopLocked() {
	c.gen++
	gen := c.gen
	c.wg.Add(1)
	go c.loop(gen, c.stop)
}

func (c *Compositor) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running && c.gen == gen
}

func (c *Compositor) loop(gen uint64, stop <-chan struct{}) {
	defer c.wg.Done()
	t := time.NewTicker(time.Second / time.Duration(c.opts.FrameRate))
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if !c.current(gen) {
				return
			}
			c.tick()
		}
	}
}

// watchdog re-arms the draw loop when no frame was drawn for a whole interval.
func (c *Compositor) watchdog(stop <-chan struct{}) {
	defer c.wg.Done()
	t := time.NewTicker(c.opts.Watchdog)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			last := time.Unix(0, c.lastTick.Load())
			if time.Since(last) < c.opts.Watchdog {
				continue
			}
			c.mu.Lock()
			if c.running {
				c.logger.Warn("draw loop stalled, restarting", zap.Duration("since_last_frame", time.Since(last)))
				c.startLoopLocked()
			}
			c.mu.Unlock()
		}
	}
}

// stall stops the current loop without stopping the compositor.
func (c *Compositor) stall() {
	c.mu.Lock()
	c.gen++
	c.mu.Unlock()
}

func (c *Compositor) tick() {
	c.lastTick.Store(time.Now().UnixNano())
	c.drawMu.Lock()
	defer c.drawMu.Unlock()
	canvas := c.bufs[c.next]
	c.next = (c.next + 1) % canvasBuffers
	layout := c.drawFrame(canvas, *c.sources.Load())
	c.layout.Store(int32(layout))
	c.frames.Add(1)
	c.out.WriteVideo(canvas, time.Since(c.start))
}

// drawFrame clears canvas and draws the ready sources according to the layout policy.
func (c *Compositor) drawFrame(canvas *image.RGBA, s Sources) Layout {
	draw.Draw(canvas, canvas.Bounds(), image.Black, image.Point{}, draw.Src)
	screen := readyFrame(s.Screen)
	local := readyFrame(s.LocalCamera)
	remote := readyFrame(s.RemoteCamera)
	cameras := 0
	for _, f := range []*image.RGBA{local, remote} {
		if f != nil {
			cameras++
		}
	}
	layout := ChooseLayout(screen != nil, cameras)
	bounds := canvas.Bounds()
	switch layout {
	case LayoutScreenShare:
		letterbox(canvas, bounds, screen)
		r, l := Thumbnails(bounds, c.opts.Thumbnail, thumbMargin)
		c.drawThumbnail(canvas, r, remote)
		c.drawThumbnail(canvas, l, local)
	case LayoutSideBySide:
		left, right := Halves(bounds)
		letterbox(canvas, left, remote)
		letterbox(canvas, right, local)
	case LayoutSingle:
		if local != nil {
			letterbox(canvas, bounds, local)
		} else {
			letterbox(canvas, bounds, remote)
		}
	}
	return layout
}

func (c *Compositor) drawThumbnail(canvas *image.RGBA, at image.Rectangle, src *image.RGBA) {
	if src == nil {
		return
	}
	thumb := c.thumb
	draw.Draw(thumb, thumb.Bounds(), image.Black, image.Point{}, draw.Src)
	draw.ApproxBiLinear.Scale(thumb, media.Fit(thumb.Bounds(), src.Bounds().Size()), src, src.Bounds(), draw.Src, nil)
	mask := roundedMask{r: thumb.Bounds(), radius: c.opts.ThumbRadius}
	draw.DrawMask(canvas, at, thumb, image.Point{}, mask, image.Point{}, draw.Over)
}

func letterbox(dst *image.RGBA, r image.Rectangle, src *image.RGBA) {
	if src == nil {
		return
	}
	draw.ApproxBiLinear.Scale(dst, media.Fit(r, src.Bounds().Size()), src, src.Bounds(), draw.Src, nil)
}

func readyFrame(s *VideoSink) *image.RGBA {
	if s == nil || !s.Ready() {
		return nil
	}
	return s.Frame()
}
