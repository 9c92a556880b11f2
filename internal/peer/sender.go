package peer

import (
	"fmt"
	"image"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"golang.org/x/image/draw"

	"github.com/aura-webinar/coachcall/internal/media"
)

const defaultWidth, defaultHeight = 1280, 720

// Sender feeds one outbound RTP sender from a local raw track. Swapping the source keeps the
// RTP sender and its negotiated transceiver.
type Sender struct {
	kind    media.Kind
	rtp     *webrtc.RTPSender
	local   *webrtc.TrackLocalStaticSample
	factory EncoderFactory
	logger  *zap.Logger

	mu     sync.Mutex
	params EncoderParams
	enc    Encoder
	source *media.Track
	stop   func()
	closed bool
	canvas *image.RGBA
}

func newSender(kind media.Kind, pc *webrtc.PeerConnection, id, streamID string, factory EncoderFactory, logger *zap.Logger) (*Sender, error) {
	codec := VideoCodec
	if kind == media.KindAudio {
		codec = AudioCodec
	}
	local, err := webrtc.NewTrackLocalStaticSample(codec, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("local track: %w", err)
	}
	rtpSender, err := pc.AddTrack(local)
	if err != nil {
		return nil, fmt.Errorf("add track: %w", err)
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := rtpSender.Read(buf); err != nil {
				return
			}
		}
	}()
	return &Sender{kind: kind, rtp: rtpSender, local: local, factory: factory, logger: logger}, nil
}

// Kind reports the sender kind.
func (s *Sender) Kind() media.Kind { return s.kind }

// Source returns the track currently feeding the sender, nil when idle.
func (s *Sender) Source() *media.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source
}

// ReplaceTrack swaps the raw source in place. A nil track idles the sender.
func (s *Sender) ReplaceTrack(t *media.Track, p EncoderParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
	s.source = t
	if t == nil {
		return nil
	}
	p.Kind = s.kind
	if s.kind == media.KindVideo {
		p.Width, p.Height = frameSize(t.Settings(), p)
	}
	if err := s.restartLocked(p); err != nil {
		return err
	}
	if s.kind == media.KindVideo {
		frames, cancel := t.SubscribeVideo(2)
		s.stop = cancel
		go s.pumpVideo(frames)
	} else {
		chunks, cancel := t.SubscribeAudio(8)
		s.stop = cancel
		go s.pumpAudio(chunks)
	}
	return nil
}

// ApplyEncoding restarts the encoder when the bitrate or frame rate cap changed.
func (s *Sender) ApplyEncoding(bitrate, frameRate int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.source == nil {
		return nil
	}
	if s.params.Bitrate == bitrate && s.params.FrameRate == frameRate && s.enc != nil {
		return nil
	}
	p := s.params
	p.Bitrate, p.FrameRate = bitrate, frameRate
	return s.restartLocked(p)
}

// Params returns the active encoder parameters.
func (s *Sender) Params() EncoderParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

func (s *Sender) restartLocked(p EncoderParams) error {
	if s.enc != nil && s.params == p {
		return nil
	}
	if s.enc != nil {
		_ = s.enc.Close()
		s.enc = nil
	}
	enc, err := s.factory(p, s.local)
	if err != nil {
		return fmt.Errorf("start %s encoder: %w", s.kind, err)
	}
	s.enc, s.params = enc, p
	if s.kind == media.KindVideo {
		s.canvas = image.NewRGBA(image.Rect(0, 0, p.Width, p.Height))
	}
	s.logger.Debug("encoder started",
		zap.String("kind", s.kind.String()),
		zap.Int("width", p.Width), zap.Int("height", p.Height),
		zap.Int("bitrate", p.Bitrate), zap.Int("framerate", p.FrameRate))
	return nil
}

func (s *Sender) pumpVideo(frames <-chan media.VideoFrame) {
	for f := range frames {
		s.mu.Lock()
		enc, canvas := s.enc, s.canvas
		if enc != nil && canvas != nil && f.Size() != canvas.Bounds().Size() {
			fit(canvas, f.Image)
			f = media.VideoFrame{Image: canvas, Timestamp: f.Timestamp}
		}
		var err error
		if enc != nil {
			err = enc.WriteVideo(f)
		}
		s.mu.Unlock()
		if err != nil {
			s.logger.Debug("encode video", zap.Error(err))
		}
	}
}

func (s *Sender) pumpAudio(chunks <-chan media.AudioChunk) {
	for c := range chunks {
		s.mu.Lock()
		enc := s.enc
		var err error
		if enc != nil {
			err = enc.WriteAudio(c)
		}
		s.mu.Unlock()
		if err != nil {
			s.logger.Debug("encode audio", zap.Error(err))
		}
	}
}

// Close stops the encoder. The RTP sender is owned by the peer connection.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
	s.source = nil
	if s.enc == nil {
		return nil
	}
	err := s.enc.Close()
	s.enc = nil
	return err
}

func frameSize(st media.Settings, p EncoderParams) (int, int) {
	w, h := st.Width, st.Height
	if w <= 0 || h <= 0 {
		w, h = p.Width, p.Height
	}
	if w <= 0 || h <= 0 {
		w, h = defaultWidth, defaultHeight
	}
	return even(w), even(h)
}

// fit letterboxes src into dst preserving aspect ratio.
func fit(dst, src *image.RGBA) {
	if src == nil {
		return
	}
	draw.Draw(dst, dst.Bounds(), image.Black, image.Point{}, draw.Src)
	draw.ApproxBiLinear.Scale(dst, media.Fit(dst.Bounds(), src.Bounds().Size()), src, src.Bounds(), draw.Src, nil)
}
