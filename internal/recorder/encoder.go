package recorder

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aura-webinar/coachcall/internal/media"
	"github.com/aura-webinar/coachcall/pkg/ffmpeg"
)

// Codec is a recording container/codec combination.
type Codec struct {
	MimeType     string
	Format       string
	VideoEncoder string
	AudioEncoder string
	Ext          string
}

var (
	CodecVP9Opus  = Codec{MimeType: "video/webm;codecs=vp9,opus", Format: "webm", VideoEncoder: "libvpx-vp9", AudioEncoder: "libopus", Ext: ".webm"}
	CodecVP8Opus  = Codec{MimeType: "video/webm;codecs=vp8,opus", Format: "webm", VideoEncoder: "libvpx", AudioEncoder: "libopus", Ext: ".webm"}
	CodecH264Opus = Codec{MimeType: "video/x-matroska;codecs=avc1,opus", Format: "matroska", VideoEncoder: "libx264", AudioEncoder: "libopus", Ext: ".mkv"}
	CodecDefault  = Codec{MimeType: "video/x-matroska", Format: "matroska", Ext: ".mkv"}
)

// CodecPreference is tried in order by NegotiateCodec.
var CodecPreference = []Codec{CodecVP9Opus, CodecVP8Opus, CodecH264Opus}

// NegotiateCodec returns the first preferred codec the backend supports, or the container default.
func NegotiateCodec(supported func(Codec) bool) Codec {
	for _, c := range CodecPreference {
		if supported(c) {
			return c
		}
	}
	return CodecDefault
}

// FFmpegSupport reports codec support from the encoder list of the local ffmpeg.
func FFmpegSupport(ctx context.Context) (func(Codec) bool, error) {
	encoders, err := ffmpeg.Encoders(ctx)
	if err != nil {
		return nil, err
	}
	return func(c Codec) bool {
		return encoders[c.VideoEncoder] && encoders[c.AudioEncoder]
	}, nil
}

// EncoderParams configure the recording encoder.
type EncoderParams struct {
	Size         image.Point
	FrameRate    int
	Codec        Codec
	Timeslice    time.Duration
	VideoBitrate int
	AudioBitrate int
}

// Encoder consumes the composited video and mixed audio. Encoded bytes are handed to the
// chunk callback once per timeslice; Close flushes the remainder.
type Encoder interface {
	WriteVideo(f media.VideoFrame) error
	WriteAudio(c media.AudioChunk) error
	Close() error
}

// EncoderFactory starts an encoder.
type EncoderFactory func(p EncoderParams, onChunk func([]byte)) (Encoder, error)

// FFmpegEncoder returns an EncoderFactory muxing raw RGBA video from stdin and s16le audio from
// an extra pipe into the codec's container on stdout.
func FFmpegEncoder(logger *zap.Logger) EncoderFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(p EncoderParams, onChunk func([]byte)) (Encoder, error) {
		if p.Timeslice <= 0 {
			p.Timeslice = 100 * time.Millisecond
		}
		proc, err := ffmpeg.Start(encoderArgs(p), ffmpeg.Options{Stdin: true, Stdout: true, ExtraInputs: 1})
		if err != nil {
			return nil, fmt.Errorf("start recording encoder: %w", err)
		}
		e := &ffmpegEncoder{proc: proc, params: p, onChunk: onChunk, logger: logger, done: make(chan struct{})}
		go e.read()
		return e, nil
	}
}

func encoderArgs(p EncoderParams) []string {
	fps := p.FrameRate
	if fps <= 0 {
		fps = 30
	}
	args := []string{
		"-f", "rawvideo", "-pix_fmt", "rgba", "-s", fmt.Sprintf("%dx%d", p.Size.X, p.Size.Y), "-framerate", strconv.Itoa(fps), "-i", "pipe:0",
		"-f", "s16le", "-ar", strconv.Itoa(media.SampleRate), "-ac", strconv.Itoa(media.Channels), "-i", "pipe:3",
		"-map", "0:v", "-map", "1:a",
	}
	switch p.Codec.VideoEncoder {
	case "libvpx-vp9":
		args = append(args, "-c:v", "libvpx-vp9", "-deadline", "realtime", "-cpu-used", "8", "-row-mt", "1", "-pix_fmt", "yuv420p")
	case "libvpx":
		args = append(args, "-c:v", "libvpx", "-deadline", "realtime", "-cpu-used", "8", "-pix_fmt", "yuv420p")
	case "libx264":
		args = append(args, "-c:v", "libx264", "-preset", "veryfast", "-tune", "zerolatency", "-pix_fmt", "yuv420p")
	default:
		args = append(args, "-pix_fmt", "yuv420p")
	}
	if p.VideoBitrate > 0 {
		args = append(args, "-b:v", strconv.Itoa(p.VideoBitrate))
	}
	if p.Codec.AudioEncoder != "" {
		args = append(args, "-c:a", p.Codec.AudioEncoder)
	}
	if p.AudioBitrate > 0 {
		args = append(args, "-b:a", strconv.Itoa(p.AudioBitrate))
	}
	format := p.Codec.Format
	if format == "" {
		format = "matroska"
	}
	return append(args, "-flush_packets", "1", "-f", format, "pipe:1")
}

type ffmpegEncoder struct {
	proc    *ffmpeg.Process
	params  EncoderParams
	onChunk func([]byte)
	logger  *zap.Logger
	pcm     []byte
	done    chan struct{}
	once    sync.Once

	mu  sync.Mutex
	buf []byte
}

func (e *ffmpegEncoder) WriteVideo(f media.VideoFrame) error {
	if f.Image == nil {
		return nil
	}
	if f.Size() != e.params.Size {
		return fmt.Errorf("recording encoder: frame %v does not match canvas %v", f.Size(), e.params.Size)
	}
	_, err := e.proc.Stdin().Write(f.Image.Pix)
	return err
}

func (e *ffmpegEncoder) WriteAudio(c media.AudioChunk) error {
	if cap(e.pcm) < 2*len(c.Samples) {
		e.pcm = make([]byte, 2*len(c.Samples))
	}
	b := e.pcm[:2*len(c.Samples)]
	for i, s := range c.Samples {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(s))
	}
	_, err := e.proc.Input(0).Write(b)
	return err
}

// read collects muxer output and flushes it once per timeslice.
func (e *ffmpegEncoder) read() {
	defer close(e.done)
	stop := make(chan struct{})
	flushed := make(chan struct{})
	go func() {
		defer close(flushed)
		t := time.NewTicker(e.params.Timeslice)
		defer t.Stop()
		for {
			select {
			case <-stop:
				e.flush()
				return
			case <-t.C:
				e.flush()
			}
		}
	}()
	b := make([]byte, 64*1024)
	for {
		n, err := e.proc.Stdout().Read(b)
		if n > 0 {
			e.mu.Lock()
			e.buf = append(e.buf, b[:n]...)
			e.mu.Unlock()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				e.logger.Debug("recording encoder output", zap.Error(err))
			}
			break
		}
	}
	close(stop)
	<-flushed
}

func (e *ffmpegEncoder) flush() {
	e.mu.Lock()
	chunk := e.buf
	e.buf = nil
	e.mu.Unlock()
	if len(chunk) > 0 {
		e.onChunk(chunk)
	}
}

// Close ends both inputs, waits for the muxer to finish and flushes the last chunk.
func (e *ffmpegEncoder) Close() error {
	var err error
	e.once.Do(func() {
		// Drain the muxer output before Stop closes stdout.
		e.proc.CloseInputs()
		select {
		case <-e.done:
		case <-time.After(5 * time.Second):
		}
		err = e.proc.Stop(5 * time.Second)
		<-e.done
	})
	return err
}
