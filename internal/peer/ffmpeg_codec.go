package peer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
	"go.uber.org/zap"

	"github.com/aura-webinar/coachcall/internal/media"
	"github.com/aura-webinar/coachcall/pkg/ffmpeg"
)

const stopGrace = 3 * time.Second

// FFmpegEncoders returns an EncoderFactory that encodes VP8 to IVF and Opus to Ogg through
// ffmpeg and parses the containers back into samples.
func FFmpegEncoders(logger *zap.Logger) EncoderFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(p EncoderParams, out SampleWriter) (Encoder, error) {
		var args []string
		switch p.Kind {
		case media.KindVideo:
			fps := p.FrameRate
			if fps <= 0 {
				fps = 30
			}
			args = []string{
				"-f", "rawvideo", "-pix_fmt", "rgba", "-s", fmt.Sprintf("%dx%d", p.Width, p.Height), "-framerate", strconv.Itoa(fps), "-i", "pipe:0",
				"-c:v", "libvpx", "-deadline", "realtime", "-cpu-used", "8", "-auto-alt-ref", "0", "-lag-in-frames", "0",
				"-b:v", strconv.Itoa(p.Bitrate), "-maxrate", strconv.Itoa(p.Bitrate), "-g", strconv.Itoa(fps * 2),
				"-f", "ivf", "pipe:1",
			}
		case media.KindAudio:
			args = []string{
				"-f", "s16le", "-ar", strconv.Itoa(media.SampleRate), "-ac", strconv.Itoa(media.Channels), "-i", "pipe:0",
				"-c:a", "libopus", "-b:a", strconv.Itoa(p.Bitrate), "-application", "voip", "-frame_duration", "20", "-page_duration", "20000",
				"-f", "ogg", "pipe:1",
			}
		default:
			return nil, fmt.Errorf("encoder: unsupported kind %s", p.Kind)
		}
		proc, err := ffmpeg.Start(args, ffmpeg.Options{Stdin: true, Stdout: true})
		if err != nil {
			return nil, fmt.Errorf("start encoder: %w", err)
		}
		e := &ffmpegEncoder{proc: proc, params: p, logger: logger, done: make(chan struct{})}
		if p.Kind == media.KindVideo {
			go e.readIVF(out)
		} else {
			go e.readOgg(out)
		}
		return e, nil
	}
}

type ffmpegEncoder struct {
	proc   *ffmpeg.Process
	params EncoderParams
	logger *zap.Logger
	pcm    []byte
	done   chan struct{}
	once   sync.Once
}

func (e *ffmpegEncoder) WriteVideo(f media.VideoFrame) error {
	if f.Image == nil {
		return nil
	}
	if f.Size() != image.Pt(e.params.Width, e.params.Height) {
		return fmt.Errorf("encoder: frame %v does not match %dx%d", f.Size(), e.params.Width, e.params.Height)
	}
	_, err := e.proc.Stdin().Write(f.Image.Pix)
	return err
}

func (e *ffmpegEncoder) WriteAudio(c media.AudioChunk) error {
	if cap(e.pcm) < len(c.Samples)*2 {
		e.pcm = make([]byte, len(c.Samples)*2)
	}
	buf := e.pcm[:len(c.Samples)*2]
	for i, s := range c.Samples {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(s))
	}
	_, err := e.proc.Stdin().Write(buf)
	return err
}

func (e *ffmpegEncoder) Close() error {
	var err error
	e.once.Do(func() {
		// Drain the muxer output before Stop closes stdout.
		e.proc.CloseInputs()
		select {
		case <-e.done:
		case <-time.After(stopGrace):
		}
		err = e.proc.Stop(stopGrace)
		<-e.done
	})
	return err
}

func (e *ffmpegEncoder) readIVF(out SampleWriter) {
	defer close(e.done)
	r, header, err := ivfreader.NewWith(e.proc.Stdout())
	if err != nil {
		e.logger.Debug("ivf header", zap.Error(err))
		return
	}
	frameDuration := time.Second / 30
	if header.TimebaseNumerator > 0 && header.TimebaseDenominator > 0 {
		frameDuration = time.Second * time.Duration(header.TimebaseNumerator) / time.Duration(header.TimebaseDenominator)
	}
	if e.params.FrameRate > 0 {
		frameDuration = time.Second / time.Duration(e.params.FrameRate)
	}
	for {
		frame, _, err := r.ParseNextFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				e.logger.Debug("ivf frame", zap.Error(err))
			}
			return
		}
		if err := out.WriteSample(pionmedia.Sample{Data: frame, Duration: frameDuration}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			e.logger.Debug("write video sample", zap.Error(err))
		}
	}
}

func (e *ffmpegEncoder) readOgg(out SampleWriter) {
	defer close(e.done)
	r, _, err := oggreader.NewWith(e.proc.Stdout())
	if err != nil {
		e.logger.Debug("ogg header", zap.Error(err))
		return
	}
	var lastGranule uint64
	for {
		page, header, err := r.ParseNextPage()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				e.logger.Debug("ogg page", zap.Error(err))
			}
			return
		}
		if bytes.HasPrefix(page, []byte("OpusHead")) || bytes.HasPrefix(page, []byte("OpusTags")) {
			continue
		}
		duration := media.ChunkDuration
		if lastGranule > 0 && header.GranulePosition > lastGranule {
			duration = time.Duration(float64(header.GranulePosition-lastGranule) / media.SampleRate * float64(time.Second))
		}
		lastGranule = header.GranulePosition
		if err := out.WriteSample(pionmedia.Sample{Data: page, Duration: duration}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			e.logger.Debug("write audio sample", zap.Error(err))
		}
	}
}

// FFmpegDecoders returns a DecoderFactory that forwards RTP over loopback UDP to an ffmpeg
// child described by a generated SDP, and reads raw RGBA / s16le back.
func FFmpegDecoders(dir string, logger *zap.Logger) DecoderFactory {
	if dir == "" {
		dir = os.TempDir()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(p DecoderParams, out FrameSink) (Decoder, error) {
		port, err := freeUDPPort()
		if err != nil {
			return nil, err
		}
		sdpPath := filepath.Join(dir, "rtp-"+uuid.NewString()+".sdp")
		if err := os.WriteFile(sdpPath, []byte(buildSDP(p, port)), 0600); err != nil {
			return nil, fmt.Errorf("write sdp: %w", err)
		}
		args := []string{
			"-protocol_whitelist", "file,udp,rtp", "-analyzeduration", "1000000", "-probesize", "500000",
			"-fflags", "nobuffer", "-f", "sdp", "-i", sdpPath,
		}
		if p.Kind == media.KindVideo {
			w, h := p.Width, p.Height
			args = append(args,
				"-vf", fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2", w, h, w, h),
				"-f", "rawvideo", "-pix_fmt", "rgba", "pipe:1")
		} else {
			args = append(args, "-f", "s16le", "-ac", strconv.Itoa(media.Channels), "-ar", strconv.Itoa(media.SampleRate), "pipe:1")
		}
		proc, err := ffmpeg.Start(args, ffmpeg.Options{Stdout: true})
		if err != nil {
			_ = os.Remove(sdpPath)
			return nil, fmt.Errorf("start decoder: %w", err)
		}
		conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
		if err != nil {
			proc.Kill()
			_ = os.Remove(sdpPath)
			return nil, fmt.Errorf("udp dial: %w", err)
		}
		d := &ffmpegDecoder{proc: proc, conn: conn, sdpPath: sdpPath, pt: uint8(p.Codec.PayloadType), done: make(chan struct{})}
		go d.read(p, out)
		return d, nil
	}
}

type ffmpegDecoder struct {
	proc    *ffmpeg.Process
	conn    *net.UDPConn
	sdpPath string
	pt      uint8
	done    chan struct{}
	once    sync.Once
}

func (d *ffmpegDecoder) WriteRTP(packet []byte) error {
	var h rtp.Header
	if _, err := h.Unmarshal(packet); err != nil {
		return nil
	}
	if h.PayloadType != d.pt {
		return nil
	}
	_, err := d.conn.Write(packet)
	return err
}

func (d *ffmpegDecoder) Close() error {
	d.once.Do(func() {
		_ = d.conn.Close()
		d.proc.Kill()
		<-d.done
		_ = os.Remove(d.sdpPath)
	})
	return nil
}

func (d *ffmpegDecoder) read(p DecoderParams, out FrameSink) {
	defer close(d.done)
	start := time.Now()
	if p.Kind == media.KindVideo {
		size := p.Width * p.Height * 4
		for {
			buf := make([]byte, size)
			if _, err := io.ReadFull(d.proc.Stdout(), buf); err != nil {
				return
			}
			out.WriteVideo(&image.RGBA{Pix: buf, Stride: p.Width * 4, Rect: image.Rect(0, 0, p.Width, p.Height)}, time.Since(start))
		}
	}
	buf := make([]byte, media.ChunkSamples*2)
	for ts := time.Duration(0); ; ts += media.ChunkDuration {
		if _, err := io.ReadFull(d.proc.Stdout(), buf); err != nil {
			return
		}
		samples := make([]int16, media.ChunkSamples)
		for i := range samples {
			samples[i] = int16(binary.LittleEndian.Uint16(buf[2*i:]))
		}
		out.WriteAudio(samples, ts)
	}
}

// buildSDP describes one RTP stream on 127.0.0.1:port using the negotiated payload type.
func buildSDP(p DecoderParams, port int) string {
	var b strings.Builder
	b.WriteString("v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\n")
	mime := strings.ToLower(p.Codec.MimeType)
	codec := strings.TrimPrefix(strings.TrimPrefix(mime, "video/"), "audio/")
	switch codec {
	case "vp8":
		codec = "VP8"
	case "vp9":
		codec = "VP9"
	case "h264":
		codec = "H264"
	}
	kind := "video"
	if p.Kind == media.KindAudio {
		kind = "audio"
	}
	fmt.Fprintf(&b, "m=%s %d RTP/AVP %d\r\n", kind, port, p.Codec.PayloadType)
	rtpmap := fmt.Sprintf("%s/%d", codec, p.Codec.ClockRate)
	if p.Codec.Channels > 0 {
		rtpmap += "/" + strconv.Itoa(int(p.Codec.Channels))
	}
	fmt.Fprintf(&b, "a=rtpmap:%d %s\r\n", p.Codec.PayloadType, rtpmap)
	if p.Codec.SDPFmtpLine != "" {
		fmt.Fprintf(&b, "a=fmtp:%d %s\r\n", p.Codec.PayloadType, p.Codec.SDPFmtpLine)
	}
	return b.String()
}

func freeUDPPort() (int, error) {
	l, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		return 0, fmt.Errorf("allocate udp port: %w", err)
	}
	defer l.Close()
	return l.LocalAddr().(*net.UDPAddr).Port, nil
}
