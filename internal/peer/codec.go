package peer

import (
	"image"
	"time"

	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"

	"github.com/aura-webinar/coachcall/internal/media"
)

// Negotiated codecs. The sender side always produces VP8 and Opus.
var (
	VideoCodec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	AudioCodec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2, SDPFmtpLine: "minptime=10;useinbandfec=1"}
)

// EncoderParams configures one outbound encoder.
type EncoderParams struct {
	Kind      media.Kind
	Width     int
	Height    int
	FrameRate int
	Bitrate   int // bits per second
}

// SampleWriter accepts encoded samples; *webrtc.TrackLocalStaticSample satisfies it.
type SampleWriter interface {
	WriteSample(s pionmedia.Sample) error
}

// Encoder turns raw frames into encoded samples written to its SampleWriter.
type Encoder interface {
	WriteVideo(f media.VideoFrame) error
	WriteAudio(c media.AudioChunk) error
	Close() error
}

// EncoderFactory starts an encoder.
type EncoderFactory func(p EncoderParams, out SampleWriter) (Encoder, error)

// FrameSink receives decoded media; *media.Track satisfies it.
type FrameSink interface {
	WriteVideo(img *image.RGBA, ts time.Duration)
	WriteAudio(samples []int16, ts time.Duration)
}

// DecoderParams configures one inbound decoder. Video output is scaled and padded to Width x Height.
type DecoderParams struct {
	Kind   media.Kind
	Codec  webrtc.RTPCodecParameters
	Width  int
	Height int
}

// Decoder consumes raw RTP packets and writes decoded media to its FrameSink.
type Decoder interface {
	WriteRTP(packet []byte) error
	Close() error
}

// DecoderFactory starts a decoder.
type DecoderFactory func(p DecoderParams, out FrameSink) (Decoder, error)

func even(n int) int { return n &^ 1 }
