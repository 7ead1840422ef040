// Package audio provides opus encode/decode and frame repackaging for the
// client audio path. The wire format is mono opus at a configurable sample
// rate with fixed-duration frames.
package audio

import (
	"fmt"

	"layeh.com/gopus"
)

const (
	// DefaultSampleRate is the sample rate used on the client wire when the
	// server config does not override it.
	DefaultSampleRate = 16000

	// DefaultFrameDurationMs is the opus frame duration on the client wire.
	DefaultFrameDurationMs = 60

	// Channels is fixed: the client audio path is mono.
	Channels = 1

	// maxOpusPacket is the encoder output buffer cap per frame.
	maxOpusPacket = 4000
)

// Decoder wraps a gopus opus decoder for a single inbound stream. Each
// stream gets its own decoder to keep decoder state correct across
// consecutive packets.
type Decoder struct {
	dec        *gopus.Decoder
	frameSize  int
	sampleRate int
}

// NewDecoder creates an opus decoder for mono audio at sampleRate with
// frameDurationMs packets.
func NewDecoder(sampleRate, frameDurationMs int) (*Decoder, error) {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if frameDurationMs <= 0 {
		frameDurationMs = DefaultFrameDurationMs
	}
	dec, err := gopus.NewDecoder(sampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &Decoder{
		dec:        dec,
		frameSize:  sampleRate * frameDurationMs / 1000,
		sampleRate: sampleRate,
	}, nil
}

// Decode decodes one opus packet into PCM int16 samples.
func (d *Decoder) Decode(packet []byte) ([]int16, error) {
	pcm, err := d.dec.Decode(packet, d.frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return pcm, nil
}

// SampleRate reports the decoder's sample rate.
func (d *Decoder) SampleRate() int { return d.sampleRate }

// Encoder wraps a gopus opus encoder for one outbound stream.
type Encoder struct {
	enc       *gopus.Encoder
	frameSize int
}

// NewEncoder creates an opus encoder for mono audio at sampleRate with
// frameDurationMs packets.
func NewEncoder(sampleRate, frameDurationMs int) (*Encoder, error) {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if frameDurationMs <= 0 {
		frameDurationMs = DefaultFrameDurationMs
	}
	enc, err := gopus.NewEncoder(sampleRate, Channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	return &Encoder{
		enc:       enc,
		frameSize: sampleRate * frameDurationMs / 1000,
	}, nil
}

// Encode encodes exactly one frame of PCM samples into an opus packet.
// len(pcm) must equal FrameSize.
func (e *Encoder) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) != e.frameSize {
		return nil, fmt.Errorf("audio: opus encode: got %d samples, want %d", len(pcm), e.frameSize)
	}
	packet, err := e.enc.Encode(pcm, e.frameSize, maxOpusPacket)
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode: %w", err)
	}
	return packet, nil
}

// FrameSize reports samples per frame.
func (e *Encoder) FrameSize() int { return e.frameSize }

// Int16sToBytes converts PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to PCM samples.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
