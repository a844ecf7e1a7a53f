// Package opus encodes synthesized speech for a voice channel. It is split
// from package audio because it links libopus through cgo; build with the
// nolibopusfile tag when libopusfile is not installed.
package opus

import (
	"fmt"

	hopus "github.com/hraban/opus"

	"github.com/loqalabs/loqa-speak/internal/audio"
)

const (
	// Discord voice expects 48 kHz stereo Opus in 20 ms frames.
	SampleRate    = 48000
	Channels      = 2
	FrameSize     = 960
	maxOpusPacket = 4000
)

// Encoder wraps an Opus encoder tuned for voice-channel playback.
type Encoder struct {
	enc *hopus.Encoder
	buf []byte
}

func NewEncoder(bitrate int) (*Encoder, error) {
	enc, err := hopus.NewEncoder(SampleRate, Channels, hopus.AppAudio)
	if err != nil {
		return nil, fmt.Errorf("opus: new encoder: %w", err)
	}
	if bitrate > 0 {
		if err := enc.SetBitrate(bitrate); err != nil {
			return nil, fmt.Errorf("opus: set bitrate: %w", err)
		}
	}
	return &Encoder{enc: enc, buf: make([]byte, maxOpusPacket)}, nil
}

// Encode encodes one interleaved frame of FrameSize samples per channel.
func (e *Encoder) Encode(frame []int16) ([]byte, error) {
	n, err := e.enc.Encode(frame, e.buf)
	if err != nil {
		return nil, fmt.Errorf("opus: encode: %w", err)
	}
	out := make([]byte, n)
	copy(out, e.buf[:n])
	return out, nil
}

// PrepareWAV decodes a synthesized WAV payload into encoder-ready PCM frames.
func PrepareWAV(data []byte) ([][]int16, error) {
	pcm, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, err
	}
	return audio.Chunk(audio.Convert(pcm, SampleRate, Channels), FrameSize), nil
}
