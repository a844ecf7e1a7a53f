package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// PCM is interleaved signed 16-bit audio.
type PCM struct {
	Samples    []int16
	SampleRate int
	Channels   int
}

// Frames reports the number of samples per channel.
func (p PCM) Frames() int {
	if p.Channels <= 0 {
		return 0
	}
	return len(p.Samples) / p.Channels
}

// DecodeWAV parses a RIFF/WAVE payload into 16-bit PCM.
func DecodeWAV(data []byte) (PCM, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return PCM{}, errors.New("audio: not a valid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return PCM{}, fmt.Errorf("audio: decode wav: %w", err)
	}
	if buf.Format == nil || buf.Format.NumChannels <= 0 || buf.Format.SampleRate <= 0 {
		return PCM{}, errors.New("audio: wav missing format")
	}

	depth := int(dec.BitDepth)
	if depth == 0 {
		depth = 16
	}
	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = toInt16(v, depth)
	}
	return PCM{Samples: samples, SampleRate: buf.Format.SampleRate, Channels: buf.Format.NumChannels}, nil
}

func toInt16(v, depth int) int16 {
	switch {
	case depth == 8:
		// 8-bit wav is unsigned
		return int16((v - 128) << 8)
	case depth > 16:
		return int16(v >> (depth - 16))
	case depth < 16:
		return int16(v << (16 - depth))
	default:
		return int16(v)
	}
}

// EncodeWAV renders pcm as a 16-bit RIFF/WAVE payload.
func EncodeWAV(pcm PCM) ([]byte, error) {
	if pcm.Channels <= 0 || pcm.SampleRate <= 0 {
		return nil, errors.New("audio: invalid pcm format")
	}
	data := make([]int, len(pcm.Samples))
	for i, s := range pcm.Samples {
		data[i] = int(s)
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: pcm.Channels, SampleRate: pcm.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}

	out := &seekBuffer{}
	enc := wav.NewEncoder(out, pcm.SampleRate, 16, pcm.Channels, 1)
	if err := enc.Write(buffer); err != nil {
		return nil, fmt.Errorf("audio: write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("audio: close wav encoder: %w", err)
	}
	return out.buf, nil
}

// seekBuffer is an in-memory io.WriteSeeker; the wav encoder seeks back to
// patch chunk sizes on Close.
type seekBuffer struct {
	buf []byte
	pos int
}

func (s *seekBuffer) Write(p []byte) (int, error) {
	end := s.pos + len(p)
	if end > len(s.buf) {
		s.buf = append(s.buf, make([]byte, end-len(s.buf))...)
	}
	copy(s.buf[s.pos:], p)
	s.pos = end
	return len(p), nil
}

func (s *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(s.pos) + offset
	case io.SeekEnd:
		next = int64(len(s.buf)) + offset
	default:
		return 0, errors.New("audio: invalid whence")
	}
	if next < 0 {
		return 0, errors.New("audio: negative position")
	}
	s.pos = int(next)
	return next, nil
}
