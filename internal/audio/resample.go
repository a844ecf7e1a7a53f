package audio

// Convert resamples pcm to rate and remixes it to channels. Resampling is
// linear interpolation, which is adequate for synthesized speech.
func Convert(pcm PCM, rate, channels int) PCM {
	if pcm.Channels <= 0 || pcm.SampleRate <= 0 || rate <= 0 || channels <= 0 {
		return PCM{SampleRate: rate, Channels: channels}
	}
	mixed := remix(pcm, channels)
	if pcm.SampleRate == rate {
		return PCM{Samples: mixed, SampleRate: rate, Channels: channels}
	}

	inFrames := len(mixed) / channels
	if inFrames == 0 {
		return PCM{SampleRate: rate, Channels: channels}
	}
	outFrames := int(int64(inFrames) * int64(rate) / int64(pcm.SampleRate))
	out := make([]int16, outFrames*channels)
	step := float64(pcm.SampleRate) / float64(rate)
	for i := 0; i < outFrames; i++ {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= inFrames {
			next = inFrames - 1
		}
		for c := 0; c < channels; c++ {
			a := float64(mixed[idx*channels+c])
			b := float64(mixed[next*channels+c])
			out[i*channels+c] = int16(a + (b-a)*frac)
		}
	}
	return PCM{Samples: out, SampleRate: rate, Channels: channels}
}

func remix(pcm PCM, channels int) []int16 {
	if pcm.Channels == channels {
		return pcm.Samples
	}
	frames := pcm.Frames()
	out := make([]int16, frames*channels)
	for f := 0; f < frames; f++ {
		in := pcm.Samples[f*pcm.Channels : (f+1)*pcm.Channels]
		var sum int
		for _, s := range in {
			sum += int(s)
		}
		avg := int16(sum / len(in))
		for c := 0; c < channels; c++ {
			if channels > 1 && c < len(in) {
				out[f*channels+c] = in[c]
			} else {
				out[f*channels+c] = avg
			}
		}
	}
	return out
}

// Chunk splits pcm into frames of frameSize samples per channel. The final
// frame is zero padded.
func Chunk(pcm PCM, frameSize int) [][]int16 {
	if frameSize <= 0 || pcm.Channels <= 0 || len(pcm.Samples) == 0 {
		return nil
	}
	width := frameSize * pcm.Channels
	var frames [][]int16
	for start := 0; start < len(pcm.Samples); start += width {
		frame := make([]int16, width)
		copy(frame, pcm.Samples[start:min(start+width, len(pcm.Samples))])
		frames = append(frames, frame)
	}
	return frames
}
