package synth

import (
	"context"
	"strings"

	"github.com/loqalabs/loqa-speak/internal/audio"
)

type mockSynth struct {
	sampleRate int
}

// NewMockSynth returns a synthesizer producing silence sized to the text, for
// running the bot without espeak-ng installed.
func NewMockSynth(sampleRate int) Synthesizer {
	if sampleRate <= 0 {
		sampleRate = 22050
	}
	return &mockSynth{sampleRate: sampleRate}
}

func (m *mockSynth) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	words := len(strings.Fields(req.Text))
	if words == 0 {
		words = 1
	}
	speed := req.Speed
	if speed <= 0 {
		speed = 175
	}
	frames := words * 60 * m.sampleRate / speed
	return audio.EncodeWAV(audio.PCM{
		Samples:    make([]int16, frames),
		SampleRate: m.sampleRate,
		Channels:   1,
	})
}

func (m *mockSynth) ListVoices(ctx context.Context) ([]string, error) {
	return []string{
		"Pty Language       Age/Gender VoiceName          File                 Other Languages",
		" 5  en-us           --/M      English_(America)  gmw/en-US",
		" 5  en              --/M      English_(Great_Britain) gmw/en",
		" 5  de              --/M      German             gmw/de",
		" 5  fr              --/M      French             roa/fr",
	}, nil
}
