package synth

import (
	"context"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-speak/internal/config"
)

// Request contains the parameters of one synthesis.
type Request struct {
	Text  string
	Voice string
	Speed int // words per minute
}

// Synthesizer turns text into a playable audio payload (WAV).
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) ([]byte, error)
	ListVoices(ctx context.Context) ([]string, error)
}

// SynthesisError reports a failed synthesizer run. Error returns the raw
// diagnostic so it can be relayed to the user as-is.
type SynthesisError struct {
	Stderr string
	Err    error
}

func (e *SynthesisError) Error() string {
	if msg := strings.TrimSpace(e.Stderr); msg != "" {
		return msg
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "synthesis failed"
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// New builds the synthesizer selected by cfg.Mode.
func New(cfg config.SynthConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockSynth(cfg.SampleRate), nil
	case "exec", "":
		return NewExecSynth(cfg.Command)
	default:
		return nil, fmt.Errorf("unknown synth mode %q", cfg.Mode)
	}
}
