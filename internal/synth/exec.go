package synth

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mattn/go-shellwords"
)

type execSynth struct {
	cmd []string
}

// NewExecSynth wraps an espeak-compatible command line. command may carry
// extra leading arguments, e.g. "espeak-ng --stdout-level=0".
func NewExecSynth(command string) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse synth command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("synth command empty")
	}
	return &execSynth{cmd: args}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	dir, err := os.MkdirTemp("", "loqa_speak_*")
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	textPath := filepath.Join(dir, "voice.txt")
	wavPath := filepath.Join(dir, "voice.wav")
	if err := os.WriteFile(textPath, []byte(req.Text), 0o600); err != nil {
		return nil, fmt.Errorf("write text: %w", err)
	}

	args := append([]string{}, e.cmd[1:]...)
	args = append(args,
		"-v", req.Voice,
		"-s", strconv.Itoa(req.Speed),
		"-w", wavPath,
		"-f", textPath,
	)
	command := exec.CommandContext(ctx, e.cmd[0], args...)
	var stderr bytes.Buffer
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return nil, &SynthesisError{Stderr: stderr.String(), Err: err}
	}

	data, err := os.ReadFile(wavPath)
	if err != nil {
		return nil, &SynthesisError{Err: fmt.Errorf("read synthesized audio: %w", err)}
	}
	return data, nil
}

func (e *execSynth) ListVoices(ctx context.Context) ([]string, error) {
	args := append(append([]string{}, e.cmd[1:]...), "--voices")
	command := exec.CommandContext(ctx, e.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return nil, &SynthesisError{Stderr: stderr.String(), Err: err}
	}
	return splitLines(stdout.String()), nil
}

func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}
