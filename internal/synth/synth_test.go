package synth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-speak/internal/audio"
	"github.com/loqalabs/loqa-speak/internal/config"
	"github.com/loqalabs/loqa-speak/internal/logging"
)

const fakeSynthScript = `#!/bin/sh
if [ "$1" = "--voices" ]; then
  printf 'Pty Language Age/Gender VoiceName\n 5  en-us  --/M  English\n\n 5  de  --/M  German\n'
  exit 0
fi
out=""
voice=""
speed=""
file=""
while [ $# -gt 0 ]; do
  case "$1" in
    -w) out="$2"; shift 2 ;;
    -v) voice="$2"; shift 2 ;;
    -s) speed="$2"; shift 2 ;;
    -f) file="$2"; shift 2 ;;
    *) shift ;;
  esac
done
echo "$voice $speed $out" > %[1]q
cp "$file" %[2]q
if [ "$voice" = "bad" ]; then
  echo "Error: voice does not exist: bad" >&2
  exit 1
fi
cp %[3]q "$out"
`

type fixture struct {
	command  string
	argsLog  string
	textLog  string
	expected []byte
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	dir := t.TempDir()
	wavData, err := audio.EncodeWAV(audio.PCM{Samples: []int16{1, 2, 3, 4}, SampleRate: 22050, Channels: 1})
	if err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	wavPath := filepath.Join(dir, "fixture.wav")
	if err := os.WriteFile(wavPath, wavData, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	f := fixture{
		command:  filepath.Join(dir, "fake-espeak"),
		argsLog:  filepath.Join(dir, "args.log"),
		textLog:  filepath.Join(dir, "text.log"),
		expected: wavData,
	}
	script := fmt.Sprintf(fakeSynthScript, f.argsLog, f.textLog, wavPath)
	if err := os.WriteFile(f.command, []byte(script), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return f
}

func (f fixture) loggedArgs(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(f.argsLog)
	if err != nil {
		t.Fatalf("read args log: %v", err)
	}
	return strings.Fields(string(data))
}

func TestExecSynthesize(t *testing.T) {
	f := newFixture(t)
	s, err := NewExecSynth(f.command)
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}

	data, err := s.Synthesize(context.Background(), Request{Text: "hello there", Voice: "de", Speed: 200})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if string(data) != string(f.expected) {
		t.Fatalf("unexpected audio payload")
	}

	args := f.loggedArgs(t)
	if len(args) != 3 || args[0] != "de" || args[1] != "200" {
		t.Fatalf("unexpected args %v", args)
	}
	text, err := os.ReadFile(f.textLog)
	if err != nil {
		t.Fatalf("read text log: %v", err)
	}
	if string(text) != "hello there" {
		t.Fatalf("unexpected text %q", text)
	}
	if _, err := os.Stat(filepath.Dir(args[2])); !os.IsNotExist(err) {
		t.Fatalf("expected temp dir removed, stat err=%v", err)
	}
}

func TestExecSynthesizeFailure(t *testing.T) {
	f := newFixture(t)
	s, err := NewExecSynth(f.command)
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}

	_, err = s.Synthesize(context.Background(), Request{Text: "hi", Voice: "bad", Speed: 175})
	var synthErr *SynthesisError
	if !errors.As(err, &synthErr) {
		t.Fatalf("expected SynthesisError, got %v", err)
	}
	if synthErr.Error() != "Error: voice does not exist: bad" {
		t.Fatalf("expected raw stderr, got %q", synthErr.Error())
	}

	args := f.loggedArgs(t)
	if _, err := os.Stat(filepath.Dir(args[2])); !os.IsNotExist(err) {
		t.Fatalf("expected temp dir removed after failure, stat err=%v", err)
	}
}

func TestExecSynthesizeMissingBinary(t *testing.T) {
	s, err := NewExecSynth(filepath.Join(t.TempDir(), "no-such-binary"))
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}
	_, err = s.Synthesize(context.Background(), Request{Text: "hi", Voice: "en-us", Speed: 175})
	var synthErr *SynthesisError
	if !errors.As(err, &synthErr) {
		t.Fatalf("expected SynthesisError, got %v", err)
	}
	if synthErr.Error() == "" {
		t.Fatal("expected a diagnostic")
	}
}

func TestExecListVoices(t *testing.T) {
	f := newFixture(t)
	s, err := NewExecSynth(f.command)
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}
	lines, err := s.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("list voices: %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %q", lines)
	}
	if !strings.Contains(lines[2], "German") {
		t.Fatalf("unexpected last line %q", lines[2])
	}
}

func TestNewExecSynthParsesCommand(t *testing.T) {
	s, err := NewExecSynth(`"/opt/espeak ng/bin/espeak-ng" --path /data`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cmd := s.(*execSynth).cmd
	if len(cmd) != 3 || cmd[0] != "/opt/espeak ng/bin/espeak-ng" || cmd[2] != "/data" {
		t.Fatalf("unexpected command %q", cmd)
	}
	if _, err := NewExecSynth("   "); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestMockSynth(t *testing.T) {
	s := NewMockSynth(8000)
	data, err := s.Synthesize(context.Background(), Request{Text: "one two three", Voice: "en-us", Speed: 180})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	pcm, err := audio.DecodeWAV(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pcm.SampleRate != 8000 || pcm.Frames() != 8000 {
		t.Fatalf("expected one second at 8kHz, got %d frames at %d", pcm.Frames(), pcm.SampleRate)
	}
}

func TestCatalogPages(t *testing.T) {
	lines := make([]string, 25)
	for i := range lines {
		lines[i] = fmt.Sprintf("voice-%d", i)
	}
	pages := NewCatalog(lines).Pages(10)
	if len(pages) != 3 {
		t.Fatalf("expected 3 pages, got %d", len(pages))
	}
	for i, want := range []int{10, 10, 5} {
		if len(pages[i]) != want {
			t.Fatalf("page %d: expected %d lines, got %d", i, want, len(pages[i]))
		}
	}
	if pages[2][4] != "voice-24" {
		t.Fatalf("unexpected last line %q", pages[2][4])
	}
	if got := NewCatalog(lines[:20]).Pages(10); len(got) != 2 {
		t.Fatalf("expected 2 pages for 20 lines, got %d", len(got))
	}
	if got := NewCatalog(nil).Pages(10); len(got) != 0 {
		t.Fatalf("expected no pages for empty catalog")
	}
}

type failingSynth struct{ Synthesizer }

func (failingSynth) ListVoices(context.Context) ([]string, error) {
	return nil, &SynthesisError{Stderr: "boom"}
}

func TestLoadCatalogFailureIsEmpty(t *testing.T) {
	c := LoadCatalog(context.Background(), failingSynth{}, logging.Discard())
	if c.Len() != 0 {
		t.Fatalf("expected empty catalog, got %d", c.Len())
	}
	c = LoadCatalog(context.Background(), NewMockSynth(0), logging.Discard())
	if c.Len() == 0 {
		t.Fatal("expected mock voices")
	}
}

func TestNewSelectsMode(t *testing.T) {
	s, err := New(config.SynthConfig{Mode: "mock", SampleRate: 22050})
	if err != nil {
		t.Fatalf("mock synth: %v", err)
	}
	if _, ok := s.(*mockSynth); !ok {
		t.Fatalf("expected mock synthesizer, got %T", s)
	}
	for _, mode := range []string{"exec", ""} {
		s, err := New(config.SynthConfig{Mode: mode, Command: "espeak-ng -a 100"})
		if err != nil {
			t.Fatalf("exec synth (%q): %v", mode, err)
		}
		if _, ok := s.(*execSynth); !ok {
			t.Fatalf("expected exec synthesizer for mode %q, got %T", mode, s)
		}
	}
	if _, err := New(config.SynthConfig{Mode: "cloud", Command: "espeak-ng"}); err == nil {
		t.Fatal("expected unknown mode to fail")
	}
	if _, err := New(config.SynthConfig{Mode: "exec", Command: " "}); err == nil {
		t.Fatal("expected empty command to fail")
	}
}
