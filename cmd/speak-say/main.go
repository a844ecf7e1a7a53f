package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/loqalabs/loqa-speak/internal/audio"
	"github.com/loqalabs/loqa-speak/internal/config"
	"github.com/loqalabs/loqa-speak/internal/synth"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'say', 'voices' or 'version'")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "say":
		err = runSay(ctx, os.Args[2:], os.Stdout)
	case "voices":
		err = runVoices(ctx, os.Args[2:], os.Stdout)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runSay(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("say", flag.ContinueOnError)
	var (
		configPath string
		text       string
		voice      string
		speed      int
		out        string
	)
	fs.StringVar(&configPath, "config", "", "Path to configuration file")
	fs.StringVar(&text, "text", "", "Text to synthesize (defaults to remaining arguments)")
	fs.StringVar(&voice, "voice", "", "Voice name (defaults to session.default_voice)")
	fs.IntVar(&speed, "speed", 0, "Words per minute (defaults to session.default_speed)")
	fs.StringVar(&out, "out", "speech.wav", "Output WAV path, - for stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if text == "" {
		text = strings.Join(fs.Args(), " ")
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("nothing to say: pass -text or trailing words")
	}

	cfg, s, err := load(configPath)
	if err != nil {
		return err
	}
	if voice == "" {
		voice = cfg.Session.DefaultVoice
	}
	if speed <= 0 {
		speed = cfg.Session.DefaultSpeed
	}

	data, err := s.Synthesize(ctx, synth.Request{Text: text, Voice: voice, Speed: speed})
	if err != nil {
		return err
	}
	pcm, err := audio.DecodeWAV(data)
	if err != nil {
		return fmt.Errorf("synthesizer output: %w", err)
	}

	if out == "-" {
		_, err = stdout.Write(data)
		return err
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	seconds := float64(pcm.Frames()) / float64(pcm.SampleRate)
	fmt.Fprintf(stdout, "wrote %s (%.2fs, %d Hz, voice %s, %d wpm)\n", out, seconds, pcm.SampleRate, voice, speed)
	return nil
}

func runVoices(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("voices", flag.ContinueOnError)
	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	_, s, err := load(configPath)
	if err != nil {
		return err
	}
	lines, err := s.ListVoices(ctx)
	if err != nil {
		return err
	}
	for _, line := range lines {
		fmt.Fprintln(stdout, line)
	}
	return nil
}

func load(path string) (config.Config, synth.Synthesizer, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, err
	}
	s, err := synth.New(cfg.Synth)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, s, nil
}
