package audio

import "testing"

func TestWAVRoundTrip(t *testing.T) {
	in := PCM{Samples: []int16{0, 1000, -1000, 32767, -32768, 5}, SampleRate: 22050, Channels: 1}
	data, err := EncodeWAV(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(data[:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		t.Fatalf("missing RIFF header: %q", data[:12])
	}

	out, err := DecodeWAV(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.SampleRate != 22050 || out.Channels != 1 {
		t.Fatalf("unexpected format %d/%d", out.SampleRate, out.Channels)
	}
	if len(out.Samples) != len(in.Samples) {
		t.Fatalf("expected %d samples, got %d", len(in.Samples), len(out.Samples))
	}
	for i := range in.Samples {
		if out.Samples[i] != in.Samples[i] {
			t.Fatalf("sample %d: want %d got %d", i, in.Samples[i], out.Samples[i])
		}
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := DecodeWAV([]byte("definitely not audio")); err == nil {
		t.Fatal("expected error")
	}
}

func TestConvertUpsamplesAndRemixes(t *testing.T) {
	in := PCM{Samples: make([]int16, 24000), SampleRate: 24000, Channels: 1}
	for i := range in.Samples {
		in.Samples[i] = 100
	}
	out := Convert(in, 48000, 2)
	if out.SampleRate != 48000 || out.Channels != 2 {
		t.Fatalf("unexpected format %d/%d", out.SampleRate, out.Channels)
	}
	if out.Frames() != 48000 {
		t.Fatalf("expected 48000 frames, got %d", out.Frames())
	}
	for i, s := range out.Samples {
		if s != 100 {
			t.Fatalf("sample %d: expected constant 100, got %d", i, s)
		}
	}
}

func TestConvertInterpolates(t *testing.T) {
	in := PCM{Samples: []int16{0, 100, 200, 300}, SampleRate: 1, Channels: 1}
	out := Convert(in, 2, 1)
	want := []int16{0, 50, 100, 150, 200, 250, 300, 300}
	if len(out.Samples) != len(want) {
		t.Fatalf("expected %d samples, got %v", len(want), out.Samples)
	}
	for i := range want {
		if out.Samples[i] != want[i] {
			t.Fatalf("sample %d: want %d got %d", i, want[i], out.Samples[i])
		}
	}
}

func TestConvertStereoToMono(t *testing.T) {
	in := PCM{Samples: []int16{100, 300, -50, 50}, SampleRate: 8000, Channels: 2}
	out := Convert(in, 8000, 1)
	if len(out.Samples) != 2 || out.Samples[0] != 200 || out.Samples[1] != 0 {
		t.Fatalf("unexpected mono mix %v", out.Samples)
	}
}

func TestChunkPadsLastFrame(t *testing.T) {
	pcm := PCM{Samples: make([]int16, 2*(960*2+10)), SampleRate: 48000, Channels: 2}
	for i := range pcm.Samples {
		pcm.Samples[i] = 1
	}
	frames := Chunk(pcm, 960)
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	for i, f := range frames {
		if len(f) != 1920 {
			t.Fatalf("frame %d: expected 1920 samples, got %d", i, len(f))
		}
	}
	last := frames[2]
	if last[19] != 1 || last[20] != 0 {
		t.Fatalf("expected padding after 20 samples, got %d %d", last[19], last[20])
	}
	if Chunk(PCM{Channels: 2}, 960) != nil {
		t.Fatal("expected no frames for empty pcm")
	}
}
