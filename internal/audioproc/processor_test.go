package audioproc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// fakeRunner records invocations and replies per command name.
type fakeRunner struct {
	calls  [][]string
	stdout map[string]string
	stderr map[string]string
	fail   map[string]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		stdout: make(map[string]string),
		stderr: make(map[string]string),
		fail:   make(map[string]error),
	}
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if err := f.fail[name]; err != nil {
		return nil, []byte(f.stderr[name]), err
	}
	return []byte(f.stdout[name]), []byte(f.stderr[name]), nil
}

func (f *fakeRunner) callCount(name string) int {
	n := 0
	for _, c := range f.calls {
		if c[0] == name {
			n++
		}
	}
	return n
}

func TestDurationMS(t *testing.T) {
	runner := newFakeRunner()
	runner.stdout["ffprobe"] = "123.456\n"

	p := NewProcessor(WithRunner(runner))
	ms, err := p.DurationMS(context.Background(), "song.mp3")
	if err != nil {
		t.Fatalf("DurationMS failed: %v", err)
	}
	if ms != 123456 {
		t.Errorf("DurationMS = %f, want 123456", ms)
	}
}

func TestDurationMSUnparsable(t *testing.T) {
	runner := newFakeRunner()
	runner.stdout["ffprobe"] = "N/A"

	p := NewProcessor(WithRunner(runner))
	if _, err := p.DurationMS(context.Background(), "song.mp3"); err == nil {
		t.Fatal("Expected parse error for unparsable ffprobe output")
	}
}

func TestDurationMSToolMissing(t *testing.T) {
	runner := newFakeRunner()
	runner.fail["ffprobe"] = fmt.Errorf("ffprobe: %w", ErrToolMissing)

	p := NewProcessor(WithRunner(runner))
	_, err := p.DurationMS(context.Background(), "song.mp3")
	if !errors.Is(err, ErrToolMissing) {
		t.Fatalf("Expected ErrToolMissing, got %v", err)
	}
}

func TestSegmentMeanDBFS(t *testing.T) {
	runner := newFakeRunner()
	runner.stderr["ffmpeg"] = "[Parsed_volumedetect_0] mean_volume: -23.4 dB\n[Parsed_volumedetect_0] max_volume: -3.0 dB"

	p := NewProcessor(WithRunner(runner))
	dbfs, err := p.SegmentMeanDBFS(context.Background(), "song.mp3", 12, 10)
	if err != nil {
		t.Fatalf("SegmentMeanDBFS failed: %v", err)
	}
	if dbfs != -23.4 {
		t.Errorf("SegmentMeanDBFS = %f, want -23.4", dbfs)
	}
}

func TestSegmentMeanDBFSUnparsable(t *testing.T) {
	runner := newFakeRunner()
	runner.stderr["ffmpeg"] = "no volume info here"

	p := NewProcessor(WithRunner(runner))
	dbfs, err := p.SegmentMeanDBFS(context.Background(), "song.mp3", 0, 10)
	if err != nil {
		t.Fatalf("SegmentMeanDBFS failed: %v", err)
	}
	if dbfs != QuietSentinelDBFS {
		t.Errorf("Unparsable output should yield the quiet sentinel, got %f", dbfs)
	}
}

func TestFastCutRemovesPartialOutput(t *testing.T) {
	runner := newFakeRunner()
	runner.fail["ffmpeg"] = errors.New("exit status 1")
	runner.stderr["ffmpeg"] = "Invalid data found when processing input"

	dest := filepath.Join(t.TempDir(), "clip.mp3")
	if err := os.WriteFile(dest, []byte("partial"), 0o644); err != nil {
		t.Fatalf("Failed to seed partial file: %v", err)
	}

	p := NewProcessor(WithRunner(runner))
	err := p.FastCut(context.Background(), "song.mp3", dest, 5000, 10)
	if err == nil {
		t.Fatal("FastCut should fail when ffmpeg fails")
	}
	if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
		t.Error("FastCut should remove the partial output file")
	}
}

func TestFastCutArgs(t *testing.T) {
	runner := newFakeRunner()

	p := NewProcessor(WithRunner(runner))
	if err := p.FastCut(context.Background(), "in.mp3", "out.mp3", 2500, 10); err != nil {
		t.Fatalf("FastCut failed: %v", err)
	}
	if len(runner.calls) != 1 {
		t.Fatalf("Expected 1 call, got %d", len(runner.calls))
	}

	args := runner.calls[0]
	wantSS, wantCopy := false, false
	for i, a := range args {
		if a == "-ss" && i+1 < len(args) && args[i+1] == "2.500" {
			wantSS = true
		}
		if a == "-c" && i+1 < len(args) && args[i+1] == "copy" {
			wantCopy = true
		}
	}
	if !wantSS {
		t.Errorf("Expected -ss 2.500 in args: %v", args)
	}
	if !wantCopy {
		t.Errorf("Expected stream copy in args: %v", args)
	}
}

func TestFetchAudioLocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "song.mp3")
	if err := os.WriteFile(path, []byte("audio-bytes"), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	p := NewProcessor(WithRunner(newFakeRunner()))
	data, err := p.FetchAudio(context.Background(), path)
	if err != nil {
		t.Fatalf("FetchAudio failed: %v", err)
	}
	if string(data) != "audio-bytes" {
		t.Errorf("FetchAudio = %q, want audio-bytes", data)
	}
}

func TestTerminateRejectsNewWork(t *testing.T) {
	p := NewProcessor(WithRunner(newFakeRunner()))
	if err := p.Terminate(context.Background()); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}

	if _, err := p.DurationMS(context.Background(), "song.mp3"); !errors.Is(err, ErrTerminated) {
		t.Errorf("Expected ErrTerminated after Terminate, got %v", err)
	}

	// Terminate is idempotent
	if err := p.Terminate(context.Background()); err != nil {
		t.Errorf("Second Terminate should be a no-op, got %v", err)
	}
}
