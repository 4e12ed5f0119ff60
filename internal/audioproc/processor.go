// Package audioproc wraps every audio operation the game needs: duration
// probing and loudness measurement via external tooling, a lossless fast cut,
// raw audio fetching, and a full in-process decode/transform/re-encode pass.
// Blocking work runs through a bounded worker pool shared by all callers.
package audioproc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/HakuchumuHYX/HakuBot-sub002/pkg/logger"
)

var (
	// ErrToolMissing marks the ffmpeg/ffprobe binary as absent from PATH.
	// Callers treat this as a sticky condition, not a per-file failure.
	ErrToolMissing = errors.New("media tool not found in PATH")
	// ErrTerminated is returned for calls made after Terminate.
	ErrTerminated = errors.New("audio processor terminated")
)

// QuietSentinelDBFS is reported when loudness output cannot be parsed; it is
// far below any real threshold, so unparsable segments count as silent.
const QuietSentinelDBFS = -999.0

// Runner executes an external command and returns its output. It exists so
// tests can inject failures without a real ffmpeg install.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) && errors.Is(execErr.Err, exec.ErrNotFound) {
			err = fmt.Errorf("%s: %w", name, ErrToolMissing)
		} else if ctx.Err() != nil {
			err = fmt.Errorf("%s: %w", name, ctx.Err())
		}
	}
	return stdout.Bytes(), stderr.Bytes(), err
}

// Config holds processor settings; construct with NewProcessor and options.
type Config struct {
	// Workers bounds concurrent blocking operations.
	Workers int64
	// ToolTimeout caps a single cut/transform invocation.
	ToolTimeout time.Duration
	// ProbeTimeout caps duration probes and loudness measurements.
	ProbeTimeout time.Duration
	// TempDir receives intermediate WAV files for the slow path.
	TempDir    string
	HTTPClient *http.Client
	Runner     Runner
	Logger     *logger.Logger
}

type Option func(*Config)

func WithWorkers(n int64) Option              { return func(c *Config) { c.Workers = n } }
func WithToolTimeout(d time.Duration) Option  { return func(c *Config) { c.ToolTimeout = d } }
func WithProbeTimeout(d time.Duration) Option { return func(c *Config) { c.ProbeTimeout = d } }
func WithTempDir(dir string) Option           { return func(c *Config) { c.TempDir = dir } }
func WithHTTPClient(h *http.Client) Option    { return func(c *Config) { c.HTTPClient = h } }
func WithRunner(r Runner) Option              { return func(c *Config) { c.Runner = r } }
func WithLogger(l *logger.Logger) Option      { return func(c *Config) { c.Logger = l } }

func defaultConfig() *Config {
	return &Config{
		Workers:      4,
		ToolTimeout:  30 * time.Second,
		ProbeTimeout: 10 * time.Second,
		TempDir:      os.TempDir(),
		HTTPClient:   &http.Client{Timeout: 30 * time.Second},
		Runner:       execRunner{},
	}
}

// Processor is safe for concurrent use by multiple in-flight rounds.
type Processor struct {
	cfg    *Config
	sem    *semaphore.Weighted
	closed atomic.Bool
	log    *logger.Logger
}

func NewProcessor(opts ...Option) *Processor {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.GetLogger()
	}
	return &Processor{
		cfg: cfg,
		sem: semaphore.NewWeighted(cfg.Workers),
		log: cfg.Logger,
	}
}

// acquire reserves a worker slot; the returned release must be called.
func (p *Processor) acquire(ctx context.Context) (func(), error) {
	if p.closed.Load() {
		return nil, ErrTerminated
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { p.sem.Release(1) }, nil
}

// Terminate rejects new work and waits for in-flight operations to drain.
func (p *Processor) Terminate(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := p.sem.Acquire(ctx, p.cfg.Workers); err != nil {
		return fmt.Errorf("draining worker pool: %w", err)
	}
	p.sem.Release(p.cfg.Workers)
	return nil
}

// DurationMS probes the total duration of an audio source with ffprobe.
// A missing binary surfaces as ErrToolMissing; anything else is a per-file
// probe failure.
func (p *Processor) DurationMS(ctx context.Context, source string) (float64, error) {
	release, err := p.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	stdout, _, err := p.cfg.Runner.Run(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		source,
	)
	if err != nil {
		return 0, err
	}

	sec, err := strconv.ParseFloat(strings.TrimSpace(string(stdout)), 64)
	if err != nil {
		return 0, fmt.Errorf("parsing ffprobe duration: %w", err)
	}
	return sec * 1000, nil
}

var meanVolumeRe = regexp.MustCompile(`mean_volume:\s*(-?[\d.]+)\s*dB`)

// SegmentMeanDBFS measures the mean loudness of a sub-window without decoding
// the whole file, via ffmpeg's volumedetect filter. Unparsable output yields
// QuietSentinelDBFS with a nil error.
func (p *Processor) SegmentMeanDBFS(ctx context.Context, source string, startSec, durationSec float64) (float64, error) {
	release, err := p.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	// volumedetect reports on stderr
	_, stderr, err := p.cfg.Runner.Run(ctx, "ffmpeg",
		"-hide_banner",
		"-ss", formatSeconds(startSec),
		"-t", formatSeconds(durationSec),
		"-i", source,
		"-af", "volumedetect",
		"-f", "null", "-",
	)
	if err != nil {
		return 0, err
	}

	m := meanVolumeRe.FindSubmatch(stderr)
	if m == nil {
		p.log.Warnf("volumedetect output had no mean_volume for %s", source)
		return QuietSentinelDBFS, nil
	}
	dbfs, err := strconv.ParseFloat(string(m[1]), 64)
	if err != nil {
		return QuietSentinelDBFS, nil
	}
	return dbfs, nil
}

// FastCut performs a lossless stream-copy cut of [start, start+duration) into
// dest. It never applies transformations; any failure is returned so the
// caller can fall back to the slow path.
func (p *Processor) FastCut(ctx context.Context, source, dest string, startMS float64, durationSec float64) error {
	release, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.ToolTimeout)
	defer cancel()

	_, stderr, err := p.cfg.Runner.Run(ctx, "ffmpeg",
		"-ss", formatSeconds(startMS/1000.0),
		"-i", source,
		"-t", formatSeconds(durationSec),
		"-c", "copy",
		"-y", dest,
	)
	if err != nil {
		// leave no partial clip behind
		os.Remove(dest)
		return fmt.Errorf("fast cut failed: %w (%s)", err, firstLine(stderr))
	}
	return nil
}

// FetchAudio loads the full audio payload of a source, transparently handling
// local paths and remote URLs.
func (p *Processor) FetchAudio(ctx context.Context, source string) ([]byte, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
		if err != nil {
			return nil, err
		}
		resp, err := p.cfg.HTTPClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("downloading %s: %w", source, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("downloading %s: unexpected status %s", source, resp.Status)
		}
		return io.ReadAll(resp.Body)
	}
	return os.ReadFile(source)
}

// encodeMP3 re-encodes an intermediate WAV into the final clip format.
// 128 kbps keeps clips under chat-platform upload limits.
func (p *Processor) encodeMP3(ctx context.Context, wavPath, dest string) error {
	_, stderr, err := p.cfg.Runner.Run(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-i", wavPath,
		"-c:a", "libmp3lame",
		"-b:a", "128k",
		"-y", dest,
	)
	if err != nil {
		os.Remove(dest)
		return fmt.Errorf("mp3 encode failed: %w (%s)", err, firstLine(stderr))
	}
	return nil
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
