package audioproc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	mp3 "github.com/hajimehoshi/go-mp3"
	"github.com/google/uuid"
	"github.com/mjibson/go-dsp/fft"
)

// TransformOptions describes one slow-path pass. TargetDurationMS is the
// final clip length (already doubled for drums/bass upstream); the source
// window read from the input is TargetDurationMS scaled by SpeedMultiplier.
type TransformOptions struct {
	TargetDurationMS int
	// SpeedMultiplier of 0 or 1 leaves the tempo unchanged.
	SpeedMultiplier float64
	Reverse         bool
	// BandPassHz keeps only [low, high] and applies +6 dB makeup gain.
	BandPassHz *[2]int
	// GainDB is applied to the whole clip before other transforms
	// (the bass stem gets +6 dB to stay audible).
	GainDB float64
	// StartFloorMS is the lower bound for the random window start.
	StartFloorMS int
	// ForceStartMS pins the window start, bypassing random selection.
	ForceStartMS *int
	// Rand, when set, drives window selection so callers and tests can
	// seed it; nil falls back to the global source.
	Rand *rand.Rand
}

// pcmClip is interleaved 16-bit PCM.
type pcmClip struct {
	samples  []int16
	rate     int
	channels int
}

func (c *pcmClip) frames() int { return len(c.samples) / c.channels }

func (c *pcmClip) durationMS() int {
	if c.rate == 0 {
		return 0
	}
	return c.frames() * 1000 / c.rate
}

// Transform decodes data, applies trim, speed, reversal and band-pass in
// order, and writes the re-encoded clip to dest. Any failure aborts the whole
// pass; partial output files are removed.
func (p *Processor) Transform(ctx context.Context, data []byte, dest string, opts TransformOptions) error {
	release, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.ToolTimeout)
	defer cancel()

	clip, err := decodePCM(data)
	if err != nil {
		return fmt.Errorf("decoding audio: %w", err)
	}

	if opts.GainDB != 0 {
		applyGain(clip, opts.GainDB)
	}

	clip = trimClip(clip, opts)

	if speed := opts.SpeedMultiplier; speed > 0 && speed != 1.0 {
		clip = resampleSpeed(clip, speed)
	}
	if opts.Reverse {
		reverseFrames(clip)
	}
	if bp := opts.BandPassHz; bp != nil {
		bandPass(clip, bp[0], bp[1])
		applyGain(clip, 6)
	}

	wavPath := filepath.Join(p.cfg.TempDir, "xform_"+uuid.NewString()+".wav")
	defer os.Remove(wavPath)
	if err := writeWAV(wavPath, clip); err != nil {
		return fmt.Errorf("writing intermediate wav: %w", err)
	}

	return p.encodeMP3(ctx, wavPath, dest)
}

// decodePCM sniffs the container and decodes to interleaved 16-bit PCM.
// MP3 is the library's native format; WAV shows up for locally generated
// intermediates and tests.
func decodePCM(data []byte) (*pcmClip, error) {
	if len(data) > 4 && bytes.Equal(data[:4], []byte("RIFF")) {
		return decodeWAV(data)
	}
	return decodeMP3(data)
}

func decodeMP3(data []byte) (*pcmClip, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	// go-mp3 always emits 16-bit little-endian stereo
	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, err
	}
	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(uint16(raw[2*i]) | uint16(raw[2*i+1])<<8)
	}
	return &pcmClip{samples: samples, rate: dec.SampleRate(), channels: 2}, nil
}

func decodeWAV(data []byte) (*pcmClip, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, err
	}
	if buf.Format == nil || buf.Format.NumChannels == 0 {
		return nil, fmt.Errorf("wav decode: missing format")
	}
	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = clampInt16(v)
	}
	return &pcmClip{
		samples:  samples,
		rate:     buf.Format.SampleRate,
		channels: buf.Format.NumChannels,
	}, nil
}

// trimClip cuts the source window out of the full track. When the window is
// at least as long as the track, the whole track is used.
func trimClip(clip *pcmClip, opts TransformOptions) *pcmClip {
	if opts.TargetDurationMS <= 0 {
		return clip
	}
	speed := opts.SpeedMultiplier
	if speed <= 0 {
		speed = 1.0
	}
	sourceMS := int(float64(opts.TargetDurationMS) * speed)
	totalMS := clip.durationMS()
	if sourceMS >= totalMS {
		return clip
	}

	intn := rand.Intn
	if opts.Rand != nil {
		intn = opts.Rand.Intn
	}

	var startMS int
	if opts.ForceStartMS != nil {
		startMS = *opts.ForceStartMS
	} else {
		lo, hi := opts.StartFloorMS, totalMS-sourceMS
		if lo < hi {
			startMS = lo + intn(hi-lo+1)
		} else {
			startMS = lo
		}
	}

	startFrame := startMS * clip.rate / 1000
	endFrame := startFrame + sourceMS*clip.rate/1000
	if endFrame > clip.frames() {
		endFrame = clip.frames()
	}
	if startFrame >= endFrame {
		return clip
	}
	return &pcmClip{
		samples:  clip.samples[startFrame*clip.channels : endFrame*clip.channels],
		rate:     clip.rate,
		channels: clip.channels,
	}
}

func applyGain(clip *pcmClip, db float64) {
	factor := math.Pow(10, db/20)
	for i, s := range clip.samples {
		clip.samples[i] = clampInt16(int(math.Round(float64(s) * factor)))
	}
}

// resampleSpeed compresses the timeline by the multiplier with linear
// interpolation, matching the frame-rate trick the fast renditions use:
// pitch shifts along with tempo.
func resampleSpeed(clip *pcmClip, speed float64) *pcmClip {
	inFrames := clip.frames()
	outFrames := int(float64(inFrames) / speed)
	if outFrames < 1 {
		outFrames = 1
	}
	out := make([]int16, outFrames*clip.channels)
	for i := 0; i < outFrames; i++ {
		pos := float64(i) * speed
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= inFrames {
			next = inFrames - 1
		}
		for ch := 0; ch < clip.channels; ch++ {
			a := float64(clip.samples[idx*clip.channels+ch])
			b := float64(clip.samples[next*clip.channels+ch])
			out[i*clip.channels+ch] = clampInt16(int(math.Round(a + (b-a)*frac)))
		}
	}
	return &pcmClip{samples: out, rate: clip.rate, channels: clip.channels}
}

func reverseFrames(clip *pcmClip) {
	n := clip.frames()
	ch := clip.channels
	for i, j := 0, n-1; i < j; i, j = i+1, j-1 {
		for c := 0; c < ch; c++ {
			clip.samples[i*ch+c], clip.samples[j*ch+c] = clip.samples[j*ch+c], clip.samples[i*ch+c]
		}
	}
}

// bandPass zeroes every frequency bin outside [lowHz, highHz] per channel.
// A single full-length FFT is fine for clip-sized inputs.
func bandPass(clip *pcmClip, lowHz, highHz int) {
	n := clip.frames()
	if n == 0 {
		return
	}
	for c := 0; c < clip.channels; c++ {
		channel := make([]float64, n)
		for i := 0; i < n; i++ {
			channel[i] = float64(clip.samples[i*clip.channels+c])
		}

		spectrum := fft.FFTReal(channel)
		binHz := float64(clip.rate) / float64(n)
		for k := 0; k <= n/2; k++ {
			freq := float64(k) * binHz
			if freq < float64(lowHz) || freq > float64(highHz) {
				spectrum[k] = 0
				if k > 0 && n-k < n {
					spectrum[n-k] = 0
				}
			}
		}

		restored := fft.IFFT(spectrum)
		for i := 0; i < n; i++ {
			clip.samples[i*clip.channels+c] = clampInt16(int(math.Round(real(restored[i]))))
		}
	}
}

func writeWAV(path string, clip *pcmClip) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	enc := wav.NewEncoder(f, clip.rate, 16, clip.channels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: clip.channels, SampleRate: clip.rate},
		Data:           make([]int, len(clip.samples)),
		SourceBitDepth: 16,
	}
	for i, s := range clip.samples {
		buf.Data[i] = int(s)
	}
	if err := enc.Write(buf); err != nil {
		f.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func clampInt16(v int) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
