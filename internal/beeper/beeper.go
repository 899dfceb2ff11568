// Package beeper synthesizes short audible cues for recording
// start/stop on the default Pulse output, driven by a named theme.
package beeper

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/jfreymuth/pulse"
)

const sampleRate = 16000

// Tone describes one cue: a frequency list played as a chord for
// duration, with independent linear fade-in and fade-out.
type Tone struct {
	FrequenciesHz []float64
	Duration      time.Duration
	FadeIn        time.Duration
	FadeOut       time.Duration
}

// Theme maps the two recording transitions to their cues. A zero-value
// Tone (no frequencies) is silent.
type Theme struct {
	Name  string
	Start Tone
	Stop  Tone
}

func (t Theme) silent() bool {
	return len(t.Start.FrequenciesHz) == 0 && len(t.Stop.FrequenciesHz) == 0
}

// silentTheme mutes both transitions without removing the theme entry,
// matching the "silent theme is a no-op" requirement.
var silentTheme = Theme{Name: "silent"}

// defaultThemes is the built-in catalog. Callers needing a custom theme can
// register one with Register.
var defaultThemes = map[string]Theme{
	"silent": silentTheme,
	"default": {
		Name: "default",
		Start: Tone{FrequenciesHz: []float64{880, 1175}, Duration: 70 * time.Millisecond, FadeIn: 8 * time.Millisecond, FadeOut: 12 * time.Millisecond},
		Stop:  Tone{FrequenciesHz: []float64{620}, Duration: 110 * time.Millisecond, FadeIn: 8 * time.Millisecond, FadeOut: 20 * time.Millisecond},
	},
	"chime": {
		Name: "chime",
		Start: Tone{FrequenciesHz: []float64{1046, 1318, 1568}, Duration: 90 * time.Millisecond, FadeIn: 10 * time.Millisecond, FadeOut: 25 * time.Millisecond},
		Stop:  Tone{FrequenciesHz: []float64{784, 659}, Duration: 120 * time.Millisecond, FadeIn: 10 * time.Millisecond, FadeOut: 30 * time.Millisecond},
	},
	"loud": {
		Name: "loud",
		Start: Tone{FrequenciesHz: []float64{440, 880}, Duration: 140 * time.Millisecond, FadeIn: 5 * time.Millisecond, FadeOut: 10 * time.Millisecond},
		Stop:  Tone{FrequenciesHz: []float64{220}, Duration: 160 * time.Millisecond, FadeIn: 5 * time.Millisecond, FadeOut: 10 * time.Millisecond},
	},
}

// Beeper plays theme cues and never returns playback errors to callers;
// it only logs them. A lock guards theme lookups and the warm-up flag;
// Go's sync.Mutex cannot be left "poisoned" by a panicking holder the
// way Rust's can, but a recover() guard around each operation keeps a
// single bad play from wedging the lock and gives the same
// recover-and-warn behavior the spec calls for.
type Beeper struct {
	logger *slog.Logger

	mu     sync.Mutex
	themes map[string]Theme
	warmed bool
}

// New builds a Beeper seeded with the built-in theme catalog.
func New(logger *slog.Logger) *Beeper {
	themes := make(map[string]Theme, len(defaultThemes))
	for k, v := range defaultThemes {
		themes[k] = v
	}
	return &Beeper{logger: logger, themes: themes}
}

// Register adds or replaces a theme.
func (b *Beeper) Register(theme Theme) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.themes[theme.Name] = theme
}

// Themes lists the known theme names.
func (b *Beeper) Themes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.themes))
	for name := range b.themes {
		names = append(names, name)
	}
	return names
}

// Resolve looks up a theme by name, falling back to "default" (with a
// logged warning) when the name is unknown.
func (b *Beeper) Resolve(name string) Theme {
	b.mu.Lock()
	defer b.mu.Unlock()
	if theme, ok := b.themes[name]; ok {
		return theme
	}
	if b.logger != nil {
		b.logger.Warn("unknown audio theme, falling back to default", "theme", name)
	}
	return b.themes["default"]
}

// BeginDeviceSession plays a short near-silent warm-up stream before the
// next real cue, avoiding first-tone clipping from Pulse stream
// cold-start. It is a no-op if a session is already warmed; call
// EndDeviceSession when the device session ends.
func (b *Beeper) BeginDeviceSession(ctx context.Context) {
	b.mu.Lock()
	if b.warmed {
		b.mu.Unlock()
		return
	}
	b.warmed = true
	b.mu.Unlock()

	b.safely(func() error {
		return playPCM(ctx, make([]int16, sampleRate/100))
	})
}

// EndDeviceSession clears the warm-up flag so the next session warms up again.
func (b *Beeper) EndDeviceSession() {
	b.mu.Lock()
	b.warmed = false
	b.mu.Unlock()
}

// PlayStart plays the start-of-recording cue for a named theme.
func (b *Beeper) PlayStart(ctx context.Context, themeName string) {
	b.play(ctx, themeName, func(th Theme) Tone { return th.Start })
}

// PlayStop plays the end-of-recording cue for a named theme.
func (b *Beeper) PlayStop(ctx context.Context, themeName string) {
	b.play(ctx, themeName, func(th Theme) Tone { return th.Stop })
}

// PlayTest plays both the start and stop cue back to back, for the
// test_audio_theme control-plane command.
func (b *Beeper) PlayTest(ctx context.Context, themeName string) {
	theme := b.Resolve(themeName)
	if theme.silent() {
		return
	}
	b.playTone(ctx, theme.Start)
	time.Sleep(60 * time.Millisecond)
	b.playTone(ctx, theme.Stop)
}

func (b *Beeper) play(ctx context.Context, themeName string, pick func(Theme) Tone) {
	theme := b.Resolve(themeName)
	if theme.Name == "silent" {
		return
	}
	b.playTone(ctx, pick(theme))
}

func (b *Beeper) playTone(ctx context.Context, tone Tone) {
	if len(tone.FrequenciesHz) == 0 || tone.Duration <= 0 {
		return
	}
	samples := synthesize(tone)
	b.safely(func() error {
		return playPCM(ctx, samples)
	})
}

// safely recovers from a panic inside fn and always logs failures
// rather than propagating them, per the beeper's never-fail contract.
func (b *Beeper) safely(fn func() error) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.Warn("audio cue playback panicked", "recover", r)
		}
	}()
	if err := fn(); err != nil && b.logger != nil {
		b.logger.Warn("audio cue playback failed", "error", err)
	}
}

// synthesize renders a chord of sine waves with a linear fade-in/fade-out
// envelope applied per sample.
func synthesize(tone Tone) []int16 {
	n := int(math.Round(tone.Duration.Seconds() * sampleRate))
	if n <= 0 {
		return nil
	}
	fadeIn := int(math.Round(tone.FadeIn.Seconds() * sampleRate))
	fadeOut := int(math.Round(tone.FadeOut.Seconds() * sampleRate))

	pcm := make([]int16, n)
	voices := float64(len(tone.FrequenciesHz))
	for i := 0; i < n; i++ {
		var sample float64
		t := float64(i) / sampleRate
		for _, freq := range tone.FrequenciesHz {
			sample += math.Sin(2 * math.Pi * freq * t)
		}
		sample /= voices

		envelope := 1.0
		if fadeIn > 0 && i < fadeIn {
			envelope = float64(i) / float64(fadeIn)
		}
		if fadeOut > 0 {
			fromEnd := n - i - 1
			if fromEnd < fadeOut {
				release := float64(fromEnd) / float64(fadeOut)
				if release < envelope {
					envelope = release
				}
			}
		}

		pcm[i] = int16(math.Round(sample * 0.2 * envelope * 32767))
	}
	return pcm
}

// playPCM streams synthesized int16 mono PCM through a fresh Pulse
// playback stream to the default output.
func playPCM(ctx context.Context, samples []int16) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	client, err := pulse.NewClient(
		pulse.ClientApplicationName("sttd"),
		pulse.ClientApplicationIconName("audio-card"),
	)
	if err != nil {
		return fmt.Errorf("connect pulse server: %w", err)
	}
	defer client.Close()

	cursor := 0
	reader := pulse.Int16Reader(func(buf []int16) (int, error) {
		if cursor >= len(samples) {
			return 0, pulse.EndOfData
		}
		n := copy(buf, samples[cursor:])
		cursor += n
		if cursor >= len(samples) {
			return n, pulse.EndOfData
		}
		return n, nil
	})

	stream, err := client.NewPlayback(
		reader,
		pulse.PlaybackMono,
		pulse.PlaybackSampleRate(sampleRate),
		pulse.PlaybackLatency(0.02),
		pulse.PlaybackMediaName("sttd cue"),
	)
	if err != nil {
		return fmt.Errorf("create pulse playback stream: %w", err)
	}
	defer stream.Close()

	stream.Start()
	stream.Drain()
	if err := stream.Error(); err != nil {
		return fmt.Errorf("play cue stream: %w", err)
	}
	return nil
}
