package beeper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResolveFallsBackToDefaultForUnknownTheme(t *testing.T) {
	b := New(nil)
	theme := b.Resolve("made-up-theme")
	require.Equal(t, "default", theme.Name)
}

func TestResolveReturnsRegisteredTheme(t *testing.T) {
	b := New(nil)
	require.Equal(t, "chime", b.Resolve("chime").Name)
}

func TestSilentThemeHasNoTones(t *testing.T) {
	b := New(nil)
	require.True(t, b.Resolve("silent").silent())
}

func TestRegisterAddsCustomTheme(t *testing.T) {
	b := New(nil)
	b.Register(Theme{Name: "custom", Start: Tone{FrequenciesHz: []float64{100}, Duration: 10 * time.Millisecond}})
	require.Equal(t, "custom", b.Resolve("custom").Name)
	require.Contains(t, b.Themes(), "custom")
}

func TestSynthesizeProducesExpectedSampleCount(t *testing.T) {
	tone := Tone{FrequenciesHz: []float64{440}, Duration: 100 * time.Millisecond}
	pcm := synthesize(tone)
	require.Equal(t, sampleRate/10, len(pcm))
}

func TestSynthesizeZeroDurationProducesNoSamples(t *testing.T) {
	require.Nil(t, synthesize(Tone{FrequenciesHz: []float64{440}}))
}

func TestSynthesizeAppliesFadeEnvelope(t *testing.T) {
	tone := Tone{
		FrequenciesHz: []float64{1000},
		Duration:      50 * time.Millisecond,
		FadeIn:        10 * time.Millisecond,
		FadeOut:       10 * time.Millisecond,
	}
	pcm := synthesize(tone)
	require.NotEmpty(t, pcm)
	require.Less(t, abs16(pcm[0]), int16(500))
	require.Less(t, abs16(pcm[len(pcm)-1]), int16(500))
}

func TestSynthesizeChordAveragesVoices(t *testing.T) {
	pcm := synthesize(Tone{FrequenciesHz: []float64{440, 880}, Duration: 20 * time.Millisecond})
	require.NotEmpty(t, pcm)
	for _, s := range pcm {
		require.LessOrEqual(t, abs16(s), int16(6553)+1) // round(0.2*32767) = 6553
	}
}

func abs16(v int16) int16 {
	if v < 0 {
		return -v
	}
	return v
}
