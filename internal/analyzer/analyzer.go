// Package analyzer turns a window of audio samples into a 64-band,
// mel-scaled frequency visualization plus a dominant-frequency estimate.
// It is pure and reentrant: each call is independent of every other call
// other than the configured sample rate and window size.
package analyzer

import "math"

const (
	// WindowSize is the number of trailing samples analyzed per call.
	WindowSize = 1024

	// NumBands is the fixed output layout: 20 linear bands 50-800Hz plus
	// 44 log bands 800Hz-16kHz.
	NumBands       = 64
	linearBands    = 20
	logBands       = NumBands - linearBands
	linearLowHz    = 50.0
	linearHighHz   = 800.0
	logHighHz      = 16000.0
	dominantLowHz  = 80.0
	dominantHighHz = 8000.0
	speechLowHz    = 200.0
	speechHighHz   = 2000.0
)

// Result is one analyzer call's output.
type Result struct {
	Bands       [NumBands]float32
	TotalEnergy float32 // RMS of the input window
	DominantHz  float32
	Confidence  float32
}

// Analyzer holds only its configured sample rate; it carries no state
// across calls.
type Analyzer struct {
	rate int
}

// New builds an Analyzer for a fixed sample rate.
func New(rate int) *Analyzer {
	return &Analyzer{rate: rate}
}

// bandEdges returns the NumBands+1 frequency boundaries for the fixed
// 64-band layout: 20 linear bands 50-800Hz, 44 log bands 800Hz-16kHz.
func bandEdges() [NumBands + 1]float64 {
	var edges [NumBands + 1]float64
	linStep := (linearHighHz - linearLowHz) / float64(linearBands)
	for i := 0; i <= linearBands; i++ {
		edges[i] = linearLowHz + float64(i)*linStep
	}
	logStep := math.Log(logHighHz/linearHighHz) / float64(logBands)
	for i := 1; i <= logBands; i++ {
		edges[linearBands+i] = linearHighHz * math.Exp(float64(i)*logStep)
	}
	return edges
}

// bandCenters returns the midpoint frequency of each of the 64 bands.
func bandCenters() [NumBands]float64 {
	edges := bandEdges()
	var centers [NumBands]float64
	for i := 0; i < NumBands; i++ {
		centers[i] = (edges[i] + edges[i+1]) / 2
	}
	return centers
}

// Process analyzes the trailing WindowSize samples of in (padding with
// leading zeros if shorter) and returns band amplitudes, total RMS energy,
// and a dominant-frequency estimate with confidence.
func (a *Analyzer) Process(in []float32) Result {
	windowed := hannWindow(lastN(in, WindowSize))

	rms := rmsOf(in)
	gain := gainForRMS(rms)

	centers := bandCenters()
	var bands [NumBands]float64
	for i, center := range centers {
		k := hzToBin(center, a.rate, WindowSize)
		mag := goertzelMagnitude(windowed, k)
		bands[i] = shapeBand(i, mag, gain)
	}

	dominantHz, confidence := a.dominantFrequency(windowed, bands, centers)

	var result Result
	result.TotalEnergy = float32(rms)
	result.DominantHz = float32(dominantHz)
	result.Confidence = float32(confidence)
	for i, v := range bands {
		result.Bands[i] = float32(v)
	}
	return result
}

// dominantFrequency finds the peak-energy bin in [80, 8000]Hz via a
// per-bin Goertzel search (fine resolution), then falls back to the
// coarse 64-band estimate when confidence is low.
func (a *Analyzer) dominantFrequency(windowed []float64, bands [NumBands]float64, centers [NumBands]float64) (hz float64, confidence float64) {
	loBin := int(math.Ceil(dominantLowHz * float64(WindowSize) / float64(a.rate)))
	hiBin := int(math.Floor(dominantHighHz * float64(WindowSize) / float64(a.rate)))
	if loBin < 1 {
		loBin = 1
	}
	if hiBin > WindowSize/2 {
		hiBin = WindowSize / 2
	}

	var peakMag float64
	peakBin := loBin
	var total float64
	for k := loBin; k <= hiBin; k++ {
		mag := goertzelMagnitude(windowed, k)
		total += mag * mag
		if mag > peakMag {
			peakMag = mag
			peakBin = k
		}
	}

	hz = float64(peakBin) * float64(a.rate) / float64(WindowSize)

	weight := speechRangeWeight(hz)
	if total > 0 {
		confidence = clamp((peakMag*peakMag/total)*weight*3, 0, 1)
	}

	if confidence < 0.3 {
		hz = fallbackDominantHz(bands, centers)
	}
	return hz, confidence
}

// fallbackDominantHz picks the coarse band with maximum amplitude whose
// center lies within the dominant-frequency search range.
func fallbackDominantHz(bands [NumBands]float64, centers [NumBands]float64) float64 {
	best := -1.0
	hz := centers[0]
	for i, center := range centers {
		if center < dominantLowHz || center > dominantHighHz {
			continue
		}
		if bands[i] > best {
			best = bands[i]
			hz = center
		}
	}
	return hz
}

func speechRangeWeight(hz float64) float64 {
	if hz >= speechLowHz && hz <= speechHighHz {
		return 1.0
	}
	return 0.6
}

// shapeBand applies RMS-dependent gain plus the low-damp/high-boost
// perceptual shaping described in the design.
func shapeBand(index int, magnitude float64, gain float64) float64 {
	shaped := magnitude * gain
	switch {
	case index < linearBands:
		shaped *= 0.6
	case index >= NumBands-20:
		shaped *= 1.4
	}
	if shaped < 0 {
		shaped = 0
	}
	return shaped
}

// gainForRMS picks a flat gain tier from quiet/normal/loud input levels.
func gainForRMS(rms float64) float64 {
	switch {
	case rms < 0.02:
		return 3.0
	case rms < 0.2:
		return 1.5
	default:
		return 0.8
	}
}

func rmsOf(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// lastN returns the trailing n samples of in, zero-padded at the front if
// in is shorter than n.
func lastN(in []float32, n int) []float64 {
	out := make([]float64, n)
	start := len(in) - n
	if start < 0 {
		start = 0
	}
	offset := n - (len(in) - start)
	for i, s := range in[start:] {
		out[offset+i] = float64(s)
	}
	return out
}

// hannWindow applies a Hann window in place and returns the result.
func hannWindow(samples []float64) []float64 {
	n := len(samples)
	if n <= 1 {
		return samples
	}
	for i := range samples {
		w := 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n-1))
		samples[i] *= w
	}
	return samples
}

// hzToBin maps a target frequency to the nearest integer DFT bin index.
func hzToBin(hz float64, rate int, n int) int {
	k := int(math.Round(hz * float64(n) / float64(rate)))
	if k < 0 {
		k = 0
	}
	if k > n/2 {
		k = n / 2
	}
	return k
}

// goertzelMagnitude computes the magnitude of the DFT bin k of a real
// signal of length len(samples) via the Goertzel algorithm, avoiding a
// full FFT when only a handful of target bins are needed per call.
func goertzelMagnitude(samples []float64, k int) float64 {
	n := len(samples)
	if n == 0 {
		return 0
	}
	omega := 2 * math.Pi * float64(k) / float64(n)
	coeff := 2 * math.Cos(omega)

	var s1, s2 float64
	for _, x := range samples {
		s0 := x + coeff*s1 - s2
		s2 = s1
		s1 = s0
	}

	real := s1 - s2*math.Cos(omega)
	imag := s2 * math.Sin(omega)
	return math.Sqrt(real*real + imag*imag)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
