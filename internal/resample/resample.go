// Package resample converts PCM sample buffers between sample rates.
package resample

// To resamples samples from fromRate to toRate using linear
// interpolation between neighboring input samples. This stands in for a
// true polyphase filter bank: no resampling library appears anywhere in
// the example corpus, and linear interpolation is the standard
// low-complexity substitute for speech-rate PCM where the output
// feeds a model's own feature extraction rather than being played back.
func To(samples []float32, fromRate, toRate int) []float32 {
	if fromRate <= 0 || toRate <= 0 || fromRate == toRate || len(samples) == 0 {
		return samples
	}

	ratio := float64(fromRate) / float64(toRate)
	outLen := int(float64(len(samples)) / ratio)
	if outLen <= 0 {
		return nil
	}

	out := make([]float32, outLen)
	for i := range out {
		srcPos := float64(i) * ratio
		idx := int(srcPos)
		frac := srcPos - float64(idx)

		if idx >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		out[i] = samples[idx]*float32(1-frac) + samples[idx+1]*float32(frac)
	}
	return out
}

// Chunked resamples in fixed-size input chunks, used by the real-time
// session manager to feed a resampler incrementally without buffering an
// entire utterance up front.
func Chunked(samples []float32, fromRate, toRate, chunkFrames int) []float32 {
	if chunkFrames <= 0 || len(samples) <= chunkFrames {
		return To(samples, fromRate, toRate)
	}

	out := make([]float32, 0, len(samples)*toRate/fromRate+toRate)
	for start := 0; start < len(samples); start += chunkFrames {
		end := start + chunkFrames
		if end > len(samples) {
			end = len(samples)
		}
		out = append(out, To(samples[start:end], fromRate, toRate)...)
	}
	return out
}
