package audio

import "math"

type SilenceMetrics struct {
	RMSdBFS  float64
	PeakdBFS float64
	Samples  int64
}

// IsSilentWAV reports whether the WAV at path stays below thresholdDBFS. The
// peak may exceed the threshold by 6 dB to tolerate clicks.
func IsSilentWAV(path string, thresholdDBFS float64) (bool, SilenceMetrics, error) {
	wav, err := ReadWAVFile(path)
	if err != nil {
		return false, SilenceMetrics{}, err
	}

	metrics, err := Measure(wav)
	if err != nil {
		return false, SilenceMetrics{}, err
	}

	if metrics.Samples == 0 {
		return true, metrics, nil
	}

	if math.IsInf(metrics.RMSdBFS, -1) && math.IsInf(metrics.PeakdBFS, -1) {
		return true, metrics, nil
	}

	peakGate := thresholdDBFS + 6
	return metrics.RMSdBFS <= thresholdDBFS && metrics.PeakdBFS <= peakGate, metrics, nil
}

func Measure(wav *WAV) (SilenceMetrics, error) {
	samples, err := wav.Samples()
	if err != nil {
		return SilenceMetrics{}, err
	}

	if len(samples) == 0 {
		return SilenceMetrics{RMSdBFS: math.Inf(-1), PeakdBFS: math.Inf(-1)}, nil
	}

	var peak, sumSquares float64
	for _, value := range samples {
		abs := math.Abs(value)
		if abs > peak {
			peak = abs
		}
		sumSquares += value * value
	}

	rms := math.Sqrt(sumSquares / float64(len(samples)))
	return SilenceMetrics{
		RMSdBFS:  amplitudeToDBFS(rms),
		PeakdBFS: amplitudeToDBFS(peak),
		Samples:  int64(len(samples)),
	}, nil
}

func amplitudeToDBFS(amplitude float64) float64 {
	if amplitude <= 0 {
		return math.Inf(-1)
	}
	return 20.0 * math.Log10(amplitude)
}
