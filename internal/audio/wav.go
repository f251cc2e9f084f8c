package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

var (
	ErrUnsupportedWAV = errors.New("unsupported wav format")
	ErrInvalidWAV     = errors.New("invalid wav file")
)

const (
	formatPCM   = 1
	formatFloat = 3
)

// WAV is a parsed RIFF/WAVE file with its raw sample data.
type WAV struct {
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	BitsPerSample uint16
	Data          []byte
}

func ReadWAVFile(path string) (*WAV, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	return ReadWAV(f)
}

func ReadWAV(r io.ReadSeeker) (*WAV, error) {
	header := make([]byte, 12)
	if _, err := io.ReadFull(r, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
		}
		return nil, fmt.Errorf("read wav header: %w", err)
	}

	if string(header[:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return nil, ErrInvalidWAV
	}

	var (
		wav        WAV
		dataOffset int64
		dataSize   uint32
		hasFmt     bool
		hasData    bool
	)

	for {
		chunkHeader := make([]byte, 8)
		if _, err := io.ReadFull(r, chunkHeader); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, fmt.Errorf("read wav chunk header: %w", err)
		}

		chunkID := string(chunkHeader[:4])
		chunkSize := binary.LittleEndian.Uint32(chunkHeader[4:8])

		chunkStart, err := r.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, fmt.Errorf("seek wav chunk start: %w", err)
		}

		skip := int64(chunkSize)
		if chunkSize%2 != 0 {
			skip++
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return nil, ErrInvalidWAV
			}

			buf := make([]byte, chunkSize)
			if _, err := io.ReadFull(r, buf); err != nil {
				return nil, fmt.Errorf("read wav fmt chunk: %w", err)
			}

			wav.AudioFormat = binary.LittleEndian.Uint16(buf[0:2])
			wav.Channels = binary.LittleEndian.Uint16(buf[2:4])
			wav.SampleRate = binary.LittleEndian.Uint32(buf[4:8])
			wav.BitsPerSample = binary.LittleEndian.Uint16(buf[14:16])
			hasFmt = true

			if chunkSize%2 != 0 {
				if _, err := r.Seek(1, io.SeekCurrent); err != nil {
					return nil, fmt.Errorf("seek wav fmt padding: %w", err)
				}
			}
		case "data":
			dataOffset = chunkStart
			dataSize = chunkSize
			hasData = true
			if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("seek wav data chunk: %w", err)
			}
		default:
			if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("seek wav chunk %s: %w", chunkID, err)
			}
		}
	}

	if !hasFmt || !hasData {
		return nil, ErrInvalidWAV
	}

	if wav.Channels == 0 {
		return nil, ErrInvalidWAV
	}

	if err := validateFormat(wav.AudioFormat, wav.BitsPerSample); err != nil {
		return nil, err
	}

	end, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("seek wav end: %w", err)
	}
	// Streaming encoders often leave the data size at its maximum.
	size := int64(dataSize)
	if remaining := end - dataOffset; size > remaining {
		size = remaining
	}

	if _, err := r.Seek(dataOffset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek wav data offset: %w", err)
	}

	wav.Data = make([]byte, size)
	if _, err := io.ReadFull(r, wav.Data); err != nil {
		return nil, fmt.Errorf("read wav data: %w", err)
	}

	return &wav, nil
}

// Samples returns every interleaved sample normalized to [-1, 1].
func (w *WAV) Samples() ([]float64, error) {
	bytesPerSample := int(w.BitsPerSample / 8)
	if bytesPerSample <= 0 {
		return nil, ErrUnsupportedWAV
	}

	out := make([]float64, 0, len(w.Data)/bytesPerSample)
	for i := 0; i+bytesPerSample <= len(w.Data); i += bytesPerSample {
		value, err := decodeSample(w.Data[i:i+bytesPerSample], w.AudioFormat, w.BitsPerSample)
		if err != nil {
			return nil, err
		}
		out = append(out, value)
	}

	return out, nil
}

// Mono downmixes to a single channel and resamples to targetRate with linear
// interpolation. A targetRate of zero keeps the source rate.
func (w *WAV) Mono(targetRate int) ([]float32, error) {
	samples, err := w.Samples()
	if err != nil {
		return nil, err
	}

	channels := int(w.Channels)
	frames := len(samples) / channels
	mono := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += samples[i*channels+c]
		}
		mono[i] = sum / float64(channels)
	}

	if targetRate <= 0 || int(w.SampleRate) == targetRate || frames == 0 {
		return toFloat32(mono), nil
	}

	return toFloat32(resampleLinear(mono, int(w.SampleRate), targetRate)), nil
}

// DecodeWAVFile reads path and returns mono samples at targetRate.
func DecodeWAVFile(path string, targetRate int) ([]float32, error) {
	wav, err := ReadWAVFile(path)
	if err != nil {
		return nil, err
	}
	return wav.Mono(targetRate)
}

func resampleLinear(in []float64, fromRate, toRate int) []float64 {
	if fromRate <= 0 {
		return in
	}

	ratio := float64(fromRate) / float64(toRate)
	outLen := int(math.Floor(float64(len(in)) / ratio))
	out := make([]float64, outLen)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		if idx+1 < len(in) {
			out[i] = in[idx]*(1-frac) + in[idx+1]*frac
		} else {
			out[i] = in[len(in)-1]
		}
	}
	return out
}

func toFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}

func validateFormat(audioFormat, bitsPerSample uint16) error {
	switch audioFormat {
	case formatPCM:
		switch bitsPerSample {
		case 8, 16, 24, 32:
			return nil
		}
	case formatFloat:
		switch bitsPerSample {
		case 32, 64:
			return nil
		}
	}
	return ErrUnsupportedWAV
}

func decodeSample(sample []byte, audioFormat, bitsPerSample uint16) (float64, error) {
	if audioFormat == formatFloat {
		switch bitsPerSample {
		case 32:
			return float64(math.Float32frombits(binary.LittleEndian.Uint32(sample))), nil
		case 64:
			return math.Float64frombits(binary.LittleEndian.Uint64(sample)), nil
		default:
			return 0, ErrUnsupportedWAV
		}
	}

	switch bitsPerSample {
	case 8:
		return (float64(sample[0]) - 128.0) / 128.0, nil
	case 16:
		return float64(int16(binary.LittleEndian.Uint16(sample))) / 32768.0, nil
	case 24:
		v := int32(sample[0]) | int32(sample[1])<<8 | int32(sample[2])<<16
		if v&0x800000 != 0 {
			v |= ^0xFFFFFF
		}
		return float64(v) / 8388608.0, nil
	case 32:
		return float64(int32(binary.LittleEndian.Uint32(sample))) / 2147483648.0, nil
	default:
		return 0, ErrUnsupportedWAV
	}
}
