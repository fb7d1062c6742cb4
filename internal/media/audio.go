// Package media holds the audio and timing collaborator boundaries. The
// server only ever talks to these interfaces; decoding real container
// formats is someone else's job.
package media

import (
	"errors"
	"fmt"
)

// AudioSource exposes raw PCM access to the loaded audio.
// Implementations must be safe for concurrent reads: clip export runs on
// background goroutines while owner-thread handlers compute peaks.
type AudioSource interface {
	SampleRate() int
	Channels() int
	BytesPerSample() int
	NumSamples() int64
	// ReadPCM fills buf with raw sample bytes starting at the given sample
	// index. buf length must be a multiple of the frame size.
	ReadPCM(buf []byte, start int64, count int64) error
}

// ErrNoSamples is returned when a requested range maps to zero samples.
var ErrNoSamples = errors.New("media: no audio samples in range")

// MemoryAudio is an in-memory PCM16 audio source. It backs loaded WAV
// files and test fixtures.
type MemoryAudio struct {
	Rate     int
	Chans    int
	PCM      []byte // interleaved little-endian 16-bit samples
}

func (m *MemoryAudio) SampleRate() int     { return m.Rate }
func (m *MemoryAudio) Channels() int       { return m.Chans }
func (m *MemoryAudio) BytesPerSample() int { return 2 }

func (m *MemoryAudio) NumSamples() int64 {
	frame := int64(2 * m.Chans)
	if frame == 0 {
		return 0
	}
	return int64(len(m.PCM)) / frame
}

func (m *MemoryAudio) ReadPCM(buf []byte, start, count int64) error {
	frame := int64(2 * m.Chans)
	off := start * frame
	n := count * frame
	if off < 0 || off+n > int64(len(m.PCM)) {
		return fmt.Errorf("media: read [%d,%d) out of range", start, start+count)
	}
	copy(buf, m.PCM[off:off+n])
	return nil
}

// Silence creates a mono PCM16 source of the given duration, handy for
// tests and for sessions without real audio.
func Silence(sampleRate, durationMS int) *MemoryAudio {
	samples := int64(sampleRate) * int64(durationMS) / 1000
	return &MemoryAudio{Rate: sampleRate, Chans: 1, PCM: make([]byte, samples*2)}
}

// sampleRange clamps a millisecond range to valid sample indices, rounding
// the start up so a clip never begins before the requested time.
func sampleRange(src AudioSource, startMS, endMS int) (int64, int64) {
	rate := int64(src.SampleRate())
	max := src.NumSamples()
	start := (int64(startMS)*rate + 999) / 1000
	end := (int64(endMS)*rate + 999) / 1000
	if start > max {
		start = max
	}
	if end > max {
		end = max
	}
	return start, end
}

// Peaks computes n normalized (0..1) peak levels over the range, assuming
// 16-bit samples.
func Peaks(src AudioSource, startMS, endMS, n int) ([]float64, error) {
	if n < 1 {
		return nil, errors.New("media: peak count must be positive")
	}
	start, end := sampleRange(src, startMS, endMS)
	total := end - start
	if total <= 0 {
		return nil, ErrNoSamples
	}
	chans := int64(src.Channels())
	spp := total / int64(n)
	if spp < 1 {
		spp = 1
	}
	buf := make([]byte, spp*chans*2)
	out := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		cur := start + int64(i)*spp
		count := spp
		if cur+count > end {
			count = end - cur
		}
		if count <= 0 {
			break
		}
		chunk := buf[:count*chans*2]
		if err := src.ReadPCM(chunk, cur, count); err != nil {
			return nil, err
		}
		var peak int
		for off := 0; off+1 < len(chunk); off += 2 {
			v := int(int16(uint16(chunk[off]) | uint16(chunk[off+1])<<8))
			if v < 0 {
				v = -v
			}
			if v > peak {
				peak = v
			}
		}
		out = append(out, float64(peak)/32768)
	}
	return out, nil
}
