package media

import (
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

// sine builds a mono PCM16 source with a 440Hz tone at the given amplitude.
func sine(rate, durationMS int, amplitude float64) *MemoryAudio {
	samples := rate * durationMS / 1000
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := amplitude * math.Sin(2*math.Pi*440*float64(i)/float64(rate))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v*32767)))
	}
	return &MemoryAudio{Rate: rate, Chans: 1, PCM: pcm}
}

func TestBuildWAVHeader(t *testing.T) {
	src := Silence(16000, 1000)
	wav, err := BuildWAV(src, 0, 500)
	if err != nil {
		t.Fatalf("BuildWAV: %v", err)
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Fatal("missing RIFF/WAVE magic")
	}
	if got := binary.LittleEndian.Uint32(wav[24:]); got != 16000 {
		t.Fatalf("sample rate in header = %d", got)
	}
	wantData := 16000 / 2 * 2 // half a second of mono 16-bit
	if got := binary.LittleEndian.Uint32(wav[40:]); int(got) != wantData {
		t.Fatalf("data size = %d, want %d", got, wantData)
	}
	if len(wav) != 44+wantData {
		t.Fatalf("total size = %d", len(wav))
	}
}

func TestBuildWAVEmptyRange(t *testing.T) {
	src := Silence(16000, 1000)
	if _, err := BuildWAV(src, 2000, 3000); !errors.Is(err, ErrNoSamples) {
		t.Fatalf("err = %v, want ErrNoSamples", err)
	}
}

func TestSaveAndLoadWAVRoundTrip(t *testing.T) {
	src := sine(8000, 250, 0.5)
	path := filepath.Join(t.TempDir(), "clip.wav")
	if err := SaveClip(src, path, 0, 250); err != nil {
		t.Fatalf("SaveClip: %v", err)
	}
	got, err := LoadWAV(path)
	if err != nil {
		t.Fatalf("LoadWAV: %v", err)
	}
	if got.Rate != 8000 || got.Chans != 1 {
		t.Fatalf("loaded rate=%d chans=%d", got.Rate, got.Chans)
	}
	if got.NumSamples() != src.NumSamples() {
		t.Fatalf("samples = %d, want %d", got.NumSamples(), src.NumSamples())
	}
	if string(got.PCM) != string(src.PCM) {
		t.Fatal("PCM payload altered by round trip")
	}
}

func TestLoadWAVRejectsNonWave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not.wav")
	if err := os.WriteFile(path, []byte("this is not audio data at all, truly"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadWAV(path); err == nil {
		t.Fatal("expected error for non-WAV file")
	}
	if _, err := LoadWAV(filepath.Join(t.TempDir(), "missing.wav")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestPeaksSilenceIsZero(t *testing.T) {
	src := Silence(16000, 1000)
	peaks, err := Peaks(src, 0, 1000, 10)
	if err != nil {
		t.Fatalf("Peaks: %v", err)
	}
	if len(peaks) != 10 {
		t.Fatalf("len(peaks) = %d", len(peaks))
	}
	for i, p := range peaks {
		if p != 0 {
			t.Fatalf("peak[%d] = %f on silence", i, p)
		}
	}
}

func TestPeaksToneAmplitude(t *testing.T) {
	src := sine(16000, 1000, 0.5)
	peaks, err := Peaks(src, 0, 1000, 4)
	if err != nil {
		t.Fatalf("Peaks: %v", err)
	}
	for i, p := range peaks {
		if p < 0.45 || p > 0.55 {
			t.Fatalf("peak[%d] = %f, want ~0.5", i, p)
		}
	}
}

func TestPeaksEmptyRange(t *testing.T) {
	src := Silence(16000, 100)
	if _, err := Peaks(src, 500, 600, 10); !errors.Is(err, ErrNoSamples) {
		t.Fatalf("err = %v, want ErrNoSamples", err)
	}
}

func TestCFRTimingNTSC(t *testing.T) {
	tm := NewCFRTiming(24000, 1001, []int{0, 24, 240})
	if got := tm.TimeAtFrame(0); got != 0 {
		t.Fatalf("TimeAtFrame(0) = %d", got)
	}
	// frame 24 at 23.976fps is just over one second
	if got := tm.TimeAtFrame(24); got != 1001 {
		t.Fatalf("TimeAtFrame(24) = %d, want 1001", got)
	}
	if got := tm.FrameAtTime(1001); got != 24 {
		t.Fatalf("FrameAtTime(1001) = %d, want 24", got)
	}
	if got := tm.FrameAtTime(1000); got != 23 {
		t.Fatalf("FrameAtTime(1000) = %d, want 23", got)
	}
	if fps := tm.FPS(); fps < 23.97 || fps > 23.98 {
		t.Fatalf("FPS = %f", fps)
	}
	if kfs := tm.Keyframes(); len(kfs) != 3 || kfs[2] != 240 {
		t.Fatalf("Keyframes = %v", kfs)
	}
}

func TestCFRTimingDefaultDen(t *testing.T) {
	tm := NewCFRTiming(25, 0, nil)
	if got := tm.TimeAtFrame(25); got != 1000 {
		t.Fatalf("TimeAtFrame(25) = %d, want 1000", got)
	}
}
