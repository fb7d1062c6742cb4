package media

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

// BuildWAV renders the millisecond range as a complete in-memory WAV file
// with the canonical 44-byte header.
func BuildWAV(src AudioSource, startMS, endMS int) ([]byte, error) {
	start, end := sampleRange(src, startMS, endMS)
	count := end - start
	if count <= 0 {
		return nil, ErrNoSamples
	}
	rate := src.SampleRate()
	chans := src.Channels()
	bps := src.BytesPerSample()
	frame := chans * bps
	dataSize := count * int64(frame)

	wav := make([]byte, 44+dataSize)
	copy(wav[0:], "RIFF")
	binary.LittleEndian.PutUint32(wav[4:], uint32(len(wav)-8))
	copy(wav[8:], "WAVE")
	copy(wav[12:], "fmt ")
	binary.LittleEndian.PutUint32(wav[16:], 16)
	binary.LittleEndian.PutUint16(wav[20:], 1) // PCM
	binary.LittleEndian.PutUint16(wav[22:], uint16(chans))
	binary.LittleEndian.PutUint32(wav[24:], uint32(rate))
	binary.LittleEndian.PutUint32(wav[28:], uint32(rate*frame))
	binary.LittleEndian.PutUint16(wav[32:], uint16(frame))
	binary.LittleEndian.PutUint16(wav[34:], uint16(bps*8))
	copy(wav[36:], "data")
	binary.LittleEndian.PutUint32(wav[40:], uint32(dataSize))

	// Read in bounded chunks so slow sources never force one huge read.
	const chunkBytes = 65536
	perRead := int64(chunkBytes / frame)
	if perRead < 1 {
		perRead = 1
	}
	for i := start; i < end; {
		n := perRead
		if i+n > end {
			n = end - i
		}
		off := 44 + (i-start)*int64(frame)
		if err := src.ReadPCM(wav[off:off+n*int64(frame)], i, n); err != nil {
			return nil, err
		}
		i += n
	}
	return wav, nil
}

// SaveClip writes the range to path as a WAV file.
func SaveClip(src AudioSource, path string, startMS, endMS int) error {
	data, err := BuildWAV(src, startMS, endMS)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// LoadWAV reads a PCM16 RIFF/WAVE file into a MemoryAudio. Only plain
// 16-bit PCM is supported; anything else is the decoder collaborator's
// territory.
func LoadWAV(path string) (*MemoryAudio, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < 44 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("media: %s is not a RIFF/WAVE file", path)
	}
	var (
		rate, chans, bits int
		pcm               []byte
	)
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if body+size > len(data) {
			size = len(data) - body
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, errors.New("media: truncated fmt chunk")
			}
			format := binary.LittleEndian.Uint16(data[body:])
			chans = int(binary.LittleEndian.Uint16(data[body+2:]))
			rate = int(binary.LittleEndian.Uint32(data[body+4:]))
			bits = int(binary.LittleEndian.Uint16(data[body+14:]))
			if format != 1 || bits != 16 {
				return nil, fmt.Errorf("media: unsupported WAV format (fmt=%d bits=%d)", format, bits)
			}
		case "data":
			pcm = data[body : body+size]
		}
		pos = body + size
		if size%2 == 1 {
			pos++ // chunks are word-aligned
		}
	}
	if rate == 0 || chans == 0 || pcm == nil {
		return nil, fmt.Errorf("media: %s missing fmt or data chunk", path)
	}
	return &MemoryAudio{Rate: rate, Chans: chans, PCM: pcm}, nil
}
