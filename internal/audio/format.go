package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Container identifies the audio container of a synthesized payload.
type Container int

const (
	ContainerUnknown Container = iota
	ContainerWAV
	ContainerMP3
)

func (c Container) String() string {
	switch c {
	case ContainerWAV:
		return "wav"
	case ContainerMP3:
		return "mp3"
	default:
		return "unknown"
	}
}

// SniffContainer inspects the payload's file signature. Synthesized audio
// must identify as RIFF/WAVE or an MP3 frame before it is trusted and
// handed to the playback sink.
func SniffContainer(data []byte) Container {
	if len(data) >= 12 &&
		bytes.Equal(data[0:4], []byte("RIFF")) &&
		bytes.Equal(data[8:12], []byte("WAVE")) {
		return ContainerWAV
	}
	if len(data) >= 3 && bytes.Equal(data[0:3], []byte("ID3")) {
		return ContainerMP3
	}
	// MP3 frame sync: 11 set bits.
	if len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0 {
		return ContainerMP3
	}
	return ContainerUnknown
}

// EncodeWAV wraps mono 16-bit samples in a PCM WAV container for upload
// to recognition providers that expect a file rather than a raw stream.
func EncodeWAV(samples []int16, sampleRate int) []byte {
	data := SamplesToPCM(samples)

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(data)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*2)) // byte rate
	binary.Write(&buf, binary.LittleEndian, uint16(2))            // block align
	binary.Write(&buf, binary.LittleEndian, uint16(16))           // bits per sample

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(data)))
	buf.Write(data)

	return buf.Bytes()
}

// DecodeWAV extracts mono 16-bit samples and the sample rate from a PCM
// WAV payload. Returns an error for compressed or multi-channel files.
func DecodeWAV(data []byte) ([]int16, int, error) {
	if SniffContainer(data) != ContainerWAV {
		return nil, 0, fmt.Errorf("not a RIFF/WAVE payload")
	}

	pos := 12
	var sampleRate int
	var channels, bits uint16
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
				return nil, 0, fmt.Errorf("wav: short fmt chunk")
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			if format != 1 {
				return nil, 0, fmt.Errorf("wav: unsupported format %d (want PCM)", format)
			}
			channels = binary.LittleEndian.Uint16(data[body+2 : body+4])
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bits = binary.LittleEndian.Uint16(data[body+14 : body+16])
		case "data":
			if sampleRate == 0 {
				return nil, 0, fmt.Errorf("wav: data chunk before fmt chunk")
			}
			if channels != 1 || bits != 16 {
				return nil, 0, fmt.Errorf("wav: unsupported layout (%d channels, %d bits)", channels, bits)
			}
			samples, err := PCMToSamples(data[body : body+size&^1])
			if err != nil {
				return nil, 0, err
			}
			return samples, sampleRate, nil
		}

		pos = body + size
		if size%2 == 1 {
			pos++ // chunks are word-aligned
		}
	}
	return nil, 0, fmt.Errorf("wav: no data chunk found")
}
