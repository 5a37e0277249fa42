package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrNotWAV is returned by [DecodeWAV] for input that is not a RIFF/WAVE
// container.
var ErrNotWAV = errors.New("audio: not a RIFF/WAVE container")

// DecodeWAV walks the RIFF chunks of a WAV file and returns its 16-bit PCM
// payload and format. The fmt chunk size is honoured rather than assuming a
// fixed 44-byte header. Formats other than 16-bit PCM are rejected.
func DecodeWAV(wav []byte) ([]byte, Format, error) {
	if len(wav) < 12 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return nil, Format{}, ErrNotWAV
	}

	var (
		f        Format
		foundFmt bool
	)
	offset := 12
	for offset+8 <= len(wav) {
		id := string(wav[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))
		body := offset + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(wav) {
				return nil, Format{}, fmt.Errorf("audio: truncated fmt chunk")
			}
			fmtData := wav[body:]
			tag := binary.LittleEndian.Uint16(fmtData[0:2])
			bits := binary.LittleEndian.Uint16(fmtData[14:16])
			// 0xFFFE is WAVE_FORMAT_EXTENSIBLE.
			if (tag != 1 && tag != 0xFFFE) || bits != 16 {
				return nil, Format{}, fmt.Errorf("audio: unsupported WAV encoding (tag %d, %d bits)", tag, bits)
			}
			f.Channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
			f.SampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
			foundFmt = true
		case "data":
			if !foundFmt {
				return nil, Format{}, fmt.Errorf("audio: data chunk before fmt chunk")
			}
			end := body + size
			// Streaming writers leave the size at 0 or 0xFFFFFFFF.
			if size == 0 || end > len(wav) {
				end = len(wav)
			}
			pcm := wav[body:end]
			return pcm[:len(pcm)&^1], f, nil
		}

		offset = body + size
		if size%2 != 0 {
			offset++
		}
	}
	return nil, Format{}, fmt.Errorf("audio: WAV has no data chunk")
}

// EncodeWAV wraps 16-bit PCM in a minimal RIFF/WAVE container.
func EncodeWAV(pcm []byte, f Format) []byte {
	out := make([]byte, 44+len(pcm))
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], 1)
	binary.LittleEndian.PutUint16(out[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(f.SampleRate*f.BytesPerFrame()))
	binary.LittleEndian.PutUint16(out[32:34], uint16(f.BytesPerFrame()))
	binary.LittleEndian.PutUint16(out[34:36], 16)
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[44:], pcm)
	return out
}
