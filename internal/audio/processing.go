// Package audio provides container parsing, duration estimation and simple
// sample processing for synthesized audio.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/hajimehoshi/go-mp3"
	"github.com/wheelsandwins/pam-tts/internal/core"
)

// Default PCM layout produced by the engines.
const (
	DefaultChannels      = 1
	DefaultBitsPerSample = 16
)

const (
	wavHeaderSize    = 44
	riffChunkID      = "RIFF"
	waveFormat       = "WAVE"
	fmtChunkID       = "fmt "
	dataChunkID      = "data"
	pcmFormatTag     = 1
	chunkHeaderSize  = 8
	fmtChunkMinSize  = 16
	mp3BytesPerFrame = 4 // go-mp3 always decodes to 16-bit stereo
)

const (
	errFmtShortWAV        = "%w: %d bytes is shorter than a WAV header"
	errFmtBadMagic        = "%w: missing %s marker"
	errFmtNoChunk         = "%w: no %q chunk"
	errFmtFormatTag       = "%w: format tag %d is not PCM"
	errFmtBitsUnsupported = "%w: %d-bit samples are not supported"
	errFmtOddPCM          = "%w: %d bytes is not a whole number of 16-bit samples"
	errFmtDecodeMP3       = "failed to decode mp3: %w"
)

// Errors returned by the parsers.
var (
	ErrInvalidWAV      = errors.New("invalid wav data")
	ErrUnknownDuration = errors.New("duration cannot be determined for format")
)

// WAVInfo describes the PCM payload of a WAV file.
type WAVInfo struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
	DataOffset    int
	DataSize      int
}

// Duration is the playback length of the PCM payload.
func (w WAVInfo) Duration() time.Duration {
	bytesPerSecond := w.SampleRate * w.Channels * (w.BitsPerSample / 8)
	if bytesPerSecond <= 0 {
		return 0
	}

	return time.Duration(float64(w.DataSize) / float64(bytesPerSecond) * float64(time.Second))
}

// ParseWAV walks the RIFF chunks of data and locates the fmt and data chunks.
func ParseWAV(data []byte) (WAVInfo, error) {
	if len(data) < wavHeaderSize {
		return WAVInfo{}, fmt.Errorf(errFmtShortWAV, ErrInvalidWAV, len(data))
	}

	if string(data[0:4]) != riffChunkID {
		return WAVInfo{}, fmt.Errorf(errFmtBadMagic, ErrInvalidWAV, riffChunkID)
	}

	if string(data[8:12]) != waveFormat {
		return WAVInfo{}, fmt.Errorf(errFmtBadMagic, ErrInvalidWAV, waveFormat)
	}

	var (
		info     WAVInfo
		foundFmt bool
	)

	offset := 12
	for offset+chunkHeaderSize <= len(data) {
		chunkID := string(data[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + chunkHeaderSize

		switch chunkID {
		case fmtChunkID:
			if chunkSize < fmtChunkMinSize || body+chunkSize > len(data) {
				return WAVInfo{}, fmt.Errorf(errFmtNoChunk, ErrInvalidWAV, fmtChunkID)
			}

			formatTag := binary.LittleEndian.Uint16(data[body : body+2])
			if formatTag != pcmFormatTag {
				return WAVInfo{}, fmt.Errorf(errFmtFormatTag, ErrInvalidWAV, formatTag)
			}

			info.Channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			foundFmt = true
		case dataChunkID:
			if !foundFmt {
				return WAVInfo{}, fmt.Errorf(errFmtNoChunk, ErrInvalidWAV, fmtChunkID)
			}

			info.DataOffset = body
			info.DataSize = chunkSize
			// Streaming encoders write 0 or 0xFFFFFFFF when the size was unknown.
			if chunkSize == 0 || body+chunkSize > len(data) {
				info.DataSize = len(data) - body
			}

			return info, nil
		}

		offset = body + chunkSize + chunkSize%2
	}

	return WAVInfo{}, fmt.Errorf(errFmtNoChunk, ErrInvalidWAV, dataChunkID)
}

// EncodeWAV wraps little-endian PCM samples in a canonical 44-byte WAV header.
func EncodeWAV(pcm []byte, sampleRate, channels, bitsPerSample int) []byte {
	var buf bytes.Buffer

	blockAlign := channels * bitsPerSample / 8
	byteRate := sampleRate * blockAlign

	buf.Grow(wavHeaderSize + len(pcm))
	buf.WriteString(riffChunkID)
	writeUint32(&buf, uint32(36+len(pcm)))
	buf.WriteString(waveFormat)
	buf.WriteString(fmtChunkID)
	writeUint32(&buf, fmtChunkMinSize)
	writeUint16(&buf, pcmFormatTag)
	writeUint16(&buf, uint16(channels))
	writeUint32(&buf, uint32(sampleRate))
	writeUint32(&buf, uint32(byteRate))
	writeUint16(&buf, uint16(blockAlign))
	writeUint16(&buf, uint16(bitsPerSample))
	buf.WriteString(dataChunkID)
	writeUint32(&buf, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}

// WAVToPCM strips the WAV container and returns a copy of the raw samples.
func WAVToPCM(data []byte) ([]byte, WAVInfo, error) {
	info, err := ParseWAV(data)
	if err != nil {
		return nil, WAVInfo{}, err
	}

	pcm := make([]byte, info.DataSize)
	copy(pcm, data[info.DataOffset:info.DataOffset+info.DataSize])

	return pcm, info, nil
}

// Duration estimates the playback length of data in the given format.
// PCM is assumed to be 16-bit mono at sampleRate.
func Duration(data []byte, format core.AudioFormat, sampleRate int) (time.Duration, error) {
	switch format {
	case core.FormatWAV:
		info, err := ParseWAV(data)
		if err != nil {
			return 0, err
		}

		return info.Duration(), nil
	case core.FormatPCM:
		info := WAVInfo{
			SampleRate:    sampleRate,
			Channels:      DefaultChannels,
			BitsPerSample: DefaultBitsPerSample,
			DataSize:      len(data),
		}

		return info.Duration(), nil
	case core.FormatMP3:
		return mp3Duration(data)
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownDuration, format)
	}
}

func mp3Duration(data []byte) (time.Duration, error) {
	decoder, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf(errFmtDecodeMP3, err)
	}

	sampleRate := decoder.SampleRate()
	if sampleRate <= 0 {
		return 0, fmt.Errorf("%w: mp3 without sample rate", ErrUnknownDuration)
	}

	samples := float64(decoder.Length()) / mp3BytesPerFrame

	return time.Duration(samples / float64(sampleRate) * float64(time.Second)), nil
}

// ScalePCM16 multiplies 16-bit little-endian samples by gain in place,
// clamping to the sample range. A gain of 1 leaves the data untouched.
func ScalePCM16(pcm []byte, gain float64) error {
	if gain == 1 {
		return nil
	}

	if len(pcm)%2 != 0 {
		return fmt.Errorf(errFmtOddPCM, ErrInvalidWAV, len(pcm))
	}

	for i := 0; i+1 < len(pcm); i += 2 {
		sample := float64(int16(binary.LittleEndian.Uint16(pcm[i : i+2])))
		scaled := math.Max(math.MinInt16, math.Min(math.MaxInt16, math.Round(sample*gain)))
		binary.LittleEndian.PutUint16(pcm[i:i+2], uint16(int16(scaled)))
	}

	return nil
}

// ApplyVolume scales the samples of a 16-bit PCM WAV file in place.
func ApplyVolume(wav []byte, gain float64) error {
	info, err := ParseWAV(wav)
	if err != nil {
		return err
	}

	if info.BitsPerSample != DefaultBitsPerSample {
		return fmt.Errorf(errFmtBitsUnsupported, ErrInvalidWAV, info.BitsPerSample)
	}

	return ScalePCM16(wav[info.DataOffset:info.DataOffset+info.DataSize], gain)
}

// Split cuts data into pieces of at most size bytes. The pieces share the
// backing array of data.
func Split(data []byte, size int) [][]byte {
	if size <= 0 || len(data) == 0 {
		return [][]byte{data}
	}

	pieces := make([][]byte, 0, (len(data)+size-1)/size)
	for start := 0; start < len(data); start += size {
		end := min(start+size, len(data))
		pieces = append(pieces, data[start:end])
	}

	return pieces
}

func writeUint32(buf *bytes.Buffer, value uint32) {
	var scratch [4]byte

	binary.LittleEndian.PutUint32(scratch[:], value)
	buf.Write(scratch[:])
}

func writeUint16(buf *bytes.Buffer, value uint16) {
	var scratch [2]byte

	binary.LittleEndian.PutUint16(scratch[:], value)
	buf.Write(scratch[:])
}
