package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Volume bounds used for scoring, in dBFS.
const (
	minVolumeDB = -80.0
	maxVolumeDB = 0.0

	referenceLevel16 = 32768.0
	minimumRMS       = 1.0
)

// ErrUnsupportedFormat is returned for audio that is not 16-bit PCM.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// PCMInfo describes decoded PCM audio.
type PCMInfo struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
	Samples       []byte // raw little-endian sample data
}

// Duration returns the audio length in seconds.
func (p PCMInfo) Duration() float64 {
	frame := p.Channels * p.BitsPerSample / 8
	if p.SampleRate <= 0 || frame <= 0 {
		return 0
	}
	return float64(len(p.Samples)/frame) / float64(p.SampleRate)
}

// DecodePCM extracts PCM data from a RIFF/WAVE payload. Payloads without a
// RIFF header are taken as raw 16-bit mono PCM.
func DecodePCM(data []byte) (PCMInfo, error) {
	if len(data) < 12 || !bytes.Equal(data[0:4], []byte("RIFF")) || !bytes.Equal(data[8:12], []byte("WAVE")) {
		return PCMInfo{Channels: 1, BitsPerSample: 16, Samples: data}, nil
	}

	var info PCMInfo
	var haveFmt bool
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		end := body + size
		if size < 0 || end > len(data) {
			// Recorders that stream WAV often leave the data size unset.
			end = len(data)
		}

		switch id {
		case "fmt ":
			if end-body < 16 {
				return PCMInfo{}, fmt.Errorf("%w: short fmt chunk", ErrUnsupportedFormat)
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			if format != 1 && format != 0xFFFE {
				return PCMInfo{}, fmt.Errorf("%w: format tag %d", ErrUnsupportedFormat, format)
			}
			info.Channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return PCMInfo{}, fmt.Errorf("%w: data before fmt", ErrUnsupportedFormat)
			}
			info.Samples = data[body:end]
			if info.BitsPerSample != 16 {
				return PCMInfo{}, fmt.Errorf("%w: %d-bit samples", ErrUnsupportedFormat, info.BitsPerSample)
			}
			return info, nil
		}

		pos = end
		if size%2 == 1 {
			pos++
		}
	}
	return PCMInfo{}, fmt.Errorf("%w: no data chunk", ErrUnsupportedFormat)
}

// EncodeWAV wraps 16-bit samples in a canonical 44-byte RIFF/WAVE header.
func EncodeWAV(sampleRate, channels int, samples []int16) []byte {
	const headerSize = 44
	dataSize := len(samples) * 2
	buf := make([]byte, headerSize+dataSize)
	copy(buf[0:], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:], uint32(36+dataSize))
	copy(buf[8:], "WAVEfmt ")
	binary.LittleEndian.PutUint32(buf[16:], 16)
	binary.LittleEndian.PutUint16(buf[20:], 1)
	binary.LittleEndian.PutUint16(buf[22:], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:], uint32(sampleRate*channels*2))
	binary.LittleEndian.PutUint16(buf[32:], uint16(channels*2))
	binary.LittleEndian.PutUint16(buf[34:], 16)
	copy(buf[36:], "data")
	binary.LittleEndian.PutUint32(buf[40:], uint32(dataSize))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[headerSize+i*2:], uint16(s))
	}
	return buf
}

// RMS16 computes the root mean square of 16-bit little-endian samples.
func RMS16(samples []byte) float64 {
	n := len(samples) / 2
	if n == 0 {
		return 0
	}
	var sumSquares float64
	for i := 0; i+1 < len(samples); i += 2 {
		s := float64(int16(binary.LittleEndian.Uint16(samples[i : i+2])))
		sumSquares += s * s
	}
	return math.Sqrt(sumSquares / float64(n))
}

// VolumeDB converts an RMS value to dBFS clamped to [-80, 0].
func VolumeDB(rms float64) float64 {
	if rms < minimumRMS {
		rms = minimumRMS
	}
	db := 20 * math.Log10(rms/referenceLevel16)
	return math.Max(minVolumeDB, math.Min(maxVolumeDB, db))
}

// QualityScore maps a volume in dBFS linearly onto 0-100.
func QualityScore(db float64) float64 {
	score := (db - minVolumeDB) / (maxVolumeDB - minVolumeDB) * 100
	return math.Round(math.Max(0, math.Min(100, score))*10) / 10
}

// LocalProcessor scores recordings by signal level. It does not
// transcribe.
type LocalProcessor struct{}

// Process implements Processor.
func (LocalProcessor) Process(ctx context.Context, item *Item, data []byte) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pcm, err := DecodePCM(data)
	if err != nil {
		return nil, err
	}
	db := VolumeDB(RMS16(pcm.Samples))
	score := QualityScore(db)
	return &Result{QualityScore: &score, VolumeDB: &db}, nil
}
