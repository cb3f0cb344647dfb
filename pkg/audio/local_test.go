package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"
)

func wav(sampleRate, channels, bits int, samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	buf := make([]byte, 44, 44+len(data))
	copy(buf[0:], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:], uint32(36+len(data)))
	copy(buf[8:], "WAVEfmt ")
	binary.LittleEndian.PutUint32(buf[16:], 16)
	binary.LittleEndian.PutUint16(buf[20:], 1)
	binary.LittleEndian.PutUint16(buf[22:], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:], uint32(sampleRate*channels*bits/8))
	binary.LittleEndian.PutUint16(buf[32:], uint16(channels*bits/8))
	binary.LittleEndian.PutUint16(buf[34:], uint16(bits))
	copy(buf[36:], "data")
	binary.LittleEndian.PutUint32(buf[40:], uint32(len(data)))
	return append(buf, data...)
}

func constant(n int, v int16) []int16 {
	s := make([]int16, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func TestDecodePCM(t *testing.T) {
	info, err := DecodePCM(wav(16000, 1, 16, constant(16000, 100)))
	if err != nil {
		t.Fatalf("DecodePCM: %v", err)
	}
	if info.SampleRate != 16000 || info.Channels != 1 || info.BitsPerSample != 16 {
		t.Errorf("info = %+v", info)
	}
	if d := info.Duration(); d != 1 {
		t.Errorf("duration = %v, want 1", d)
	}
}

func TestEncodeWAV(t *testing.T) {
	samples := []int16{0, 1000, -1000, 32767, -32768, 7}
	data := EncodeWAV(8000, 2, samples)
	if len(data) != 44+len(samples)*2 {
		t.Fatalf("len = %d", len(data))
	}
	info, err := DecodePCM(data)
	if err != nil {
		t.Fatalf("DecodePCM: %v", err)
	}
	if info.SampleRate != 8000 || info.Channels != 2 || info.BitsPerSample != 16 {
		t.Errorf("info = %+v", info)
	}
	for i, want := range samples {
		if got := int16(binary.LittleEndian.Uint16(info.Samples[i*2:])); got != want {
			t.Errorf("sample %d = %d, want %d", i, got, want)
		}
	}
}

func TestDecodePCMRaw(t *testing.T) {
	info, err := DecodePCM(make([]byte, 640))
	if err != nil {
		t.Fatal(err)
	}
	if info.Channels != 1 || info.BitsPerSample != 16 || len(info.Samples) != 640 {
		t.Errorf("raw info = %+v", info)
	}
}

func TestDecodePCMUnsupported(t *testing.T) {
	b := wav(16000, 1, 8, constant(4, 1))
	if _, err := DecodePCM(b); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("8-bit: err = %v", err)
	}

	float := wav(16000, 1, 32, constant(4, 1))
	binary.LittleEndian.PutUint16(float[20:], 3)
	if _, err := DecodePCM(float); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("float: err = %v", err)
	}

	noData := wav(16000, 1, 16, nil)[:36]
	if _, err := DecodePCM(noData); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("no data chunk: err = %v", err)
	}
}

func TestVolumeAndScore(t *testing.T) {
	tests := []struct {
		name  string
		rms   float64
		db    float64
		score float64
	}{
		{"silence clamps", 0, -80, 0},
		{"full scale", 32768, 0, 100},
		{"half scale", 16384, 20 * math.Log10(0.5), 92.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := VolumeDB(tt.rms)
			if math.Abs(db-tt.db) > 0.01 {
				t.Errorf("VolumeDB(%v) = %v, want %v", tt.rms, db, tt.db)
			}
			if s := QualityScore(db); s != tt.score {
				t.Errorf("QualityScore(%v) = %v, want %v", db, s, tt.score)
			}
		})
	}
}

func TestRMS16(t *testing.T) {
	samples := wav(8000, 1, 16, []int16{1000, -1000, 1000, -1000})
	info, _ := DecodePCM(samples)
	if r := RMS16(info.Samples); r != 1000 {
		t.Errorf("RMS16 = %v, want 1000", r)
	}
	if r := RMS16(nil); r != 0 {
		t.Errorf("RMS16(nil) = %v", r)
	}
}

func TestLocalProcessor(t *testing.T) {
	res, err := LocalProcessor{}.Process(context.Background(), &Item{}, wav(16000, 1, 16, constant(1600, 16384)))
	if err != nil {
		t.Fatal(err)
	}
	if res.QualityScore == nil || *res.QualityScore != 92.5 {
		t.Errorf("quality = %v", res.QualityScore)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (LocalProcessor{}).Process(ctx, &Item{}, []byte{0, 0}); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled err = %v", err)
	}
}

func TestChain(t *testing.T) {
	score := 10.0
	first := ProcessorFunc(func(context.Context, *Item, []byte) (*Result, error) {
		return &Result{QualityScore: &score, Transcript: "hola"}, nil
	})
	second := ProcessorFunc(func(context.Context, *Item, []byte) (*Result, error) {
		return &Result{ResponseText: "hola, que tal"}, nil
	})
	res, err := Chain(first, second).Process(context.Background(), &Item{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if *res.QualityScore != 10 || res.Transcript != "hola" || res.ResponseText != "hola, que tal" {
		t.Errorf("merged = %+v", res)
	}

	boom := errors.New("boom")
	failing := ProcessorFunc(func(context.Context, *Item, []byte) (*Result, error) { return nil, boom })
	if _, err := Chain(failing, second).Process(context.Background(), &Item{}, nil); !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
	if _, err := Chain().Process(context.Background(), &Item{}, nil); err == nil {
		t.Error("empty chain should fail")
	}
}
