// puertocho-sim: hardware stand-in for the hub. Connects to the hardware
// feed, answers button commands and plays synthetic utterances.
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-puertocho/internal/log"
	"github.com/teslashibe/go-puertocho/pkg/audio"
	"github.com/teslashibe/go-puertocho/pkg/feedclient"
	"github.com/teslashibe/go-puertocho/pkg/protocol"
)

const (
	sampleRate = 16000
	toneHz     = 440.0
)

var (
	hubURL    = flag.String("hub", "ws://localhost:8000/ws/hardware", "Hub hardware feed URL")
	device    = flag.String("device", "rpi-sim", "Device ID announced to the hub")
	interval  = flag.Duration("interval", 0, "Play an utterance this often (0 = only on button commands)")
	speech    = flag.Duration("speech", 1500*time.Millisecond, "Length of each synthetic utterance")
	amplitude = flag.Float64("amplitude", 0.3, "Tone amplitude, 0-1 of full scale")
	debug     = flag.Bool("debug", false, "Enable debug logging")
)

type simulator struct {
	client *feedclient.Client
	busy   atomic.Bool
	count  atomic.Int64
}

func main() {
	flag.Parse()

	level := "info"
	if *debug {
		level = "debug"
	}
	log.Init(level)
	logger := log.L()

	fmt.Println()
	fmt.Println("🔌 Puertocho hardware simulator")
	fmt.Printf("   Device %s → %s\n", *device, *hubURL)
	fmt.Println()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sim := &simulator{}
	cfg := feedclient.DefaultConfig(*hubURL + "/" + *device)
	client, err := feedclient.New(cfg,
		feedclient.WithLogger(log.Component("feed")),
		feedclient.WithCommandHandler(func(cmd protocol.ButtonSimulation) {
			logger.Info("button command", "kind", cmd.EventType, "duration", cmd.Duration)
			if cmd.EventType == protocol.PressShort {
				go sim.utterance(ctx)
			}
		}),
		feedclient.WithConnectHandler(func() {
			logger.Info("connected to hub")
			go sim.reportMetrics()
		}),
	)
	if err != nil {
		logger.Error("invalid feed config", "error", err)
		os.Exit(1)
	}
	sim.client = client

	go func() {
		if err := client.Run(ctx); err != nil {
			logger.Error("feed stopped", "error", err)
			cancel()
		}
	}()

	if *interval > 0 {
		go func() {
			ticker := time.NewTicker(*interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					sim.utterance(ctx)
				}
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}
	cancel()
	logger.Info("simulator stopped", "utterances", sim.count.Load())
}

// utterance plays one voice interaction: VAD start, a tone of -speech
// length, VAD end and the captured recording.
func (s *simulator) utterance(ctx context.Context) {
	if !s.busy.CompareAndSwap(false, true) {
		return
	}
	defer s.busy.Store(false)
	logger := log.Component("sim")

	if err := s.client.Send(protocol.VoiceActivityStart{}); err != nil {
		logger.Warn("send voice_activity_start", "error", err)
		return
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(*speech):
	}

	if err := s.client.Send(protocol.VoiceActivityEnd{}); err != nil {
		logger.Warn("send voice_activity_end", "error", err)
		return
	}

	n := s.count.Add(1)
	wav := audio.EncodeWAV(sampleRate, 1, tone(*speech, *amplitude))
	captured := protocol.NewAudioCaptured(fmt.Sprintf("sim_%03d.wav", n), wav, sampleRate, 1, speech.Seconds())
	captured.RequestID = uuid.NewString()
	if err := s.client.Send(captured); err != nil {
		logger.Warn("send audio_captured", "error", err)
		return
	}
	logger.Info("utterance sent", "file", captured.Filename, "bytes", len(wav))
}

func (s *simulator) reportMetrics() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	err := s.client.Send(protocol.HardwareMetrics{Metrics: map[string]any{
		"simulated":   true,
		"goroutines":  runtime.NumGoroutine(),
		"heap_bytes":  mem.HeapAlloc,
		"utterances":  s.count.Load(),
		"sample_rate": sampleRate,
	}})
	if err != nil {
		log.Component("sim").Debug("send hardware_metrics", "error", err)
	}
}

// tone generates a sine wave at toneHz.
func tone(d time.Duration, amp float64) []int16 {
	amp = math.Max(0, math.Min(1, amp))
	n := int(d.Seconds() * sampleRate)
	out := make([]int16, n)
	for i := range out {
		v := amp * math.Sin(2*math.Pi*toneHz*float64(i)/sampleRate)
		out[i] = int16(v * math.MaxInt16)
	}
	return out
}
