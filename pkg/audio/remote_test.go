package audio

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/teslashibe/go-puertocho/internal/httpc"
)

func TestRemoteProcessor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/audio/process" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		f, hdr, err := r.FormFile("audio")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(f)
		var meta map[string]any
		if err := json.Unmarshal([]byte(r.FormValue("metadata")), &meta); err != nil {
			http.Error(w, "bad metadata", http.StatusBadRequest)
			return
		}
		if hdr.Filename != "utt.wav" || len(body) != 4 || meta["id"] != "item-1" {
			http.Error(w, "unexpected upload", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success":       true,
			"transcription": "pon musica",
			"text":          "Reproduciendo musica",
			"audio_url":     "http://backend/tts/1.wav",
			"intent":        "play_music",
			"confidence":    0.9,
		})
	}))
	defer srv.Close()

	p := NewRemoteProcessor(srv.URL+"/", time.Second)
	res, err := p.Process(context.Background(), &Item{ID: "item-1", Filename: "utt.wav"}, []byte{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Transcript != "pon musica" || res.ResponseText != "Reproduciendo musica" || res.Intent != "play_music" {
		t.Errorf("result = %+v", res)
	}
}

func TestRemoteProcessorErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		switch r.URL.Path {
		case "/reject/api/audio/process":
			w.WriteHeader(http.StatusUnprocessableEntity)
		default:
			json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "no speech"})
		}
	}))
	defer srv.Close()

	p := NewRemoteProcessor(srv.URL, time.Second)
	p.Retry = httpc.Retry{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	_, err := p.Process(context.Background(), &Item{Filename: "a.wav"}, []byte{1})
	if err == nil || calls.Load() != 1 {
		t.Fatalf("success=false: err = %v, calls = %d", err, calls.Load())
	}

	calls.Store(0)
	p.BaseURL = srv.URL + "/reject"
	_, err = p.Process(context.Background(), &Item{Filename: "a.wav"}, []byte{1})
	var se *httpc.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("err = %v, want 422 StatusError", err)
	}
	if calls.Load() != 1 {
		t.Errorf("4xx retried: %d calls", calls.Load())
	}
}
