package sound

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agleyzer/lessonplayer/internal/fetch"
)

func createTestLoader() *MP3Loader {
	cfg := fetch.DefaultConfig()
	cfg.RetryAttempts = 0
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg.Logger = logger
	return NewMP3Loader(fetch.New(cfg), GetDefaultConfig(), logger)
}

func TestConvertBytesToSamples(t *testing.T) {
	tests := []struct {
		name   string
		src    []byte
		volume float64
		want   []int16
	}{
		{
			name:   "full volume",
			src:    []byte{0x10, 0x00, 0xff, 0xff},
			volume: 1,
			want:   []int16{16, -1, 0, 0},
		},
		{
			name:   "half volume",
			src:    []byte{0x00, 0x10, 0x00, 0xf0},
			volume: 0.5,
			want:   []int16{2048, -2048, 0, 0},
		},
		{
			name:   "muted",
			src:    []byte{0xff, 0x7f, 0x00, 0x80},
			volume: 0,
			want:   []int16{0, 0, 0, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := []int16{9, 9, 9, 9}
			convertBytesToSamples(tt.src, dst, tt.volume)
			for i := range tt.want {
				if dst[i] != tt.want[i] {
					t.Errorf("dst[%d] = %d, want %d", i, dst[i], tt.want[i])
				}
			}
		})
	}
}

func TestClampVolume(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{-0.5, 0},
		{0, 0},
		{0.25, 0.25},
		{1, 1},
		{3, 1},
	}

	for _, tt := range tests {
		if got := clampVolume(tt.in); got != tt.want {
			t.Errorf("clampVolume(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestPCMDuration(t *testing.T) {
	// one second of 44.1kHz stereo 16-bit audio
	if got := pcmDuration(44100*bytesPerFrame, 44100); got != time.Second {
		t.Errorf("pcmDuration = %v, want 1s", got)
	}
	if got := pcmDuration(0, 44100); got != 0 {
		t.Errorf("pcmDuration of empty stream = %v, want 0", got)
	}
	if got := pcmDuration(1000, 0); got != 0 {
		t.Errorf("pcmDuration with zero sample rate = %v, want 0", got)
	}
}

func TestHandle_PlayFailsWhenDownloadFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	h := createTestLoader().Load(server.URL + "/0.mp3")
	defer h.Close()

	if h.URL() != server.URL+"/0.mp3" {
		t.Errorf("unexpected URL %q", h.URL())
	}

	err := h.Play(context.Background())

	var statusErr *fetch.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("Expected StatusError, got %v", err)
	}
}

func TestHandle_PlayFailsOnInvalidMP3(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("definitely not an mp3 stream"))
	}))
	defer server.Close()

	h := createTestLoader().Load(server.URL)
	defer h.Close()

	if err := h.Play(context.Background()); err == nil {
		t.Fatal("Expected decode error, got nil")
	}
}

func TestHandle_PlayHonorsContext(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	h := createTestLoader().Load(server.URL)
	defer h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := h.Play(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context.DeadlineExceeded, got %v", err)
	}
}

func TestProbe_DownloadError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	if _, err := Probe(context.Background(), createTestLoader().client, server.URL); err == nil {
		t.Fatal("Expected error, got nil")
	}
}
