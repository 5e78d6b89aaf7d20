// Package sound plays MP3 segments on the default output device through
// PortAudio.
package sound

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/hajimehoshi/go-mp3"

	"github.com/agleyzer/lessonplayer/internal/audio"
	"github.com/agleyzer/lessonplayer/internal/fetch"
)

// go-mp3 always decodes to 16-bit little-endian stereo.
const (
	channels       = 2
	bytesPerSample = 2
	bytesPerFrame  = channels * bytesPerSample
)

// PlayerConfig configures PortAudio output.
type PlayerConfig struct {
	FramesPerBuffer int

	// PreloadTimeout bounds the background download of a segment.
	PreloadTimeout time.Duration
}

// GetDefaultConfig returns the default output configuration.
func GetDefaultConfig() PlayerConfig {
	return PlayerConfig{
		FramesPerBuffer: 1024,
		PreloadTimeout:  60 * time.Second,
	}
}

// MP3Loader downloads MP3 segments and plays them on the default output device.
type MP3Loader struct {
	client *fetch.Client
	config PlayerConfig
	logger *slog.Logger
}

// NewMP3Loader creates a loader. Initialize must be called before any handle plays.
func NewMP3Loader(client *fetch.Client, config PlayerConfig, logger *slog.Logger) *MP3Loader {
	if config.FramesPerBuffer <= 0 {
		config.FramesPerBuffer = GetDefaultConfig().FramesPerBuffer
	}
	return &MP3Loader{
		client: client,
		config: config,
		logger: logger,
	}
}

// Initialize initializes the PortAudio library.
func (l *MP3Loader) Initialize() error {
	return portaudio.Initialize()
}

// Terminate releases the PortAudio library.
func (l *MP3Loader) Terminate() {
	portaudio.Terminate()
}

// Load starts downloading url in the background and returns its handle.
func (l *MP3Loader) Load(url string) audio.Handle {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if l.config.PreloadTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), l.config.PreloadTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	h := &mp3Handle{
		url:             url,
		framesPerBuffer: l.config.FramesPerBuffer,
		logger:          l.logger.With("url", url),
		loaded:          make(chan struct{}),
		cancelLoad:      cancel,
	}
	h.volume.Store(math.Float64bits(1))

	go h.load(ctx, l.client)

	return h
}

var _ audio.Handle = (*mp3Handle)(nil)

type mp3Handle struct {
	url             string
	framesPerBuffer int
	logger          *slog.Logger

	loaded     chan struct{}
	cancelLoad context.CancelFunc
	decoder    *mp3.Decoder
	loadErr    error

	volume atomic.Uint64

	mu      sync.Mutex
	stream  *portaudio.Stream
	buffer  []int16
	stop    chan struct{}
	done    chan struct{}
	closed  bool
	onEnded func()
	onError func(error)
}

func (h *mp3Handle) URL() string {
	return h.url
}

func (h *mp3Handle) load(ctx context.Context, client *fetch.Client) {
	defer close(h.loaded)
	defer h.cancelLoad()

	start := time.Now()
	data, err := client.GetBytes(ctx, h.url)
	if err != nil {
		h.loadErr = fmt.Errorf("download segment: %w", err)
		h.logger.Debug("segment preload failed", "error", err)
		return
	}

	decoder, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		h.loadErr = fmt.Errorf("decode segment: %w", err)
		return
	}
	h.decoder = decoder

	h.logger.Debug("segment preloaded",
		"bytes", len(data),
		"sampleRate", decoder.SampleRate(),
		"duration", time.Since(start),
	)
}

func (h *mp3Handle) Play(ctx context.Context) error {
	select {
	case <-h.loaded:
	case <-ctx.Done():
		return ctx.Err()
	}

	if h.loadErr != nil {
		return h.loadErr
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return audio.ErrClosed
	}
	if h.stop != nil {
		return nil
	}

	if h.stream == nil {
		h.buffer = make([]int16, h.framesPerBuffer*channels)
		stream, err := portaudio.OpenDefaultStream(
			0,
			channels,
			float64(h.decoder.SampleRate()),
			h.framesPerBuffer,
			h.buffer,
		)
		if err != nil {
			return fmt.Errorf("open output stream: %w", err)
		}
		h.stream = stream
	}

	if err := h.stream.Start(); err != nil {
		return fmt.Errorf("start output stream: %w", err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	h.stop = stop
	h.done = done

	go h.run(stop, done)

	return nil
}

// run drives the output stream until the decoder is exhausted, an error
// occurs, or stop is closed.
func (h *mp3Handle) run(stop, done chan struct{}) {
	err := h.pump(stop)
	close(done)

	h.mu.Lock()
	if h.stop != stop {
		// paused or closed; not a natural end
		h.mu.Unlock()
		return
	}
	h.stop = nil
	h.done = nil
	if stopErr := h.stream.Stop(); stopErr != nil {
		h.logger.Debug("failed to stop output stream", "error", stopErr)
	}
	onEnded, onError := h.onEnded, h.onError
	h.mu.Unlock()

	if err != nil {
		h.logger.Warn("segment playback failed", "error", err)
		if onError != nil {
			onError(err)
		}
		return
	}

	if onEnded != nil {
		onEnded()
	}
}

// pump copies decoded PCM into the output stream. It returns nil on
// natural end of stream.
func (h *mp3Handle) pump(stop <-chan struct{}) error {
	raw := make([]byte, len(h.buffer)*bytesPerSample)

	for {
		select {
		case <-stop:
			return nil
		default:
		}

		n, err := io.ReadFull(h.decoder, raw)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return fmt.Errorf("decode: %w", err)
		}
		if n == 0 {
			return nil
		}

		volume := math.Float64frombits(h.volume.Load())
		convertBytesToSamples(raw[:n], h.buffer, volume)

		if err := h.stream.Write(); err != nil {
			return fmt.Errorf("write output: %w", err)
		}

		if n < len(raw) {
			return nil
		}
	}
}

func (h *mp3Handle) Pause() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.halt()
}

// halt stops a running pump. Caller must hold h.mu.
func (h *mp3Handle) halt() {
	if h.stop == nil {
		return
	}

	close(h.stop)
	<-h.done
	h.stop = nil
	h.done = nil

	if err := h.stream.Stop(); err != nil {
		h.logger.Debug("failed to stop output stream", "error", err)
	}
}

func (h *mp3Handle) SetVolume(v float64) {
	h.volume.Store(math.Float64bits(clampVolume(v)))
}

func (h *mp3Handle) OnEnded(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onEnded = fn
}

func (h *mp3Handle) OnError(fn func(error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onError = fn
}

func (h *mp3Handle) Close() error {
	h.cancelLoad()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true
	h.onEnded = nil
	h.onError = nil

	h.halt()

	if h.stream != nil {
		return h.stream.Close()
	}
	return nil
}

// convertBytesToSamples converts little-endian 16-bit PCM into samples,
// applying volume and zero-filling the rest of dst.
func convertBytesToSamples(src []byte, dst []int16, volume float64) {
	n := len(src) / bytesPerSample
	if n > len(dst) {
		n = len(dst)
	}

	for i := 0; i < n; i++ {
		sample := int16(uint16(src[2*i]) | uint16(src[2*i+1])<<8)
		dst[i] = int16(float64(sample) * volume)
	}
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

func clampVolume(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// Probe downloads an MP3 and returns its decoded duration.
func Probe(ctx context.Context, client *fetch.Client, url string) (time.Duration, error) {
	data, err := client.GetBytes(ctx, url)
	if err != nil {
		return 0, fmt.Errorf("download: %w", err)
	}

	decoder, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("decode: %w", err)
	}

	return pcmDuration(decoder.Length(), decoder.SampleRate()), nil
}

// pcmDuration converts a decoded stereo 16-bit PCM length in bytes to a duration.
func pcmDuration(length int64, sampleRate int) time.Duration {
	if length <= 0 || sampleRate <= 0 {
		return 0
	}
	frames := length / bytesPerFrame
	return time.Duration(frames) * time.Second / time.Duration(sampleRate)
}
