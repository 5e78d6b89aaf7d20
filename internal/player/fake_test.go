package player

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agleyzer/lessonplayer/internal/audio"
	"github.com/agleyzer/lessonplayer/pkg/segment"
)

const testBaseURL = "https://example.com/files"

type fakeHandle struct {
	mu      sync.Mutex
	url     string
	playErr error
	gate    chan struct{}
	// gates, if set, blocks successive Play calls on their own gate.
	gates   []chan struct{}
	entered int
	playing bool
	plays   int
	volume  float64
	closed  bool
	onEnded func()
	onError func(error)
}

func (h *fakeHandle) URL() string { return h.url }

func (h *fakeHandle) Play(ctx context.Context) error {
	h.mu.Lock()
	gate := h.gate
	h.entered++
	if len(h.gates) > 0 {
		gate = h.gates[0]
		h.gates = h.gates[1:]
	}
	h.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return audio.ErrClosed
	}
	if h.playErr != nil {
		return h.playErr
	}
	h.playing = true
	h.plays++
	return nil
}

func (h *fakeHandle) Pause() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.playing = false
}

func (h *fakeHandle) SetVolume(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.volume = v
}

func (h *fakeHandle) OnEnded(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onEnded = fn
}

func (h *fakeHandle) OnError(fn func(error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onError = fn
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.playing = false
	return nil
}

// end simulates the natural end of the segment.
func (h *fakeHandle) end() {
	h.mu.Lock()
	fn := h.onEnded
	h.playing = false
	h.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// fail simulates a playback error after start.
func (h *fakeHandle) fail(err error) {
	h.mu.Lock()
	fn := h.onError
	h.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// gatePlays makes the next n Play calls each wait on their own gate.
func (h *fakeHandle) gatePlays(n int) []chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	gates := make([]chan struct{}, n)
	for i := range gates {
		gates[i] = make(chan struct{})
	}
	h.gates = append(h.gates, gates...)
	return gates
}

// enteredPlays returns how many Play calls have started.
func (h *fakeHandle) enteredPlays() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.entered
}

func (h *fakeHandle) isPlaying() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.playing
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *fakeHandle) getVolume() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.volume
}

type fakeLoader struct {
	mu      sync.Mutex
	handles []*fakeHandle
	// prepare, if set, configures each handle before it is returned.
	prepare func(h *fakeHandle)
}

func (l *fakeLoader) Load(url string) audio.Handle {
	h := &fakeHandle{url: url}
	if l.prepare != nil {
		l.prepare(h)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.handles = append(l.handles, h)
	return h
}

func (l *fakeLoader) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handles)
}

// last returns the most recently loaded handle whose URL ends with name.
func (l *fakeLoader) last(name string) *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.handles) - 1; i >= 0; i-- {
		if strings.HasSuffix(l.handles[i].url, "/"+name) {
			return l.handles[i]
		}
	}
	return nil
}

func (l *fakeLoader) urls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.handles))
	for i, h := range l.handles {
		out[i] = h.url
	}
	return out
}

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func createTestSegments(count int) []segment.Segment {
	segments := make([]segment.Segment, count)
	for i := range segments {
		segments[i] = segment.New(i, map[string]string{
			"en": "sentence " + segment.FileName(i),
			"pl": "zdanie " + segment.FileName(i),
		})
	}
	return segments
}

func createTestController(t *testing.T, count int) (*Controller, *fakeLoader) {
	t.Helper()

	loader := &fakeLoader{}
	c, err := New(Config{
		BaseURL: testBaseURL,
		Loader:  loader,
		Logger:  createTestLogger(),
	}, "book", "1", createTestSegments(count))
	require.NoError(t, err)

	t.Cleanup(func() { c.Destroy() })

	return c, loader
}

// recorder collects observer notifications.
type recorder struct {
	mu       sync.Mutex
	indexes  []int
	statuses []Status
}

func (r *recorder) attach(c *Controller) {
	c.OnCurrentIndexChange(func(index int) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.indexes = append(r.indexes, index)
	})
	c.OnStatusChange(func(status Status) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.statuses = append(r.statuses, status)
	})
}

func (r *recorder) gotIndexes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.indexes...)
}

func (r *recorder) gotStatuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.statuses...)
}
