// Package player implements the sequential segment playlist controller.
//
// A Controller owns two audio handles: the current one, which is playing or
// ready to play, and the next one, which is preloaded so that advancing to
// the following segment has no load gap. Every advance releases the current
// handle, promotes the next one and preloads a fresh next handle. The
// segment order is circular.
package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/agleyzer/lessonplayer/internal/audio"
	"github.com/agleyzer/lessonplayer/internal/fetch"
	"github.com/agleyzer/lessonplayer/internal/manifest"
	"github.com/agleyzer/lessonplayer/pkg/segment"
)

// DefaultSeekDelay is the pause before playback starts after a seek.
const DefaultSeekDelay = 300 * time.Millisecond

var (
	// ErrDestroyed is returned by operations on a destroyed controller.
	ErrDestroyed = errors.New("controller destroyed")

	// ErrIndexOutOfRange is returned when seeking outside the playlist.
	ErrIndexOutOfRange = errors.New("segment index out of range")

	// ErrEmptyPlaylist is returned when a controller is built without segments.
	ErrEmptyPlaylist = errors.New("playlist contains no segments")
)

// PlaybackError reports a failure to start playback of a segment.
type PlaybackError struct {
	Index int
	URL   string
	Err   error
}

func (e *PlaybackError) Error() string {
	return fmt.Sprintf("play segment %d (%s): %v", e.Index, e.URL, e.Err)
}

func (e *PlaybackError) Unwrap() error {
	return e.Err
}

// Config holds the collaborators of a controller.
type Config struct {
	// BaseURL is the root under which <book>/<chapter>/ content is served.
	BaseURL string

	// Loader opens segment audio handles.
	Loader audio.Loader

	// Client fetches the manifest. Only used by Create.
	Client *fetch.Client

	Logger *slog.Logger
}

// State is a point-in-time view of a controller.
type State struct {
	Book      string          `json:"book"`
	Chapter   string          `json:"chapter"`
	Index     int             `json:"index"`
	NextIndex int             `json:"nextIndex"`
	Length    int             `json:"length"`
	Status    Status          `json:"status"`
	Volume    float64         `json:"volume"`
	Segment   segment.Segment `json:"segment"`
}

// Controller sequences playback of a chapter's segments.
type Controller struct {
	book     string
	chapter  string
	baseURL  string
	segments []segment.Segment
	loader   audio.Loader
	logger   *slog.Logger

	mu sync.Mutex

	current   audio.Handle
	next      audio.Handle
	nextIndex int
	volume    float64
	status    Status

	// currentPlaying reports whether current has been started and not paused.
	currentPlaying bool
	// generation is bumped by every advance; handle events and delayed plays
	// from an older generation are dropped.
	generation uint64
	// pauses is bumped by every Pause so an in-flight acquisition can tell
	// that it was overridden.
	pauses uint64
	// acquisitions is bumped by every handle acquisition started by play.
	acquisitions uint64
	cancelWait   context.CancelFunc
	destroyed    bool

	indexObservers  []observer[int]
	statusObservers []observer[Status]
	pending         []event
	delivering      bool
}

// Create fetches the manifest of a book chapter and returns a controller
// positioned on its first segment. Manifest failures are returned as
// *manifest.ManifestError and no controller is created.
func Create(ctx context.Context, cfg Config, book, chapter string) (*Controller, error) {
	if cfg.Client == nil {
		cfg.Client = fetch.New(fetch.DefaultConfig())
	}

	segments, err := manifest.Fetch(ctx, cfg.Client, cfg.BaseURL, book, chapter)
	if err != nil {
		return nil, err
	}

	return New(cfg, book, chapter, segments)
}

// New creates a controller over an already parsed segment list. The first
// segment becomes current and the second one starts preloading; New does
// not wait for either load.
func New(cfg Config, book, chapter string, segments []segment.Segment) (*Controller, error) {
	if len(segments) == 0 {
		return nil, ErrEmptyPlaylist
	}
	if cfg.Loader == nil {
		return nil, fmt.Errorf("audio loader is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		book:     book,
		chapter:  chapter,
		baseURL:  cfg.BaseURL,
		segments: append([]segment.Segment(nil), segments...),
		loader:   cfg.Loader,
		logger:   logger.With("book", book, "chapter", chapter),
		volume:   1,
		status:   StatusPaused,
	}

	c.mu.Lock()
	c.next = c.loadLocked(0)
	c.advanceLocked()
	c.pending = nil
	c.mu.Unlock()

	c.logger.Info("playlist created", "segments", len(segments))

	return c, nil
}

// Book returns the book identifier.
func (c *Controller) Book() string { return c.book }

// Chapter returns the chapter identifier.
func (c *Controller) Chapter() string { return c.chapter }

// Len returns the number of segments.
func (c *Controller) Len() int { return len(c.segments) }

// Segments returns a copy of the ordered segment list.
func (c *Controller) Segments() []segment.Segment {
	return append([]segment.Segment(nil), c.segments...)
}

// Segment returns the segment at index.
func (c *Controller) Segment(index int) (segment.Segment, bool) {
	if index < 0 || index >= len(c.segments) {
		return segment.Segment{}, false
	}
	return c.segments[index], true
}

// SegmentURL returns the audio URL of the segment at index.
func (c *Controller) SegmentURL(index int) string {
	return manifest.SegmentURL(c.baseURL, c.book, c.chapter, index)
}

// Status returns the playback status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SetStatus sets the status and notifies status observers.
func (c *Controller) SetStatus(s Status) {
	c.mu.Lock()
	c.setStatusLocked(s)
	c.mu.Unlock()
	c.flush()
}

// CurrentIndex returns the index of the current segment.
func (c *Controller) CurrentIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentIndexLocked()
}

// NextIndex returns the index of the preloaded segment.
func (c *Controller) NextIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextIndex
}

// Volume returns the output volume.
func (c *Controller) Volume() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.volume
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	index := c.currentIndexLocked()
	return State{
		Book:      c.book,
		Chapter:   c.chapter,
		Index:     index,
		NextIndex: c.nextIndex,
		Length:    len(c.segments),
		Status:    c.status,
		Volume:    c.volume,
		Segment:   c.segments[index],
	}
}

// SetVolume sets the volume of both the current and the preloaded handle,
// clamped to [0,1].
func (c *Controller) SetVolume(v float64) {
	switch {
	case math.IsNaN(v), v < 0:
		v = 0
	case v > 1:
		v = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return
	}
	c.volume = v
	c.current.SetVolume(v)
	c.next.SetVolume(v)
}

// Play starts playback of the current segment. While the audio is being
// acquired the status is LOADING. On failure the status returns to PAUSED
// and a *PlaybackError is returned.
func (c *Controller) Play(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	gen := c.generation
	c.mu.Unlock()

	return c.play(ctx, gen)
}

// play starts the current handle if it still belongs to generation gen.
func (c *Controller) play(ctx context.Context, gen uint64) error {
	c.mu.Lock()
	if c.destroyed || gen != c.generation {
		c.mu.Unlock()
		return nil
	}
	if c.currentPlaying {
		if c.status != StatusPlaying {
			c.setStatusLocked(StatusPlaying)
		}
		c.mu.Unlock()
		c.flush()
		return nil
	}

	h := c.current
	index := c.currentIndexLocked()
	pauses := c.pauses
	c.acquisitions++
	acquisition := c.acquisitions
	c.setStatusLocked(StatusLoading)
	c.mu.Unlock()
	c.flush()

	err := h.Play(ctx)

	c.mu.Lock()
	if c.destroyed || gen != c.generation {
		// superseded by an advance, which already released h
		c.mu.Unlock()
		return nil
	}
	if pauses != c.pauses {
		// a newer acquisition of h owns its output
		if err == nil && acquisition == c.acquisitions && !c.currentPlaying {
			h.Pause()
		}
		c.mu.Unlock()
		return nil
	}
	if err != nil {
		c.setStatusLocked(StatusPaused)
		c.mu.Unlock()
		c.flush()
		c.logger.Warn("failed to start playback", "index", index, "error", err)
		return &PlaybackError{Index: index, URL: h.URL(), Err: err}
	}

	c.currentPlaying = true
	c.setStatusLocked(StatusPlaying)
	c.mu.Unlock()
	c.flush()

	return nil
}

// Pause stops the current segment and sets the status to PAUSED. A pending
// delayed play is cancelled.
func (c *Controller) Pause() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}

	c.current.Pause()
	c.currentPlaying = false
	c.pauses++
	c.cancelWaitLocked()
	c.setStatusLocked(StatusPaused)
	c.mu.Unlock()

	c.flush()
}

// Next advances to the following segment, wrapping around at the end. If
// playback was not paused it resumes on the new segment after delay.
func (c *Controller) Next(ctx context.Context, delay time.Duration) error {
	return c.advance(ctx, delay, nil)
}

// Prev moves to the previous segment, wrapping around at the start. With a
// single segment it restarts that segment.
func (c *Controller) Prev(ctx context.Context, delay time.Duration) error {
	return c.advance(ctx, delay, func() (bool, error) {
		n := len(c.segments)
		c.replaceNextLocked((c.currentIndexLocked() - 1 + n) % n)
		return true, nil
	})
}

// SetCurrentIndex jumps to the segment at index. Jumping to the current
// index does nothing.
func (c *Controller) SetCurrentIndex(ctx context.Context, index int, delay time.Duration) error {
	return c.advance(ctx, delay, func() (bool, error) {
		if index < 0 || index >= len(c.segments) {
			return false, fmt.Errorf("%w: %d not in [0,%d)", ErrIndexOutOfRange, index, len(c.segments))
		}
		if index == c.currentIndexLocked() {
			return false, nil
		}
		c.replaceNextLocked(index)
		return true, nil
	})
}

// Destroy releases both handles and cancels pending work. Late events from
// released handles are ignored. Destroy is idempotent.
func (c *Controller) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return nil
	}
	c.destroyed = true
	c.generation++
	c.cancelWaitLocked()

	err := errors.Join(c.releaseLocked(c.current), c.releaseLocked(c.next))
	c.current = nil
	c.next = nil
	c.currentPlaying = false

	c.indexObservers = nil
	c.statusObservers = nil
	c.pending = nil

	c.logger.Info("playlist destroyed")

	return err
}

// advance runs prepare and the advance in one critical section, then
// resumes playback after delay if the controller was not paused. prepare
// may veto the advance by returning false.
func (c *Controller) advance(ctx context.Context, delay time.Duration, prepare func() (bool, error)) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}

	if prepare != nil {
		ok, err := prepare()
		if err != nil || !ok {
			c.mu.Unlock()
			return err
		}
	}

	gen := c.advanceLocked()

	if c.status == StatusPaused {
		c.mu.Unlock()
		c.flush()
		return nil
	}

	waitCtx, cancel := context.WithCancel(ctx)
	c.cancelWait = cancel
	c.mu.Unlock()
	c.flush()

	defer cancel()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-waitCtx.Done():
			// superseded, paused or destroyed
			return ctx.Err()
		}
	}

	err := c.play(waitCtx, gen)
	if err != nil && waitCtx.Err() != nil && ctx.Err() == nil {
		return nil
	}
	return err
}

// advanceLocked releases the current handle, promotes the preloaded one
// and preloads the following segment. Caller must hold c.mu.
func (c *Controller) advanceLocked() uint64 {
	if c.current != nil {
		if err := c.releaseLocked(c.current); err != nil {
			c.logger.Debug("failed to release segment", "error", err)
		}
	}
	c.cancelWaitLocked()

	c.current = c.next
	c.currentPlaying = false
	c.nextIndex = (c.nextIndex + 1) % len(c.segments)
	c.next = c.loadLocked(c.nextIndex)

	c.generation++
	gen := c.generation

	index := c.currentIndexLocked()
	c.emitIndexLocked(index)

	c.current.OnEnded(func() { c.handleEnded(gen) })
	c.current.OnError(func(err error) { c.handleError(gen, err) })

	c.logger.Debug("advanced",
		"index", index,
		"next", c.nextIndex,
		"status", c.status,
	)

	return gen
}

// handleEnded continues with the following segment when the current one
// ends naturally. Playback resumes only if the status is not PAUSED.
func (c *Controller) handleEnded(gen uint64) {
	err := c.advance(context.Background(), 0, func() (bool, error) {
		return gen == c.generation, nil
	})
	if err != nil && !errors.Is(err, ErrDestroyed) {
		c.logger.Warn("failed to continue after segment end", "error", err)
	}
}

// handleError stops playback when the current segment fails mid-play.
// There is no retry and no skip to the next segment.
func (c *Controller) handleError(gen uint64, err error) {
	c.mu.Lock()
	if c.destroyed || gen != c.generation {
		c.mu.Unlock()
		return
	}

	c.logger.Warn("segment playback error", "index", c.currentIndexLocked(), "error", err)
	c.currentPlaying = false
	c.setStatusLocked(StatusPaused)
	c.mu.Unlock()

	c.flush()
}

// replaceNextLocked discards the preloaded handle and preloads index in
// its place, so that the following advance lands on index.
func (c *Controller) replaceNextLocked(index int) {
	if err := c.releaseLocked(c.next); err != nil {
		c.logger.Debug("failed to release preloaded segment", "error", err)
	}
	c.nextIndex = index
	c.next = c.loadLocked(index)
}

func (c *Controller) loadLocked(index int) audio.Handle {
	url := c.SegmentURL(index)
	c.logger.Debug("preloading segment", "index", index, "url", url)

	h := c.loader.Load(url)
	h.SetVolume(c.volume)
	return h
}

func (c *Controller) releaseLocked(h audio.Handle) error {
	if h == nil {
		return nil
	}
	h.OnEnded(nil)
	h.OnError(nil)
	h.Pause()
	return h.Close()
}

func (c *Controller) cancelWaitLocked() {
	if c.cancelWait != nil {
		c.cancelWait()
		c.cancelWait = nil
	}
}

func (c *Controller) setStatusLocked(s Status) {
	c.status = s
	c.emitStatusLocked(s)
}

func (c *Controller) currentIndexLocked() int {
	n := len(c.segments)
	return (c.nextIndex - 1 + n) % n
}
