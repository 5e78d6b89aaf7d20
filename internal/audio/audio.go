// Package audio defines the playback primitive used by the playlist
// controller.
package audio

import (
	"context"
	"errors"
)

// ErrClosed is returned by Play on a handle that has been closed.
var ErrClosed = errors.New("audio handle closed")

// Handle is a single loaded audio resource.
type Handle interface {
	// URL returns the location the handle was loaded from.
	URL() string

	// Play starts or resumes playback. It blocks until the audio is
	// buffered and output has started, or until ctx is done.
	Play(ctx context.Context) error

	// Pause stops output immediately, keeping the playback position.
	Pause()

	// SetVolume sets the output gain in [0,1].
	SetVolume(v float64)

	// OnEnded registers the callback fired when playback reaches the end.
	OnEnded(fn func())

	// OnError registers the callback fired when playback fails after it started.
	OnError(fn func(error))

	// Close stops output, releases the resource and detaches callbacks.
	Close() error
}

// Loader creates handles. Load returns immediately and the audio is
// fetched in the background.
type Loader interface {
	Load(url string) Handle
}
