// Package hls exports a chapter's segment list as an HLS VOD media playlist,
// so the chapter can be played by any HLS-capable client.
package hls

import (
	"fmt"
	"strings"
	"time"

	"github.com/grafov/m3u8"

	"github.com/agleyzer/lessonplayer/internal/manifest"
	"github.com/agleyzer/lessonplayer/pkg/segment"
)

// DefaultSegmentDuration is used for segments whose duration is unknown.
const DefaultSegmentDuration = 5 * time.Second

// Options configures playlist generation.
type Options struct {
	BaseURL string
	Book    string
	Chapter string

	// Language selects the caption used as the #EXTINF title. Empty means no title.
	Language string

	// Durations holds known segment durations by index.
	Durations map[int]time.Duration
}

// MediaPlaylist generates a closed VOD media playlist with one entry per
// segment, in playlist order.
func MediaPlaylist(segments []segment.Segment, opts Options) (string, error) {
	if len(segments) == 0 {
		return "", fmt.Errorf("cannot create playlist with zero segments")
	}

	p, err := m3u8.NewMediaPlaylist(0, uint(len(segments)))
	if err != nil {
		return "", fmt.Errorf("create media playlist: %w", err)
	}
	p.MediaType = m3u8.VOD

	for _, seg := range segments {
		duration := opts.Durations[seg.Index]
		if duration <= 0 {
			duration = DefaultSegmentDuration
		}

		uri := manifest.SegmentURL(opts.BaseURL, opts.Book, opts.Chapter, seg.Index)
		if err := p.Append(uri, duration.Seconds(), title(seg, opts.Language)); err != nil {
			return "", fmt.Errorf("append segment %d: %w", seg.Index, err)
		}
	}

	p.Close()

	return p.String(), nil
}

// title returns a caption safe to use in an #EXTINF line.
func title(seg segment.Segment, lang string) string {
	if lang == "" {
		return ""
	}
	return strings.Join(strings.Fields(seg.Text(lang)), " ")
}
