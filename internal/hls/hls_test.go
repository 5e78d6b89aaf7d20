package hls

import (
	"strings"
	"testing"
	"time"

	"github.com/grafov/m3u8"

	"github.com/agleyzer/lessonplayer/pkg/segment"
)

func createTestSegments(count int) []segment.Segment {
	segments := make([]segment.Segment, count)
	for i := range segments {
		segments[i] = segment.New(i, map[string]string{
			"en": "line\n" + segment.FileName(i),
		})
	}
	return segments
}

func TestMediaPlaylist(t *testing.T) {
	segments := createTestSegments(3)

	content, err := MediaPlaylist(segments, Options{
		BaseURL:   "https://example.com/files",
		Book:      "book",
		Chapter:   "1",
		Language:  "en",
		Durations: map[int]time.Duration{0: 2500 * time.Millisecond, 2: 7 * time.Second},
	})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if !strings.Contains(content, "#EXT-X-ENDLIST") {
		t.Error("VOD playlist must be closed with #EXT-X-ENDLIST")
	}
	if !strings.Contains(content, "#EXT-X-PLAYLIST-TYPE:VOD") {
		t.Error("Expected #EXT-X-PLAYLIST-TYPE:VOD")
	}

	playlist, listType, err := m3u8.DecodeFrom(strings.NewReader(content), true)
	if err != nil {
		t.Fatalf("generated playlist does not parse: %v", err)
	}
	if listType != m3u8.MEDIA {
		t.Fatalf("Expected media playlist, got %v", listType)
	}

	media := playlist.(*m3u8.MediaPlaylist)
	var got []*m3u8.MediaSegment
	for _, seg := range media.Segments {
		if seg != nil {
			got = append(got, seg)
		}
	}

	if len(got) != 3 {
		t.Fatalf("Expected 3 segments, got %d", len(got))
	}

	wantDurations := []float64{2.5, DefaultSegmentDuration.Seconds(), 7}
	for i, seg := range got {
		if seg.URI != "https://example.com/files/book/1/"+segment.FileName(i) {
			t.Errorf("segment %d: URI = %q", i, seg.URI)
		}
		if seg.Duration != wantDurations[i] {
			t.Errorf("segment %d: Duration = %v, want %v", i, seg.Duration, wantDurations[i])
		}
		if want := "line " + segment.FileName(i); seg.Title != want {
			t.Errorf("segment %d: Title = %q, want %q", i, seg.Title, want)
		}
	}
}

func TestMediaPlaylist_NoSegments(t *testing.T) {
	if _, err := MediaPlaylist(nil, Options{}); err == nil {
		t.Fatal("Expected error for zero segments, got nil")
	}
}
