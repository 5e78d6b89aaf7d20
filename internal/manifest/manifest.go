// Package manifest fetches and parses chapter content manifests.
//
// A manifest is a JSON object that maps a segment key such as "0.mp3" to
// the segment's captions keyed by language tag:
//
//	{
//	  "0.mp3": {"en": "Good morning", "pl": "Dzień dobry"},
//	  "1.mp3": {"en": "Thank you", "pl": "Dziękuję"}
//	}
//
// Keys are ordered by their leading integer, not lexicographically, and the
// resulting segments are renamed densely to 0.mp3, 1.mp3, ...
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/agleyzer/lessonplayer/internal/fetch"
	"github.com/agleyzer/lessonplayer/pkg/segment"
)

// FileName is the manifest file name inside a chapter directory.
const FileName = "content.json"

// ManifestError reports a failure to fetch or parse a manifest.
type ManifestError struct {
	URL string
	Err error
}

func (e *ManifestError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("manifest: %v", e.Err)
	}
	return fmt.Sprintf("manifest %s: %v", e.URL, e.Err)
}

func (e *ManifestError) Unwrap() error {
	return e.Err
}

// URL returns the manifest URL for a book chapter.
func URL(baseURL, book, chapter string) string {
	return chapterURL(baseURL, book, chapter) + FileName
}

// SegmentURL returns the audio URL of the segment at index.
func SegmentURL(baseURL, book, chapter string, index int) string {
	return chapterURL(baseURL, book, chapter) + segment.FileName(index)
}

func chapterURL(baseURL, book, chapter string) string {
	return strings.TrimRight(baseURL, "/") + "/" + url.PathEscape(book) + "/" + url.PathEscape(chapter) + "/"
}

// Fetch downloads and parses the manifest of a book chapter.
// Every failure is returned as a *ManifestError.
func Fetch(ctx context.Context, client *fetch.Client, baseURL, book, chapter string) ([]segment.Segment, error) {
	manifestURL := URL(baseURL, book, chapter)

	resp, err := client.Get(ctx, manifestURL)
	if err != nil {
		return nil, &ManifestError{URL: manifestURL, Err: fmt.Errorf("fetch: %w", err)}
	}
	defer resp.Body.Close()

	segments, err := Parse(resp.Body)
	if err != nil {
		var manifestErr *ManifestError
		if errors.As(err, &manifestErr) {
			manifestErr.URL = manifestURL
			return nil, manifestErr
		}
		return nil, &ManifestError{URL: manifestURL, Err: err}
	}

	return segments, nil
}

type entry struct {
	key   string
	order int
	text  map[string]string
}

// Parse decodes a manifest and returns its segments in numeric key order.
func Parse(r io.Reader) ([]segment.Segment, error) {
	var raw map[string]map[string]any
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, &ManifestError{Err: fmt.Errorf("decode: %w", err)}
	}

	entries := make([]entry, 0, len(raw))
	for key, fields := range raw {
		order, err := leadingInt(key)
		if err != nil {
			return nil, &ManifestError{Err: err}
		}

		text := make(map[string]string, len(fields))
		for lang, v := range fields {
			// fileName is assigned here, not taken from the source
			if lang == "fileName" {
				continue
			}
			s, ok := v.(string)
			if !ok {
				return nil, &ManifestError{Err: fmt.Errorf("key %q: field %q is not a string", key, lang)}
			}
			text[lang] = s
		}

		entries = append(entries, entry{key: key, order: order, text: text})
	}

	if len(entries) == 0 {
		return nil, &ManifestError{Err: fmt.Errorf("manifest contains no segments")}
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].order != entries[j].order {
			return entries[i].order < entries[j].order
		}
		return entries[i].key < entries[j].key
	})

	segments := make([]segment.Segment, len(entries))
	for i, e := range entries {
		segments[i] = segment.New(i, e.text)
	}

	return segments, nil
}

// leadingInt parses the integer prefix of a key such as "12.mp3".
func leadingInt(key string) (int, error) {
	end := 0
	for end < len(key) && key[end] >= '0' && key[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, fmt.Errorf("key %q has no numeric prefix", key)
	}

	n, err := strconv.Atoi(key[:end])
	if err != nil {
		return 0, fmt.Errorf("key %q: %w", key, err)
	}
	return n, nil
}
