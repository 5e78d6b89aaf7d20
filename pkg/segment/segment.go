// Package segment defines data structures for numbered audio segments.
package segment

import (
	"fmt"
	"sort"
)

// Extension is the file extension of every segment audio file.
const Extension = ".mp3"

// Segment represents a single playable audio unit of a chapter.
type Segment struct {
	// Index is the dense, zero-based position of the segment in its chapter
	Index int `json:"index"`

	// FileName is the audio file name relative to the chapter, e.g. "3.mp3"
	FileName string `json:"fileName"`

	// Translations maps a language tag (e.g. "en", "pl") to the caption text
	Translations map[string]string `json:"translations"`
}

// New creates a segment at the given index. The translations map is copied.
func New(index int, translations map[string]string) Segment {
	t := make(map[string]string, len(translations))
	for k, v := range translations {
		t[k] = v
	}
	return Segment{
		Index:        index,
		FileName:     FileName(index),
		Translations: t,
	}
}

// FileName returns the file name of the segment at index.
func FileName(index int) string {
	return fmt.Sprintf("%d%s", index, Extension)
}

// Text returns the caption for a language tag, or "" if there is none.
func (s Segment) Text(lang string) string {
	return s.Translations[lang]
}

// Languages returns the language tags of the segment, sorted.
func (s Segment) Languages() []string {
	langs := make([]string, 0, len(s.Translations))
	for k := range s.Translations {
		langs = append(langs, k)
	}
	sort.Strings(langs)
	return langs
}
