package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Version identifies the pipeline release that produced an output record.
const Version = "0.4.1"

// PageSpan maps a half-open character range of the assembled text back to the
// source page that produced it. Serialized as a [start, end, page] triple.
type PageSpan struct {
	Start      int
	End        int
	PageNumber int
}

func (s PageSpan) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]int{s.Start, s.End, s.PageNumber})
}

func (s *PageSpan) UnmarshalJSON(data []byte) error {
	var triple [3]int
	if err := json.Unmarshal(data, &triple); err != nil {
		return fmt.Errorf("page span must be a [start, end, page] triple: %w", err)
	}
	s.Start, s.End, s.PageNumber = triple[0], triple[1], triple[2]
	return nil
}

// PageFlags carries the per-page classification flags re-indexed to the
// character span they cover in the assembled text.
type PageFlags struct {
	Span            PageSpan `json:"span"`
	PrimaryLanguage string   `json:"primary_language,omitempty"`
	Rotation        int      `json:"rotation_correction,omitempty"`
	IsTable         bool     `json:"is_table,omitempty"`
	IsDiagram       bool     `json:"is_diagram,omitempty"`
	IsFallback      bool     `json:"is_fallback,omitempty"`
}

// DocumentMetadata is the provenance section of an output record.
type DocumentMetadata struct {
	SourceFile        string `json:"Source-File"`
	PipelineVersion   string `json:"ocrflow-version"`
	TotalPages        int    `json:"pdf-total-pages"`
	TotalInputTokens  int    `json:"total-input-tokens"`
	TotalOutputTokens int    `json:"total-output-tokens"`
	FallbackPages     int    `json:"total-fallback-pages"`
}

// DocumentAttributes maps character-offset ranges of the assembled text to
// page provenance and per-page flags.
type DocumentAttributes struct {
	PageSpans []PageSpan  `json:"pdf_page_numbers"`
	PageFlags []PageFlags `json:"page_flags"`
}

// Document is one fully assembled output record: the ordered concatenation of
// all page texts plus provenance. The ID is a content hash of Text, so equal
// content always writes under the same identity. Immutable after assembly.
type Document struct {
	ID         string             `json:"id"`
	Text       string             `json:"text"`
	Source     string             `json:"source"`
	Added      string             `json:"added"`
	Created    string             `json:"created"`
	Metadata   DocumentMetadata   `json:"metadata"`
	Attributes DocumentAttributes `json:"attributes"`
}

// NewTimestamp returns the date string used for the added/created fields.
func NewTimestamp() string {
	return time.Now().UTC().Format("2006-01-02")
}
