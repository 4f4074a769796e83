package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pemistahl/lingua-go"

	"github.com/Lllllllleong/ocrflow/internal/models"
)

// ValidationError marks a structurally unacceptable model response. The page
// state machine responds by retrying with adjusted sampling parameters.
type ValidationError struct {
	Cause  string // short label used for retry metrics
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("response failed validation (%s): %s", e.Cause, e.Detail)
}

// requiredFields must all be present in the model's JSON payload; a missing
// field is a validation failure, never silently defaulted.
var requiredFields = []string{
	"primary_language",
	"is_rotation_valid",
	"rotation_correction",
	"is_table",
	"is_diagram",
	"natural_text",
}

// Sanity check for model refusal. A refusing response must fail fast rather
// than be written out as page text.
var refusalPhrases = []string{
	"i am unable to",
	"i cannot fulfill",
	"i cannot answer",
	"i cannot provide",
	"as a large language model",
}

// Validator parses raw model output into a PageResponse, rejecting malformed
// or degenerate responses. It also fills in the primary language via
// detection when the model omits it.
type Validator struct {
	detector lingua.LanguageDetector
}

// NewValidator builds a validator. Building the language detector is
// expensive, so one validator is shared across all pages.
func NewValidator() *Validator {
	detector := lingua.NewLanguageDetectorBuilder().
		FromAllSpokenLanguages().
		WithLowAccuracyMode().
		Build()
	return &Validator{detector: detector}
}

// Parse validates raw model content and returns the structured response.
func (v *Validator) Parse(content string) (*models.PageResponse, error) {
	content = stripFences(content)
	if content == "" {
		return nil, &ValidationError{Cause: "empty", Detail: "model returned no content"}
	}

	// The payload must contain every expected field with no extras.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, &ValidationError{Cause: "json", Detail: err.Error()}
	}
	for _, field := range requiredFields {
		if _, ok := raw[field]; !ok {
			return nil, &ValidationError{Cause: "schema", Detail: "missing field " + field}
		}
	}
	if len(raw) != len(requiredFields) {
		return nil, &ValidationError{Cause: "schema", Detail: fmt.Sprintf("unexpected fields in response (%d present, %d expected)", len(raw), len(requiredFields))}
	}

	var resp models.PageResponse
	if err := json.Unmarshal([]byte(content), &resp); err != nil {
		return nil, &ValidationError{Cause: "schema", Detail: err.Error()}
	}

	switch resp.RotationCorrection {
	case 0, 90, 180, 270:
	default:
		return nil, &ValidationError{Cause: "schema", Detail: fmt.Sprintf("invalid rotation_correction %d", resp.RotationCorrection)}
	}
	if resp.IsRotationValid && resp.RotationCorrection != 0 {
		return nil, &ValidationError{Cause: "schema", Detail: "rotation marked valid but correction is nonzero"}
	}

	text := resp.Text()
	lower := strings.ToLower(text)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			return nil, &ValidationError{Cause: "refusal", Detail: "response indicates model refusal"}
		}
	}

	if isDegenerate(text) {
		return nil, &ValidationError{Cause: "repetition", Detail: "response degenerated into repetition"}
	}

	if (resp.PrimaryLanguage == nil || *resp.PrimaryLanguage == "") && len(text) > 40 {
		if lang, ok := v.detector.DetectLanguageOf(text); ok {
			code := strings.ToLower(lang.IsoCode639_1().String())
			resp.PrimaryLanguage = &code
		}
	}

	return &resp, nil
}

func stripFences(content string) string {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	return strings.TrimSpace(content)
}

// isDegenerate reports whether the text tail is one chunk repeated many
// times over, the signature of a model stuck in a generation loop.
func isDegenerate(text string) bool {
	const (
		minRepeats  = 20
		maxChunkLen = 60
	)
	if len(text) < minRepeats {
		return false
	}
	tail := text
	if len(tail) > minRepeats*maxChunkLen {
		tail = tail[len(tail)-minRepeats*maxChunkLen:]
	}
	for chunkLen := 1; chunkLen <= maxChunkLen; chunkLen++ {
		span := chunkLen * minRepeats
		if span > len(tail) {
			break
		}
		chunk := tail[len(tail)-chunkLen:]
		repeated := true
		for i := 1; i < minRepeats; i++ {
			if tail[len(tail)-(i+1)*chunkLen:len(tail)-i*chunkLen] != chunk {
				repeated = false
				break
			}
		}
		if repeated && strings.TrimSpace(chunk) != "" {
			return true
		}
	}
	return false
}
