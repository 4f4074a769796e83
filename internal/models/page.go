package models

// PageResponse is the structured payload the model returns for a single page.
// Every field must be present in the model output; missing or mistyped fields
// are a validation failure, not a default.
type PageResponse struct {
	PrimaryLanguage    *string `json:"primary_language"`
	IsRotationValid    bool    `json:"is_rotation_valid"`
	RotationCorrection int     `json:"rotation_correction"`
	IsTable            bool    `json:"is_table"`
	IsDiagram          bool    `json:"is_diagram"`
	NaturalText        *string `json:"natural_text"`
}

// Text returns the page text, or "" when the model produced none.
func (r *PageResponse) Text() string {
	if r.NaturalText == nil {
		return ""
	}
	return *r.NaturalText
}

// PageResult is the terminal outcome for one page of one document. Exactly one
// exists per page in the final assembly, either a validated model output or a
// fallback stub.
type PageResult struct {
	SourceRef    string
	PageNumber   int
	Response     PageResponse
	InputTokens  int
	OutputTokens int
	IsFallback   bool
	ErrorReason  string
}
