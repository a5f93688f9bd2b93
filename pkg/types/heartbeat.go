// Package types provides core data types for the wakatime delivery agent.
package types

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

const (
	// EntityTypeFile is the only entity type the editor reports.
	EntityTypeFile = "file"

	// CategoryCoding is the only activity category the editor reports.
	CategoryCoding = "coding"

	// HiddenPrefix replaces the file name when filenames are hidden.
	HiddenPrefix = "HIDDEN."
)

// Heartbeat is a single unit of coding activity.
type Heartbeat struct {
	// Entity is the absolute file path (or HIDDEN.<suffix> once redacted)
	Entity string `json:"entity"`

	// Time is the Unix timestamp in seconds
	Time int64 `json:"time"`

	Type     string `json:"type"`
	Category string `json:"category"`

	Language string `json:"language,omitempty"`
	Project  string `json:"project,omitempty"`
	Branch   string `json:"branch,omitempty"`

	// LineNo and CursorPos are 1-based; Lines may be zero for an empty file
	LineNo    *int `json:"lineno,omitempty"`
	CursorPos *int `json:"cursorpos,omitempty"`
	Lines     *int `json:"lines,omitempty"`

	IsWrite bool `json:"is_write"`

	// HideFilenames redacts Entity when the heartbeat is serialized.
	HideFilenames bool `json:"-"`
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}

// Validate checks the invariants of a heartbeat before it is queued or sent.
func (h Heartbeat) Validate() error {
	if h.Entity == "" {
		return ErrEmptyEntity
	}
	if h.Time <= 0 {
		return ErrInvalidTime
	}
	if (h.LineNo != nil && *h.LineNo < 1) ||
		(h.CursorPos != nil && *h.CursorPos < 1) ||
		(h.Lines != nil && *h.Lines < 0) {
		return ErrInvalidPosition
	}
	return nil
}

// Outgoing returns the heartbeat exactly as it will be transmitted: type and
// category defaulted, and the entity and cursor fields redacted when
// HideFilenames is set.
func (h Heartbeat) Outgoing() Heartbeat {
	out := h
	if out.Type == "" {
		out.Type = EntityTypeFile
	}
	if out.Category == "" {
		out.Category = CategoryCoding
	}
	if out.HideFilenames && !strings.HasPrefix(out.Entity, HiddenPrefix) {
		out.Entity = HiddenEntity(out.Entity)
		out.LineNo = nil
		out.CursorPos = nil
		out.Lines = nil
	}
	return out
}

// RowKey returns the dedup id of the heartbeat:
// time-type-category-project-branch-entity-is_write.
func (h Heartbeat) RowKey() string {
	o := h.Outgoing()
	return fmt.Sprintf("%d-%s-%s-%s-%s-%s-%t", o.Time, o.Type, o.Category, o.Project, o.Branch, o.Entity, o.IsWrite)
}

// Payload serializes the outgoing heartbeat to its JSON wire form.
func (h Heartbeat) Payload() (string, error) {
	data, err := json.Marshal(h.Outgoing())
	if err != nil {
		return "", fmt.Errorf("types: failed to marshal heartbeat: %w", err)
	}
	return string(data), nil
}

// ParseHeartbeat decodes a payload previously produced by Payload.
func ParseHeartbeat(payload string) (Heartbeat, error) {
	var h Heartbeat
	if err := json.Unmarshal([]byte(payload), &h); err != nil {
		return Heartbeat{}, fmt.Errorf("types: failed to parse heartbeat: %w", err)
	}
	return h, nil
}

// HiddenEntity maps a file path to HIDDEN.<complete suffix>, where the
// complete suffix is everything after the first dot of the base name.
func HiddenEntity(path string) string {
	base := filepath.Base(path)
	if i := strings.IndexByte(base, '.'); i >= 0 {
		return HiddenPrefix + base[i+1:]
	}
	return HiddenPrefix
}
