// Package activity models editor activity and the sources it arrives from.
// Host editors adapt their document signals onto a Source; the delivery
// coordinator consumes it.
package activity

import (
	"encoding/json"
	"math"
	"time"
)

// Event is one document change, cursor move or save reported by an editor.
type Event struct {
	// File is the absolute path of the document
	File string

	Language  string
	LineNo    *int
	CursorPos *int
	Lines     *int

	// IsWrite is set when the document was saved to disk
	IsWrite bool

	// Project overrides project detection when set
	Project string

	// Time is when the activity happened; zero means now
	Time time.Time
}

// eventJSON is the wire form; time is Unix seconds, possibly fractional.
type eventJSON struct {
	File      string  `json:"file"`
	Language  string  `json:"language,omitempty"`
	LineNo    *int    `json:"lineno,omitempty"`
	CursorPos *int    `json:"cursorpos,omitempty"`
	Lines     *int    `json:"lines,omitempty"`
	IsWrite   bool    `json:"is_write"`
	Project   string  `json:"project,omitempty"`
	Time      float64 `json:"time,omitempty"`
}

// MarshalJSON encodes the event in its wire form.
func (e Event) MarshalJSON() ([]byte, error) {
	w := eventJSON{
		File:      e.File,
		Language:  e.Language,
		LineNo:    e.LineNo,
		CursorPos: e.CursorPos,
		Lines:     e.Lines,
		IsWrite:   e.IsWrite,
		Project:   e.Project,
	}
	if !e.Time.IsZero() {
		w.Time = float64(e.Time.UnixNano()) / float64(time.Second)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire form.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w eventJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Event{
		File:      w.File,
		Language:  w.Language,
		LineNo:    w.LineNo,
		CursorPos: w.CursorPos,
		Lines:     w.Lines,
		IsWrite:   w.IsWrite,
		Project:   w.Project,
	}
	if w.Time > 0 {
		sec, frac := math.Modf(w.Time)
		e.Time = time.Unix(int64(sec), int64(frac*float64(time.Second)))
	}
	return nil
}

// Source delivers editor events. The channel is closed when the source is
// exhausted.
type Source interface {
	Events() <-chan Event
}
