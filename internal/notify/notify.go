// Package notify fans committed lifecycle events out to chat channels.
//
// Notifiers are only ever called after an event's transaction commits, so a
// slow or failing channel never holds a season lock.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Color constants for event severity.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// Entry is one audit chain entry appended by an event.
type Entry struct {
	State string
	Note  string
	Hash  string
}

// Event describes a committed lifecycle event.
type Event struct {
	Kind     string // register, upload, approve, disburse, pest, sensor, insurance, bind, audit
	SeasonID string
	Farmer   string
	Entries  []Entry
	Detail   string
	Time     time.Time
}

// Notifier delivers events to one destination.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// FormattedEvent is an Event rendered for display in chat.
type FormattedEvent struct {
	Title  string
	Body   string
	Color  string
	Fields []Field
}

// Field is a key-value pair displayed in an event attachment.
type Field struct {
	Name  string
	Value string
	Short bool
}

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Format renders an event for chat.
func Format(ev Event) FormattedEvent {
	title := fmt.Sprintf("Season %s: %s", shortID(ev.SeasonID), ev.Kind)
	if ev.Farmer != "" {
		title = fmt.Sprintf("%s (%s)", title, ev.Farmer)
	}

	var lines []string
	for _, e := range ev.Entries {
		if e.Note != "" {
			lines = append(lines, fmt.Sprintf("%s: %s", e.State, e.Note))
		} else {
			lines = append(lines, e.State)
		}
	}
	if ev.Detail != "" {
		lines = append(lines, ev.Detail)
	}

	f := FormattedEvent{
		Title: title,
		Body:  strings.Join(lines, "\n"),
		Color: colorFor(ev),
	}
	if n := len(ev.Entries); n > 0 {
		f.Fields = append(f.Fields, Field{Name: "Chain head", Value: shortHash(ev.Entries[n-1].Hash), Short: true})
	}
	if !ev.Time.IsZero() {
		f.Fields = append(f.Fields, Field{Name: "Time", Value: ev.Time.UTC().Format(time.RFC3339), Short: true})
	}
	return f
}

// colorFor picks a sidebar color from the states the event appended.
func colorFor(ev Event) string {
	if ev.Kind == "audit" {
		return ColorError
	}
	color := ColorInfo
	for _, e := range ev.Entries {
		switch {
		case strings.HasPrefix(e.State, "INSURANCE_CLAIMED"), strings.HasPrefix(e.State, "PEST_EVENT"):
			return ColorWarning
		case strings.HasSuffix(e.State, "_COMPLETED"), e.State == "POLICY_ACTIVE":
			color = ColorSuccess
		}
	}
	return color
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
