package caldav

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/macjediwizard/calpush/internal/db"
)

const (
	// utcLayout is the only instant profile written to the server.
	utcLayout = "20060102T150405Z"

	productID       = "-//calpush//calpush//EN"
	eventStatus     = "CONFIRMED"
	eventSequence   = "0"
	defaultDuration = time.Hour
)

var textEscaper = strings.NewReplacer(
	`\`, `\\`,
	"\n", `\n`,
	";", `\;`,
	",", `\,`,
)

// escapeText applies RFC 5545 TEXT escaping. CRLF and bare CR count as a
// single line break.
func escapeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return textEscaper.Replace(s)
}

// formatUTC renders an instant in the compact UTC profile.
func formatUTC(t time.Time) string {
	return t.UTC().Format(utcLayout)
}

// activitySpan resolves the start and end instants used for an activity.
// A missing end, or one not after start, becomes start + 1h; a missing
// start becomes end - 1h. ok is false for untimed activities.
func activitySpan(a *db.Activity) (start, end time.Time, ok bool) {
	switch {
	case a.StartAt != nil:
		start = a.StartAt.UTC()
	case a.EndAt != nil:
		start = a.EndAt.UTC().Add(-defaultDuration)
	default:
		return time.Time{}, time.Time{}, false
	}

	if a.EndAt != nil && a.EndAt.After(start) {
		end = a.EndAt.UTC()
	} else {
		end = start.Add(defaultDuration)
	}
	return start, end, true
}

// StorageName returns the filename used for an activity's remote object.
func StorageName(uid string) string {
	return uid + ".ics"
}

// EncodeActivity renders an activity as a single-event iCalendar document.
// The UID is the activity ID, which is also the stem of StorageName.
func EncodeActivity(a *db.Activity, now time.Time) ([]byte, error) {
	if a.ID == "" {
		return nil, fmt.Errorf("%w: activity has no ID", ErrMalformedContent)
	}
	start, end, ok := activitySpan(a)
	if !ok {
		return nil, fmt.Errorf("%w: activity %s has no start or end", ErrMalformedContent, a.ID)
	}

	cal := ical.NewCalendar()
	setRaw(cal.Props, ical.PropVersion, "2.0")
	setRaw(cal.Props, ical.PropProductID, productID)
	setRaw(cal.Props, ical.PropCalendarScale, "GREGORIAN")

	event := ical.NewEvent()
	setRaw(event.Props, ical.PropUID, a.ID)
	setRaw(event.Props, ical.PropDateTimeStamp, formatUTC(now))
	setRaw(event.Props, ical.PropDateTimeStart, formatUTC(start))
	setRaw(event.Props, ical.PropDateTimeEnd, formatUTC(end))
	setRaw(event.Props, ical.PropSummary, escapeText(a.Title))
	if a.Description != "" {
		setRaw(event.Props, ical.PropDescription, escapeText(a.Description))
	}
	setRaw(event.Props, ical.PropStatus, eventStatus)
	setRaw(event.Props, ical.PropSequence, eventSequence)
	cal.Children = append(cal.Children, event.Component)

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, fmt.Errorf("%w: failed to encode activity %s: %w", ErrMalformedContent, a.ID, err)
	}
	return buf.Bytes(), nil
}

// setRaw stores an already-escaped value so the encoder writes it verbatim.
func setRaw(props ical.Props, name, value string) {
	prop := ical.NewProp(name)
	prop.Value = value
	props.Set(prop)
}

// unfoldLines joins RFC 5545 continuation lines (a line break followed by
// a space or tab).
func unfoldLines(data string) string {
	data = strings.ReplaceAll(data, "\r\n", "\n")
	data = strings.ReplaceAll(data, "\n ", "")
	data = strings.ReplaceAll(data, "\n\t", "")
	return data
}

// ExtractUID returns the first UID property value in an iCalendar document,
// or "" when there is none. It does not parse the rest of the document.
func ExtractUID(data string) string {
	if data == "" {
		return ""
	}
	for _, line := range strings.Split(unfoldLines(data), "\n") {
		line = strings.TrimRight(line, "\r")
		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			continue
		}
		name := line[:colon]
		if semi := strings.IndexByte(name, ';'); semi >= 0 {
			name = name[:semi]
		}
		if !strings.EqualFold(strings.TrimSpace(name), ical.PropUID) {
			continue
		}
		if uid := strings.TrimSpace(line[colon+1:]); uid != "" {
			return uid
		}
	}
	return ""
}
