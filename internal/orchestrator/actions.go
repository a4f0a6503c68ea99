package orchestrator

import (
	"encoding/json"
	"strings"
)

// actionPrefix opens an inline action marker: [ACTION: name, json-params].
// The params segment is optional; a bare [ACTION: name] carries an empty
// parameter mapping.
const actionPrefix = "[ACTION:"

// ExtractedAction is one automation request parsed out of a model reply.
type ExtractedAction struct {
	WorkflowName string
	Parameters   map[string]any
}

// actionMarker is one scanned marker span, valid or not. Invalid markers
// are still stripped from the visible text but never executed.
type actionMarker struct {
	start  int
	end    int // index one past the closing bracket
	action ExtractedAction
	ok     bool
}

// extractActions scans reply text for action markers and returns the
// well-formed ones in left-to-right order. A marker whose parameter
// payload is not valid JSON is skipped; it never aborts the scan, so a
// bad payload cannot discard correctly-formed actions elsewhere in the
// same reply.
func extractActions(text string) []ExtractedAction {
	var actions []ExtractedAction
	for _, m := range scanActionMarkers(text) {
		if m.ok {
			actions = append(actions, m.action)
		}
	}
	return actions
}

// stripActionMarkers removes every complete action marker, well-formed or
// not, from the visible reply text.
func stripActionMarkers(text string) string {
	markers := scanActionMarkers(text)
	if len(markers) == 0 {
		return strings.TrimSpace(text)
	}

	var b strings.Builder
	pos := 0
	for _, m := range markers {
		b.WriteString(text[pos:m.start])
		pos = m.end
	}
	b.WriteString(text[pos:])

	return strings.TrimSpace(collapseSpaces(b.String()))
}

// collapseSpaces squeezes runs of spaces and tabs left behind by marker
// removal. Newlines are preserved.
func collapseSpaces(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	spaced := false
	for _, r := range s {
		if r == ' ' || r == '\t' {
			spaced = true
			continue
		}
		if spaced && b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
			b.WriteByte(' ')
		}
		spaced = false
		b.WriteRune(r)
	}
	return b.String()
}

// scanActionMarkers walks the text once, parsing each [ACTION: ...] span.
// An unterminated marker is not a marker; scanning resumes after its
// opening tag.
func scanActionMarkers(text string) []actionMarker {
	var markers []actionMarker
	pos := 0
	for {
		rel := strings.Index(text[pos:], actionPrefix)
		if rel < 0 {
			return markers
		}
		start := pos + rel

		marker, next, complete := parseActionMarker(text, start)
		if !complete {
			pos = start + len(actionPrefix)
			continue
		}
		markers = append(markers, marker)
		pos = next
	}
}

// parseActionMarker parses one marker beginning at start. It returns the
// parsed marker, the scan position after it, and whether a closing
// bracket was found at all.
func parseActionMarker(text string, start int) (actionMarker, int, bool) {
	i := start + len(actionPrefix)

	// Workflow name runs to the first comma or the closing bracket.
	nameEnd := i
	for nameEnd < len(text) && text[nameEnd] != ',' && text[nameEnd] != ']' {
		nameEnd++
	}
	if nameEnd >= len(text) {
		return actionMarker{}, 0, false
	}
	name := strings.TrimSpace(text[i:nameEnd])

	if text[nameEnd] == ']' {
		end := nameEnd + 1
		return actionMarker{
			start:  start,
			end:    end,
			action: ExtractedAction{WorkflowName: name, Parameters: map[string]any{}},
			ok:     name != "",
		}, end, true
	}

	// Parameter payload: everything between the comma and the marker's
	// own closing bracket. Brackets inside JSON strings, objects and
	// arrays must not terminate the marker, so we track nesting depth
	// and string state explicitly.
	paramStart := nameEnd + 1
	depth := 0
	inString := false
	escaped := false
	for j := paramStart; j < len(text); j++ {
		c := text[j]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}':
			depth--
		case ']':
			if depth <= 0 {
				end := j + 1
				m := actionMarker{start: start, end: end}
				params := map[string]any{}
				raw := strings.TrimSpace(text[paramStart:j])
				if name != "" && (raw == "" || json.Unmarshal([]byte(raw), &params) == nil) {
					m.action = ExtractedAction{WorkflowName: name, Parameters: params}
					m.ok = true
				}
				return m, end, true
			}
			depth--
		}
	}

	return actionMarker{}, 0, false
}
