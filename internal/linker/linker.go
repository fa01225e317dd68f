// Package linker annotates tool results with canonical entity reference
// markers before they are handed back to the model or the caller. The UI
// resolves markers of the form @[Name](kind:id) into navigable links.
package linker

import (
	"fmt"

	"github.com/draknorr/publisheriq/internal/tools"
)

// fieldPair binds an id field to the name field it identifies, per the
// tools' field-naming convention.
type fieldPair struct {
	idField   string
	nameField string
	kind      string
}

var knownPairs = []fieldPair{
	{idField: "app_id", nameField: "name", kind: "game"},
	{idField: "publisher_id", nameField: "publisher_name", kind: "publisher"},
	{idField: "developer_id", nameField: "developer_name", kind: "developer"},
	{idField: "genre_id", nameField: "genre_name", kind: "genre"},
}

// FormatResult returns a copy of res with recognized id/name pairs rewritten
// into reference markers. Detection order per row: an explicit "type"
// discriminator, then the known field-name pairs, then bare id/name fields
// typed by entityKind (the producing tool's declared entity kind). Keying on
// raw field names means the transform is applied exactly once per result by
// construction; fields lacking a recognized pair are left untouched.
func FormatResult(res tools.Result, entityKind string) tools.Result {
	out := res
	if res.Data != nil {
		out.Data = formatRow(res.Data, entityKind)
	}
	if res.Results != nil {
		rows := make([]map[string]interface{}, len(res.Results))
		for i, row := range res.Results {
			rows[i] = formatRow(row, entityKind)
		}
		out.Results = rows
	}
	return out
}

func formatRow(row map[string]interface{}, entityKind string) map[string]interface{} {
	out := make(map[string]interface{}, len(row))
	for k, v := range row {
		out[k] = v
	}

	// An explicit type discriminator wins over field-name conventions.
	if kind, ok := out["type"].(string); ok && kind != "" {
		if rewriteGeneric(out, kind) {
			return out
		}
	}

	rewrote := false
	for _, pair := range knownPairs {
		id, okID := asID(out[pair.idField])
		name, okName := out[pair.nameField].(string)
		if !okID || !okName || name == "" {
			continue
		}
		out[pair.nameField] = marker(name, pair.kind, id)
		rewrote = true
	}

	// Rows with only bare id/name fields fall back to the tool's entity kind.
	if !rewrote && entityKind != "" {
		rewriteGeneric(out, entityKind)
	}
	return out
}

func rewriteGeneric(row map[string]interface{}, kind string) bool {
	id, okID := asID(row["id"])
	name, okName := row["name"].(string)
	if !okID || !okName || name == "" {
		return false
	}
	row["name"] = marker(name, kind, id)
	return true
}

func marker(name, kind string, id int64) string {
	return fmt.Sprintf("@[%s](%s:%d)", name, kind, id)
}

// asID accepts the numeric encodings JSON decoding may produce for a
// primary identifier.
func asID(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}
