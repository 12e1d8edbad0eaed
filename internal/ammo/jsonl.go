package ammo

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// NewJSONLineSource reads one JSON document per line. markerPath and
// payloadPath are gjson paths; "$.a.b" and "a.b" are equivalent. An empty
// payloadPath keeps the whole document. Documents without a marker fall back
// to the fixed marker.
func NewJSONLineSource(path, marker, markerPath, payloadPath string, loop int) (*LineSource, error) {
	markerPath = normalizePath(markerPath)
	payloadPath = normalizePath(payloadPath)
	return newLineSource(path, loop, func(line string) (Missile, error) {
		if !gjson.Valid(line) {
			return Missile{}, fmt.Errorf("invalid JSON ammo line: %.64s", line)
		}
		m := Missile{Marker: marker, Payload: line}
		if markerPath != "" {
			if v := gjson.Get(line, markerPath); v.Exists() {
				m.Marker = v.String()
			}
		}
		if payloadPath != "" {
			v := gjson.Get(line, payloadPath)
			if !v.Exists() {
				return Missile{}, fmt.Errorf("payload path %q not found in ammo line", payloadPath)
			}
			if v.Type == gjson.String {
				m.Payload = v.String()
			} else {
				m.Payload = v.Raw
			}
		}
		return m, nil
	})
}

func normalizePath(path string) string {
	switch {
	case path == "$":
		return "@this"
	case len(path) > 1 && path[0] == '$' && path[1] == '.':
		return path[2:]
	default:
		return path
	}
}
