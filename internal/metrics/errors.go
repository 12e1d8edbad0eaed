package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"unicode"
)

var friendlyAliases = map[string]string{
	"TIMEOUT":           "Timeout",
	"CANCELED":          "Canceled",
	"PANIC":             "Gun panic",
	"NO_SCENARIO":       "Scenario not found",
	"CONNECTION_CLOSED": "Connection closed by peer",
	"GOAWAY":            "Refused by GOAWAY",
	"ALPN":              "HTTP/2 not negotiated",
	"OPERROR":           "Network error",
	"ERROR":             "URL error",
	"ERRORSTRING":       "Error",
	"PARTIALFAILURE":    "Partial batch failure",
}

// FriendlyErrorName returns a human-friendly label for a sample code.
// Numeric codes are HTTP statuses; upper-case tokens are split into words.
func FriendlyErrorName(code string) string {
	cleaned := strings.TrimSpace(code)
	if cleaned == "" || cleaned == "none" {
		return "Unknown error"
	}
	if alias, ok := friendlyAliases[cleaned]; ok {
		return alias
	}
	if status, err := strconv.Atoi(cleaned); err == nil {
		if text := http.StatusText(status); text != "" {
			return "HTTP " + cleaned + " " + text
		}
		return "HTTP " + cleaned
	}
	return capitalize(strings.ReplaceAll(cleaned, "_", " "))
}

func capitalize(s string) string {
	if s == "" {
		return ""
	}
	lower := strings.ToLower(s)
	runes := []rune(lower)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
