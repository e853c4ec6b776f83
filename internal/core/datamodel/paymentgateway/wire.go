package paymentgateway

import (
	"bufio"
	"sort"
	"strings"
)

// ParseResponse decodes the ECOMM text response: one "KEY: value" pair per
// line. Lines without a colon are ignored; the first occurrence of a key wins.
func ParseResponse(body string) map[string]string {
	out := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, seen := out[key]; !seen {
			out[key] = strings.TrimSpace(value)
		}
	}
	return out
}

// FormatResponse is the inverse of ParseResponse with keys sorted.
func FormatResponse(raw map[string]string) string {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(raw[k])
		b.WriteByte('\n')
	}
	return b.String()
}
