// Package redact scrubs credentials out of text and JSON before it is
// written to the audit log. Adapter errors and result payloads routinely
// echo request URLs and headers; the audit log is kept forever.
package redact

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

// PatternType identifies the category of secret.
type PatternType string

const (
	PatternCred     PatternType = "CRED"
	PatternBearer   PatternType = "BEARER"
	PatternToken    PatternType = "TOKEN"
	PatternUserinfo PatternType = "USERINFO"
)

// Mask replaces every secret value.
const Mask = "***"

// Match is a single occurrence of a secret in text.
type Match struct {
	Type  PatternType
	Value string
	Start int
	End   int
}

var (
	// key=value or key: value where the key suggests a secret.
	credKVRe = regexp.MustCompile(`(?i)\b(?:password|passwd|secret|token|api[_-]?key|x-n8n-api-key|auth)[ \t]*[=:][ \t]*"?([^\s"&,;]+)`)

	// Authorization header values.
	bearerRe = regexp.MustCompile(`(?i)\b(?:bearer|token|basic)[ \t]+([A-Za-z0-9\-._~+/]{12,}=*)`)

	// GitHub and Slack token formats.
	tokenRe = regexp.MustCompile(`\b(gh[pousr]_[A-Za-z0-9]{20,}|github_pat_[A-Za-z0-9_]{20,}|xox[abpr]-[A-Za-z0-9-]{10,})`)

	// user:password@ in URLs and DSNs.
	userinfoRe = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9+.\-]*://[^/\s:@]+:([^/\s@]+)@`)
)

// secretKeys are JSON object keys whose values are always masked.
var secretKeys = map[string]bool{
	"password":      true,
	"secret":        true,
	"token":         true,
	"access_token":  true,
	"api_key":       true,
	"apikey":        true,
	"authorization": true,
	"private_key":   true,
}

// Scan finds secrets in text and returns deduplicated matches sorted by
// position. Value is only the secret part, not the key or scheme around it.
func Scan(text string) []Match {
	seen := make(map[int]bool)
	var matches []Match

	add := func(typ PatternType, re *regexp.Regexp) {
		for _, sub := range re.FindAllStringSubmatchIndex(text, -1) {
			start, end := sub[0], sub[1]
			if len(sub) >= 4 && sub[2] >= 0 {
				start, end = sub[2], sub[3]
			}
			if start == end || seen[start] {
				continue
			}
			seen[start] = true
			matches = append(matches, Match{Type: typ, Value: text[start:end], Start: start, End: end})
		}
	}

	add(PatternToken, tokenRe)
	add(PatternUserinfo, userinfoRe)
	add(PatternBearer, bearerRe)
	add(PatternCred, credKVRe)

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Start < matches[j].Start
	})
	return matches
}

// String masks every secret Scan finds.
func String(text string) string {
	matches := Scan(text)
	if len(matches) == 0 {
		return text
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		if m.Start < last {
			continue
		}
		b.WriteString(text[last:m.Start])
		b.WriteString(Mask)
		last = m.End
	}
	b.WriteString(text[last:])
	return b.String()
}

// JSON masks secret keys at any depth and scrubs string values. Input that
// is not valid JSON is returned unchanged; an empty message stays empty.
func JSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(walk(v))
	if err != nil {
		return raw
	}
	return out
}

func walk(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if secretKeys[strings.ToLower(k)] {
				t[k] = Mask
				continue
			}
			t[k] = walk(val)
		}
		return t
	case []any:
		for i := range t {
			t[i] = walk(t[i])
		}
		return t
	case string:
		return String(t)
	default:
		return v
	}
}
