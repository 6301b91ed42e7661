package services

import (
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// Skill list bounds.
const (
	MinSkillLength = 3
	MaxSkillLength = 200
	MaxSkills      = 20
)

// ParseSkills reads a skills list from model text. A JSON string array is
// preferred; otherwise items are split on commas, semicolons, newlines and
// bullets. The result is sanitized and never nil.
func ParseSkills(text string) []string {
	text = stripCodeFence(text)
	if start := strings.Index(text, "["); start != -1 {
		if end := strings.Index(text[start:], "]"); end != -1 {
			var items []any
			if err := json.Unmarshal([]byte(text[start:start+end+1]), &items); err == nil {
				return SanitizeSkills(coerceStringList(items))
			}
		}
	}

	var items []string
	for _, line := range splitList(text) {
		for _, part := range strings.FieldsFunc(line, func(r rune) bool { return r == ',' || r == ';' }) {
			items = append(items, part)
		}
	}
	return SanitizeSkills(items)
}

// SanitizeSkills trims, removes list decoration, drops items outside
// 3-200 characters, dedupes case-insensitively and caps the list at 20.
func SanitizeSkills(items []string) []string {
	out := make([]string, 0, min(len(items), MaxSkills))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		s := strings.Trim(stripBullet(strings.TrimSpace(item)), "\"'`[] \t")
		n := utf8.RuneCountInString(s)
		if n < MinSkillLength || n > MaxSkillLength {
			continue
		}
		key := strings.ToLower(s)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
		if len(out) == MaxSkills {
			break
		}
	}
	return out
}

// splitList splits text into lines with bullets and numbering removed.
// A single line holding several items separated by semicolons is split too.
func splitList(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = stripBullet(strings.TrimSpace(line))
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	if len(out) == 1 && strings.Contains(out[0], ";") {
		parts := strings.Split(out[0], ";")
		out = out[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// stripBullet removes a leading "-", "*", "•" or "1." / "1)" marker.
func stripBullet(s string) string {
	for _, b := range []string{"- ", "* ", "• ", "·", "•", "-", "*"} {
		if strings.HasPrefix(s, b) {
			return strings.TrimSpace(s[len(b):])
		}
	}
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i > 0 && i+1 < len(s) && (s[i] == '.' || s[i] == ')') && s[i+1] == ' ' {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
