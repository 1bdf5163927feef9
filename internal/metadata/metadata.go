// Package metadata pulls optional structured hints out of free-text event descriptions.
//
// Extraction is best effort. A missing match is never an error; callers get the zero
// value and false.
package metadata

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

var (
	capacityPattern = regexp.MustCompile(`(?i)\b(?:capacity|max|limit)\s*:\s*(\d+)`)
	contactPattern  = regexp.MustCompile(`(?i)\b(?:contact|info|questions)\s*:[ \t]*([^\r\n]+)`)
	hintLinePattern = regexp.MustCompile(`(?im)^[ \t]*(?:capacity|contact|info|questions)[ \t]*:[^\n]*(?:\n|$)`)
	blankRuns       = regexp.MustCompile(`\n{3,}`)
)

// tagKeywords is ordered so ExtractTags output is stable.
var tagKeywords = []struct {
	tag      string
	keywords []string
}{
	{"food", []string{"food", "potluck", "dinner", "lunch", "breakfast", "meal", "snack", "bbq"}},
	{"outdoor", []string{"outdoor", "park", "picnic", "hike", "camping", "garden"}},
	{"music", []string{"music", "choir", "concert", "band", "sing", "hymn"}},
	{"kids", []string{"kids", "children", "child", "vbs", "nursery"}},
	{"youth", []string{"youth", "teen", "student"}},
	{"prayer", []string{"prayer", "pray", "vigil"}},
	{"study", []string{"study", "bible", "class", "small group", "lesson"}},
	{"service", []string{"service", "volunteer", "serve", "outreach", "mission"}},
	{"celebration", []string{"celebration", "celebrate", "party", "festival", "christmas", "easter", "anniversary"}},
}

// ExtractCapacity finds "capacity: N", "max: N" or "limit: N". The first match wins.
func ExtractCapacity(text string) (int, bool) {
	m := capacityPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// ExtractContactInfo returns the rest of the line after "contact:", "info:" or "questions:".
func ExtractContactInfo(text string) (string, bool) {
	m := contactPattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	contact := strings.TrimSpace(m[1])
	if contact == "" {
		return "", false
	}
	return contact, true
}

// ExtractTags returns every tag with at least one keyword present in title or text.
func ExtractTags(title, text string) []string {
	haystack := strings.ToLower(title + " " + text)
	tags := []string{}
	for _, entry := range tagKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(haystack, kw) {
				tags = append(tags, entry.tag)
				break
			}
		}
	}
	return tags
}

// CleanDescription strips the capacity/contact/info/questions hint lines for display.
func CleanDescription(text string) string {
	if text == "" {
		return ""
	}
	cleaned := strings.ReplaceAll(text, "\r\n", "\n")
	cleaned = hintLinePattern.ReplaceAllString(cleaned, "")
	cleaned = blankRuns.ReplaceAllString(cleaned, "\n\n")
	return strings.TrimSpace(cleaned)
}

// Summarize truncates text to at most limit runes, ending in "..." when cut.
func Summarize(text string, limit int) string {
	text = strings.TrimSpace(text)
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	if limit <= 3 {
		return string([]rune(text)[:limit])
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:limit-3])) + "..."
}
