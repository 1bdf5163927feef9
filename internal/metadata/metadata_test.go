package metadata

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractCapacity(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
		ok   bool
	}{
		{"capacity", "Join us!\ncapacity: 50", 50, true},
		{"upper case", "CAPACITY: 12", 12, true},
		{"max", "Max:30 people", 30, true},
		{"limit", "limit: 8", 8, true},
		{"first wins", "limit: 8\ncapacity: 50", 8, true},
		{"none", "Potluck after the service", 0, false},
		{"empty", "", 0, false},
		{"no number", "capacity: lots", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractCapacity(tt.text)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractContactInfo(t *testing.T) {
	got, ok := ExtractContactInfo("Bring a dish.\nContact:   Mary at 555-0100  \nThanks")
	assert.True(t, ok)
	assert.Equal(t, "Mary at 555-0100", got)

	got, ok = ExtractContactInfo("questions: office@church.org")
	assert.True(t, ok)
	assert.Equal(t, "office@church.org", got)

	_, ok = ExtractContactInfo("no hints here")
	assert.False(t, ok)

	_, ok = ExtractContactInfo("contact:\nnext line")
	assert.False(t, ok)
}

func TestExtractTags(t *testing.T) {
	tags := ExtractTags("Youth Picnic", "Games in the park and a BBQ lunch")
	assert.Equal(t, []string{"food", "outdoor", "youth"}, tags)

	assert.Empty(t, ExtractTags("Elders meeting", ""))
	assert.Equal(t, []string{"prayer"}, ExtractTags("", "Evening PRAYER"))
}

func TestCleanDescription(t *testing.T) {
	in := "Annual picnic for everyone.\r\ncapacity: 50\nContact: Mary\n\n\n\nBring chairs.\nquestions: office@church.org"
	got := CleanDescription(in)
	assert.Equal(t, "Annual picnic for everyone.\n\nBring chairs.", got)
	assert.NotContains(t, strings.ToLower(got), "capacity")
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, "short", Summarize("short", 150))

	long := strings.Repeat("a", 200)
	got := Summarize(long, 150)
	assert.Equal(t, 150, len([]rune(got)))
	assert.True(t, strings.HasSuffix(got, "..."))

	assert.Equal(t, 10, len([]rune(Summarize(strings.Repeat("é", 40), 10))))
}
