// Package category maps church event categories to Google Calendar color ids.
package category

import "strings"

// Category is a semantic grouping used to color-code church events.
type Category string

const (
	Worship    Category = "worship"
	Fellowship Category = "fellowship"
	Outreach   Category = "outreach"
	Education  Category = "education"
	Youth      Category = "youth"
	Family     Category = "family"
	Special    Category = "special"
	Community  Category = "community"
)

// Default is returned for unknown or missing input. Color is cosmetic and must never block a sync.
const Default = Fellowship

// colorIDs are Google Calendar event color ids ("1".."11").
var colorIDs = map[Category]string{
	Worship:    "9",  // Blueberry
	Fellowship: "2",  // Sage
	Outreach:   "6",  // Tangerine
	Education:  "5",  // Banana
	Youth:      "3",  // Grape
	Family:     "10", // Basil
	Special:    "11", // Tomato
	Community:  "7",  // Peacock
}

var byColor = func() map[string]Category {
	m := make(map[string]Category, len(colorIDs))
	for c, id := range colorIDs {
		m[id] = c
	}
	return m
}()

// All returns every known category in a stable order.
func All() []Category {
	return []Category{Worship, Fellowship, Outreach, Education, Youth, Family, Special, Community}
}

// Parse normalises s and reports whether it names a known category.
func Parse(s string) (Category, bool) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	_, ok := colorIDs[c]
	return c, ok
}

// ForColor returns the category for a Google color id, or Default.
func ForColor(colorID string) Category {
	if c, ok := byColor[strings.TrimSpace(colorID)]; ok {
		return c
	}
	return Default
}

// ColorFor returns the Google color id for a category name, or the color of Default.
func ColorFor(name string) string {
	if c, ok := Parse(name); ok {
		return colorIDs[c]
	}
	return colorIDs[Default]
}

// Color returns the color id for c.
func (c Category) Color() string {
	return ColorFor(string(c))
}
