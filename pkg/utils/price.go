package utils

import (
	"regexp"
	"strconv"
)

var numberPattern = regexp.MustCompile(`\d+(?:\.\d+)?`)

// ExtractBounds pulls up to two numbers out of a mod's display text,
// e.g. "Adds 12 to 18 Physical Damage" -> (12, 18). A single number
// yields only a lower bound; text without numbers yields (nil, nil),
// meaning "match regardless of roll".
func ExtractBounds(text string) (min, max *float64) {
	matches := numberPattern.FindAllString(text, 2)
	if len(matches) == 0 {
		return nil, nil
	}

	if v, err := strconv.ParseFloat(matches[0], 64); err == nil {
		min = &v
	}
	if len(matches) > 1 {
		if v, err := strconv.ParseFloat(matches[1], 64); err == nil {
			max = &v
		}
	}
	return min, max
}
