// Package textutil provides token-level text helpers for attribute extraction.
package textutil

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// SplitFields splits a column line by sep. An empty sep splits on runs of
// whitespace.
func SplitFields(line, sep string) []string {
	if sep == "" {
		return strings.Fields(line)
	}
	return strings.Split(line, sep)
}

var (
	newlineRe    = regexp.MustCompile(`[\n\r]`)
	multiSpaceRe = regexp.MustCompile(`\s{2,}`)
)

// NormalizeWhitespaces replaces newlines and multiple whitespace with a single space.
func NormalizeWhitespaces(text string) string {
	text = newlineRe.ReplaceAllString(text, " ")
	return multiSpaceRe.ReplaceAllString(text, " ")
}

// Normalize lowercases text and normalizes whitespace.
func Normalize(text string) string {
	return NormalizeWhitespaces(strings.ToLower(text))
}

// Affixes returns the prefixes and suffixes of s with 1 to n runes.
// Affixes as long as s itself are skipped.
func Affixes(s string, n int) (prefixes, suffixes []string) {
	runes := []rune(s)
	for k := 1; k <= n && k < len(runes); k++ {
		prefixes = append(prefixes, string(runes[:k]))
		suffixes = append(suffixes, string(runes[len(runes)-k:]))
	}
	return prefixes, suffixes
}

// Shape maps upper-case letters to X, lower-case letters to x and digits
// to d, collapsing repeats: "McGee-2nd" becomes "XxXx-dx".
func Shape(s string) string {
	var buf strings.Builder
	var last rune
	for _, r := range s {
		switch {
		case unicode.IsUpper(r):
			r = 'X'
		case unicode.IsLower(r):
			r = 'x'
		case unicode.IsDigit(r):
			r = 'd'
		}
		if r != last {
			buf.WriteRune(r)
			last = r
		}
	}
	return buf.String()
}

var digitRe = regexp.MustCompile(`\d`)

// NumberPattern replaces digits with X and letters with C if the digit ratio >= threshold.
// Returns empty string otherwise.
func NumberPattern(text string, ratio float64) string {
	if text == "" {
		return ""
	}

	total := utf8.RuneCountInString(text)
	digitCount := 0
	for _, r := range text {
		if unicode.IsDigit(r) {
			digitCount++
		}
	}

	if float64(digitCount)/float64(total) < ratio {
		return ""
	}
	result := digitRe.ReplaceAllString(text, "X")
	var buf strings.Builder
	for _, r := range result {
		if r == 'X' || !unicode.IsLetter(r) {
			buf.WriteRune(r)
		} else {
			buf.WriteRune('C')
		}
	}
	return buf.String()
}
