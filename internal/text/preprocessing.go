// Package text prepares input text for a specific TTS engine.
//
// Every transformation here is meaning-preserving: the prepared text reads
// aloud the same as the original.
package text

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// maxSpelled is the largest integer SpellNumbers writes out.
const maxSpelled = 999999

var (
	integerPattern      = regexp.MustCompile(`\d+`)
	whitespacePattern   = regexp.MustCompile(`\s+`)
	repeatedMarkPattern = regexp.MustCompile(`([!?,;])[!?,;]+`)
)

// Options selects the transformations an engine needs.
type Options struct {
	// StripControl removes control and format characters that break
	// markup-based engines.
	StripControl bool
	// ExpandAbbreviations spells out honorifics such as "Dr.".
	ExpandAbbreviations bool
	// SpellNumbers writes standalone integers as words for engines with
	// weak number normalization.
	SpellNumbers bool
}

// Preparer applies engine-specific text preparation. It is safe for
// concurrent use.
type Preparer struct {
	abbreviations *strings.Replacer
	punctuation   *strings.Replacer
}

// NewPreparer creates a preparer.
func NewPreparer() *Preparer {
	return &Preparer{
		abbreviations: strings.NewReplacer(
			"Mrs.", "Misses", "Mr.", "Mister", "Ms.", "Miz",
			"Dr.", "Doctor", "Jr.", "Junior", "Sr.", "Senior",
		),
		punctuation: strings.NewReplacer(
			"\u2014", "-", "\u2013", "-", "\u2012", "-", "\u2026", "...",
			"\u201c", `"`, "\u201d", `"`, "\u2018", "'", "\u2019", "'",
		),
	}
}

// Prepare runs the selected transformations followed by punctuation and
// whitespace normalization, which every engine gets.
func (p *Preparer) Prepare(input string, opts Options) string {
	if input == "" {
		return input
	}

	prepared := input

	if opts.StripControl {
		prepared = stripControl(prepared)
	}

	prepared = p.NormalizePunctuation(prepared)

	if opts.ExpandAbbreviations {
		prepared = p.abbreviations.Replace(prepared)
	}

	if opts.SpellNumbers {
		prepared = p.spellIntegers(prepared)
	}

	return p.NormalizeWhitespace(prepared)
}

// NormalizePunctuation maps typographic quotes, dashes and ellipses to their
// plain forms and collapses runs of repeated marks such as "!!!".
func (p *Preparer) NormalizePunctuation(input string) string {
	return repeatedMarkPattern.ReplaceAllString(p.punctuation.Replace(input), "$1")
}

// NormalizeWhitespace collapses every whitespace run to a single space.
func (p *Preparer) NormalizeWhitespace(input string) string {
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(input, " "))
}

// NormalizeForKey is the canonical form of text used for cache fingerprints.
func NormalizeForKey(input string) string {
	return strings.ToLower(strings.TrimSpace(input))
}

// stripControl drops control and invisible format runes, keeping whitespace.
func stripControl(input string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return r
		}

		if unicode.IsControl(r) || unicode.Is(unicode.Cf, r) {
			return -1
		}

		return r
	}, input)
}

// spellIntegers rewrites standalone integers as words. Digits that belong to
// decimals, times, versions or alphanumeric tokens are left alone.
func (p *Preparer) spellIntegers(input string) string {
	matches := integerPattern.FindAllStringIndex(input, -1)
	if len(matches) == 0 {
		return input
	}

	var builder strings.Builder

	last := 0

	for _, match := range matches {
		start, end := match[0], match[1]
		if !standalone(input, start, end) {
			continue
		}

		number, err := strconv.Atoi(input[start:end])
		if err != nil || number > maxSpelled {
			continue
		}

		builder.WriteString(input[last:start])
		builder.WriteString(spell(number))

		last = end
	}

	builder.WriteString(input[last:])

	return builder.String()
}

func standalone(input string, start, end int) bool {
	if start > 0 && !separatorBefore(input[start-1]) {
		return false
	}

	if end < len(input) && !separatorAfter(input, end) {
		return false
	}

	return true
}

func separatorBefore(char byte) bool {
	return char == ' ' || char == '(' || char == '"' || char == '\'' || char == '\n' || char == '\t'
}

func separatorAfter(input string, end int) bool {
	char := input[end]
	switch char {
	case ' ', ')', '"', '\'', '!', '?', ';', '\n', '\t':
		return true
	case '.', ',', ':':
		// "5." ends a sentence, "5.5" or "5:30" or "5,000" does not.
		return end+1 >= len(input) || !isDigit(input[end+1])
	default:
		return false
	}
}

func isDigit(char byte) bool {
	return char >= '0' && char <= '9'
}

var (
	smallNumbers = strings.Fields("zero one two three four five six seven eight nine ten " +
		"eleven twelve thirteen fourteen fifteen sixteen seventeen eighteen nineteen")
	decades = strings.Fields("_ _ twenty thirty forty fifty sixty seventy eighty ninety")
)

// spell writes 0 <= n <= maxSpelled in words, e.g. 1205 is
// "one thousand two hundred five".
func spell(n int) string {
	switch {
	case n < len(smallNumbers):
		return smallNumbers[n]
	case n < 100:
		if n%10 == 0 {
			return decades[n/10]
		}

		return decades[n/10] + " " + smallNumbers[n%10]
	case n < 1000:
		return joinRemainder(spell(n/100)+" hundred", n%100)
	default:
		return joinRemainder(spell(n/1000)+" thousand", n%1000)
	}
}

func joinRemainder(head string, rest int) string {
	if rest == 0 {
		return head
	}

	return head + " " + spell(rest)
}
