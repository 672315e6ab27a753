// Package safety screens user messages for crisis signals. A signal never
// blocks a turn; it only marks it so clients can surface support resources.
package safety

import (
	"regexp"
	"strings"
	"unicode"
)

// Signal is the outcome of screening one message.
type Signal struct {
	SelfHarm bool     `json:"self_harm"`
	Violence bool     `json:"violence"`
	Matched  []string `json:"-"`
}

// Crisis reports whether any signal fired.
func (s Signal) Crisis() bool {
	return s.SelfHarm || s.Violence
}

var selfHarmPhrases = []string{
	"suicide",
	"suicidal",
	"kill myself",
	"end my life",
	"take my life",
	"end it all",
	"self harm",
	"cut myself",
	"hurt myself",
	"harm myself",
	"want to die",
	"wish i was dead",
	"not worth living",
	"better off dead",
	"end myself",
	"unalive",
}

// Only intent to harm someone else; "die" or "hurt" alone are ordinary in
// emotional conversation.
var violencePhrases = []string{
	"kill him",
	"kill her",
	"kill them",
	"kill you",
	"murder",
	"stab",
	"shoot him",
	"shoot her",
	"shoot them",
	"strangle",
	"massacre",
	"slaughter",
}

var (
	canonicalSelfHarm = canonicalize(selfHarmPhrases)
	canonicalViolence = canonicalize(violencePhrases)
	spaceRegex        = regexp.MustCompile(`\s+`)
)

// substitutes maps look-alike characters to the letters they stand in for.
var substitutes = map[rune]rune{
	'@': 'a',
	'4': 'a',
	'3': 'e',
	'!': 'i',
	'1': 'i',
	'0': 'o',
	'$': 's',
	'5': 's',
	'7': 't',
	'+': 't',
	'а': 'a', // Cyrillic
	'е': 'e', // Cyrillic
	'і': 'i', // Cyrillic
	'о': 'o', // Cyrillic
	'р': 'p', // Cyrillic
}

// trailingPunct are substitutes that read as punctuation at the end of a
// word ("die!"), so they are dropped there instead of folded.
const trailingPunct = "!+@$"

func isWordRune(r rune) bool {
	if _, ok := substitutes[r]; ok {
		return true
	}
	return unicode.IsLetter(r)
}

// fold undoes substitutions word by word. Anything that is neither a letter
// nor a substitute becomes a space.
func fold(text string) []rune {
	runes := []rune(strings.ToLower(text))
	out := make([]rune, 0, len(runes))
	for i := 0; i < len(runes); {
		if !isWordRune(runes[i]) {
			out = append(out, ' ')
			i++
			continue
		}
		j := i
		for j < len(runes) && isWordRune(runes[j]) {
			j++
		}
		end := j
		for end > i && strings.ContainsRune(trailingPunct, runes[end-1]) {
			end--
		}
		for _, r := range runes[i:end] {
			if sub, ok := substitutes[r]; ok {
				r = sub
			}
			out = append(out, r)
		}
		out = append(out, ' ')
		i = j
	}
	return out
}

// Clean lowercases text, undoes common character substitutions, drops
// punctuation and collapses repeated letters ("diiie" -> "die").
func Clean(text string) string {
	var b strings.Builder
	var last rune
	lastWasLetter := false
	for _, r := range fold(text) {
		if !unicode.IsLetter(r) {
			b.WriteRune(' ')
			lastWasLetter = false
			continue
		}
		if lastWasLetter && r == last {
			continue
		}
		b.WriteRune(r)
		last, lastWasLetter = r, true
	}
	return strings.TrimSpace(spaceRegex.ReplaceAllString(b.String(), " "))
}

// Dictionary entries go through Clean too, so "kill" and a cleaned "kiiill"
// both become "kil".
func canonicalize(phrases []string) []string {
	out := make([]string, len(phrases))
	for i, p := range phrases {
		out[i] = Clean(p)
	}
	return out
}

// containsPhrase matches on word boundaries so "skill" never matches "kil".
func containsPhrase(cleaned, phrase string) bool {
	padded := " " + cleaned + " "
	return strings.Contains(padded, " "+phrase+" ")
}

func match(cleaned string, dict []string) []string {
	var hits []string
	for _, p := range dict {
		if containsPhrase(cleaned, p) {
			hits = append(hits, p)
		}
	}
	return hits
}

// Screen checks text against the self-harm and violence dictionaries.
func Screen(text string) Signal {
	cleaned := Clean(text)
	if cleaned == "" {
		return Signal{}
	}
	var s Signal
	if hits := match(cleaned, canonicalSelfHarm); len(hits) > 0 {
		s.SelfHarm = true
		s.Matched = append(s.Matched, hits...)
	}
	if hits := match(cleaned, canonicalViolence); len(hits) > 0 {
		s.Violence = true
		s.Matched = append(s.Matched, hits...)
	}
	return s
}
