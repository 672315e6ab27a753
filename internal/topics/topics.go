// Package topics is the keyword-based topic classifier used for anonymous
// aggregate telemetry. It never sees or stores a user identifier.
package topics

import (
	"strings"
	"unicode"
)

const (
	Career        = "career"
	Productivity  = "productivity"
	Relationships = "relationships"
	Health        = "health"
	Anxiety       = "anxiety"
	Philosophy    = "philosophy"
	Learning      = "learning"
	Other         = "other"
)

// Labels lists every label Classify can return, in tie-break order.
var Labels = []string{Anxiety, Relationships, Health, Career, Productivity, Learning, Philosophy, Other}

var keywords = map[string][]string{
	Career: {
		"job", "jobs", "career", "boss", "manager", "promotion", "salary",
		"interview", "resume", "cv", "coworker", "colleague", "office",
		"hired", "fired", "layoff", "work", "workplace", "startup", "business",
	},
	Productivity: {
		"productive", "productivity", "procrastinate", "procrastinating",
		"procrastination", "focus", "deadline", "deadlines", "schedule",
		"routine", "habit", "habits", "motivation", "motivated", "todo",
		"organize", "discipline", "time management",
	},
	Relationships: {
		"relationship", "relationships", "boyfriend", "girlfriend", "partner",
		"husband", "wife", "marriage", "divorce", "breakup", "dating", "date",
		"friend", "friends", "friendship", "family", "mom", "dad", "mother",
		"father", "parents", "sister", "brother", "love", "lonely",
	},
	Health: {
		"health", "sleep", "insomnia", "tired", "exercise", "workout", "gym",
		"diet", "eating", "doctor", "sick", "illness", "pain", "therapy",
		"therapist", "medication", "weight", "energy",
	},
	Anxiety: {
		"anxiety", "anxious", "panic", "worried", "worry", "worrying",
		"stress", "stressed", "overwhelmed", "nervous", "fear", "scared",
		"overthinking", "dread",
	},
	Philosophy: {
		"meaning", "purpose", "existence", "existential", "philosophy",
		"death", "god", "universe", "consciousness", "morality", "ethics",
		"truth", "free will", "meaning of life",
	},
	Learning: {
		"learn", "learning", "study", "studying", "exam", "exams", "school",
		"university", "college", "class", "course", "homework", "teacher",
		"book", "books", "read", "reading", "skill", "skills",
	},
}

// Classify returns the label whose keywords occur most often in text, or
// Other when nothing matches. Ties resolve in Labels order.
func Classify(text string) string {
	words := tokenize(text)
	if len(words) == 0 {
		return Other
	}
	padded := " " + strings.Join(words, " ") + " "
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}

	best, bestScore := Other, 0
	for _, label := range Labels {
		score := 0
		for _, kw := range keywords[label] {
			if strings.Contains(kw, " ") {
				if strings.Contains(padded, " "+kw+" ") {
					score += 2
				}
				continue
			}
			if _, ok := set[kw]; ok {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = label, score
		}
	}
	return best
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}
