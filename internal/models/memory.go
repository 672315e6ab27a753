package models

import (
	"time"
)

const (
	NeutralTone   = "Neutral"
	MinWeight     = 1
	MaxWeight     = 10
	DefaultWeight = MinWeight
)

// Emotion is the tone/intensity pair extracted from a user message.
type Emotion struct {
	Tone   string `json:"tone"`
	Weight int    `json:"weight"`
}

// DefaultEmotion is used whenever extraction fails.
func DefaultEmotion() Emotion {
	return Emotion{Tone: NeutralTone, Weight: DefaultWeight}
}

// ClampWeight keeps w in 1..10.
func ClampWeight(w int) int {
	if w < MinWeight {
		return MinWeight
	}
	if w > MaxWeight {
		return MaxWeight
	}
	return w
}

// MemoryMeta is the metadata stored alongside a memory vector.
type MemoryMeta struct {
	Role   Role   `json:"role,omitempty"`
	Tone   string `json:"tone,omitempty"`
	Weight int    `json:"weight,omitempty"`
	Topic  string `json:"topic,omitempty"`
}

// MemoryRecord is one searchable entry in the semantic memory.
type MemoryRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Tone      string    `json:"tone,omitempty"`
	Weight    int       `json:"weight,omitempty"`
	Topic     string    `json:"topic,omitempty"`
	Role      Role      `json:"role,omitempty"`
	// Score is relevance in [0,1] for similarity searches; zero otherwise.
	Score float64 `json:"score"`
}
