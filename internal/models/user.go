package models

import (
	"strings"
	"time"
)

// Plan is the subscription tier that governs limits.
type Plan string

const (
	PlanFree Plan = "free"
	PlanPlus Plan = "plus"
)

// ParsePlan maps a stored value to a Plan; anything unknown is free.
func ParsePlan(s string) Plan {
	if strings.EqualFold(strings.TrimSpace(s), string(PlanPlus)) {
		return PlanPlus
	}
	return PlanFree
}

// Profile is the user-editable part of the chat record.
type Profile struct {
	Name      string `bson:"name,omitempty" json:"name,omitempty"`
	Timezone  string `bson:"timezone,omitempty" json:"timezone,omitempty"`
	Note      string `bson:"note,omitempty" json:"note,omitempty"`
	AvatarURL string `bson:"avatarUrl,omitempty" json:"avatar_url,omitempty"`
	Plan      Plan   `bson:"plan,omitempty" json:"plan,omitempty"`
}

// Identity is the per-user document keyed by the stable user id.
type Identity struct {
	UserID    string    `bson:"_id" json:"user_id"`
	Email     string    `bson:"email" json:"email"`
	CreatedAt time.Time `bson:"createdAt" json:"created_at"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updated_at"`
}

// ChatMeta records where a chat record came from when it was migrated.
type ChatMeta struct {
	MigratedFrom string    `bson:"migratedFrom,omitempty" json:"migrated_from,omitempty"`
	MigratedTo   string    `bson:"migratedTo,omitempty" json:"migrated_to,omitempty"`
	MigratedAt   time.Time `bson:"migratedAt,omitempty" json:"migrated_at,omitempty"`
	Email        string    `bson:"email,omitempty" json:"email,omitempty"`
}
