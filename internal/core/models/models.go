// Package models provides the structs exposed by the core package,
// but put in an independent package to break the dependency cycle
// between `core` and `db`
package models

import "time"

// EntityType says whether a KarmicEntity's name denotes a real user
// or just some arbitrary string.
type EntityType string

const (
	EntityUser   EntityType = "U"
	EntityString EntityType = "S"
)

// KarmaValue is the polarity of a single karma award.
type KarmaValue string

const (
	KarmaGood KarmaValue = "G"
	KarmaBad  KarmaValue = "B"
)

// A Group is one chat group. The addon is installed per room, but karma
// is stored per group, never globally.
type Group struct {
	GroupID int64 `db:"group_id"`
}

// An Instance is one room-level installation of the addon, holding the
// OAuth credentials it was issued at install time.
type Instance struct {
	OAuthClientID string `db:"oauth_client_id"`
	OAuthSecret   string `db:"oauth_secret"`
	OAuthToken    string `db:"oauth_token"`
	RoomID        int64  `db:"room_id"`
	GroupID       int64  `db:"group_id"`
}

// A KarmicEntity is a thing that can have karma. It could be a user, or
// just some string. Identity is the (group, name, type) triple; for users
// the name is their numeric ID rendered as a string.
type KarmicEntity struct {
	ID       int64      `db:"id"`
	GroupID  int64      `db:"group_id"`
	Name     string     `db:"name"`
	Type     EntityType `db:"type"`
	Karma    int        `db:"karma"`
	MaxKarma int        `db:"max_karma"`
	MinKarma int        `db:"min_karma"`
	// MentionName is a best-effort cached display name for user entities.
	// It is never used as a lookup key.
	MentionName string `db:"mention_name"`
}

// GiveKarma applies one unit of karma to the entity, widening the
// [min_karma, max_karma] envelope when the new total moves past a bound.
func (e *KarmicEntity) GiveKarma(v KarmaValue) {
	karma := e.Karma
	switch v {
	case KarmaGood:
		karma++
	case KarmaBad:
		karma--
	}

	if karma > e.MaxKarma {
		e.MaxKarma = karma
	} else if karma < e.MinKarma {
		e.MinKarma = karma
	}
	e.Karma = karma
}

// DisplayName is what the entity is called in notifications. User entities
// render as their cached mention name when one has been observed.
func (e KarmicEntity) DisplayName() string {
	if e.Type == EntityUser && e.MentionName != "" {
		return "@" + e.MentionName
	}
	return e.Name
}

// A Karma is one instance of karma being given to some entity. Rows are
// append-only: never mutated or deleted after creation.
type Karma struct {
	ID          int64      `db:"id"`
	RecipientID int64      `db:"recipient_id"`
	SenderID    int64      `db:"sender_id"`
	RoomID      int64      `db:"room_id"`
	Value       KarmaValue `db:"value"`
	Comment     string     `db:"comment"`
	CreatedAt   time.Time  `db:"created_at"`
}
