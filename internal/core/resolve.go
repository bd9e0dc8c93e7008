package core

import (
	"strconv"
	"strings"

	"github.com/johnfrench/hipkarma/internal/core/models"
)

// A Mention is one entry from a webhook payload's mention list: a user the
// message referenced, with the platform's numeric id and display name.
type Mention struct {
	ID          int64
	MentionName string
}

// UserID is the mention's id in the form the ledger uses as an entity name.
func (m Mention) UserID() string {
	return strconv.FormatInt(m.ID, 10)
}

// Resolve maps a parsed target to a ledger identity. A name written as a
// mention resolves to the user the payload's mention list pairs it with;
// mention names are compared case-insensitively, since the chat platform
// treats them that way. Anything else, including mentions the payload does
// not corroborate, is an arbitrary string kept verbatim (leading '@' and all).
//
// Resolution depends only on the payload at hand, not on any directory: the
// same display name can resolve differently across messages if the platform
// sends different mention lists.
func Resolve(mentionPrefix bool, name string, mentions []Mention) (models.EntityType, string) {
	if mentionPrefix {
		for _, m := range mentions {
			if strings.EqualFold(m.MentionName, name) {
				return models.EntityUser, m.UserID()
			}
		}
		return models.EntityString, "@" + name
	}

	return models.EntityString, name
}
