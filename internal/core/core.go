// Package core holds the karma ledger: applying awards, sampling history,
// and maintaining the mention-name cache.
package core

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/johnfrench/hipkarma/internal/core/db"
	"github.com/johnfrench/hipkarma/internal/core/models"
)

// ErrSelfKarma is returned when a user tries to award themselves good karma.
var ErrSelfKarma = errors.New("cannot give yourself karma")

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = db.ErrNotFound

type Core struct {
	db db.DB
}

func New(db db.DB) Core {
	return Core{
		db: db,
	}
}

// Apply records one karma award from senderID to the named recipient within a
// group. Good karma from a user to themselves is rejected with ErrSelfKarma;
// bad self-karma is allowed. Everything else runs in one storage transaction.
func (c Core) Apply(ctx context.Context, groupID int64, senderID, recipientName string, recipientType models.EntityType, value models.KarmaValue, roomID int64, comment string) (models.Karma, error) {
	if recipientType == models.EntityUser && value == models.KarmaGood && senderID == recipientName {
		return models.Karma{}, ErrSelfKarma
	}

	k, err := c.db.ApplyKarma(ctx, groupID, senderID, recipientName, recipientType, value, roomID, comment)
	if err != nil {
		return models.Karma{}, fmt.Errorf("error applying karma: %s", err)
	}

	return k, nil
}

// GetEntity returns the ledger record for an identity triple, or ErrNotFound.
// It never creates anything: showing karma must not have side effects.
func (c Core) GetEntity(ctx context.Context, groupID int64, name string, typ models.EntityType) (models.KarmicEntity, error) {
	e, err := c.db.GetEntity(ctx, groupID, name, typ)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return models.KarmicEntity{}, ErrNotFound
		}
		return models.KarmicEntity{}, fmt.Errorf("error getting entity: %s", err)
	}

	return e, nil
}

// Sample returns up to n commented karma events of each polarity received by
// the entity, drawn uniformly from the full history with reservoir sampling so
// every event is equally likely regardless of how long the history is.
func (c Core) Sample(ctx context.Context, entity models.KarmicEntity, n int) (good, bad []models.Karma, err error) {
	good, err = c.sampleValue(ctx, entity.ID, models.KarmaGood, n)
	if err != nil {
		return nil, nil, err
	}
	bad, err = c.sampleValue(ctx, entity.ID, models.KarmaBad, n)
	if err != nil {
		return nil, nil, err
	}

	return good, bad, nil
}

func (c Core) sampleValue(ctx context.Context, recipientID int64, value models.KarmaValue, n int) ([]models.Karma, error) {
	if n <= 0 {
		return nil, nil
	}

	// Algorithm R: keep the first n rows, then replace a random slot with
	// decreasing probability.
	reservoir := make([]models.Karma, 0, n)
	seen := 0
	err := c.db.EachKarma(ctx, recipientID, value, func(k models.Karma) error {
		seen++
		if len(reservoir) < n {
			reservoir = append(reservoir, k)
			return nil
		}
		if j := rand.Intn(seen); j < n {
			reservoir[j] = k
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error sampling karma: %s", err)
	}

	return reservoir, nil
}

// UpdateMentions refreshes the cached mention names for the given users,
// creating zero-karma entities for users the ledger has never seen. The cache
// is only for rendering; it is never used to resolve identities.
func (c Core) UpdateMentions(ctx context.Context, groupID int64, mentions []Mention) error {
	for _, m := range mentions {
		if m.MentionName == "" {
			continue
		}
		if err := c.db.UpsertMentionName(ctx, groupID, m.UserID(), m.MentionName); err != nil {
			return fmt.Errorf("error updating mention for %s: %s", m.UserID(), err)
		}
	}

	return nil
}

// RegisterInstance stores a new installation, creating its group if needed.
func (c Core) RegisterInstance(ctx context.Context, inst models.Instance) error {
	if err := c.db.EnsureGroup(ctx, inst.GroupID); err != nil {
		return fmt.Errorf("error ensuring group: %s", err)
	}
	if err := c.db.CreateInstance(ctx, inst); err != nil {
		return fmt.Errorf("error registering instance: %s", err)
	}

	return nil
}

// Instance looks up an installation by OAuth client id, or ErrNotFound.
func (c Core) Instance(ctx context.Context, clientID string) (models.Instance, error) {
	inst, err := c.db.GetInstance(ctx, clientID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return models.Instance{}, ErrNotFound
		}
		return models.Instance{}, fmt.Errorf("error getting instance: %s", err)
	}

	return inst, nil
}

// SaveInstanceToken persists a refreshed OAuth token.
func (c Core) SaveInstanceToken(ctx context.Context, clientID, token string) error {
	if err := c.db.UpdateInstanceToken(ctx, clientID, token); err != nil {
		return fmt.Errorf("error saving token: %s", err)
	}

	return nil
}

// RemoveInstance deletes an installation.
func (c Core) RemoveInstance(ctx context.Context, clientID string) error {
	if err := c.db.DeleteInstance(ctx, clientID); err != nil {
		return fmt.Errorf("error removing instance: %s", err)
	}

	return nil
}
