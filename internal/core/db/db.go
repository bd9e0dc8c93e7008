package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/johnfrench/hipkarma/internal/core/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// A DB struct holds the connection to sqlite and provides methods for interacting with
// persistent storage
type DB struct {
	db *sqlx.DB
}

// New creates an instance of our repository using the provided connection
func New(db *sqlx.DB) DB {
	return DB{
		db: db,
	}
}

// EnsureGroup makes sure a row exists for the given group id.
func (db DB) EnsureGroup(ctx context.Context, groupID int64) error {
	q := `
	INSERT INTO groups(group_id) VALUES (?) ON CONFLICT(group_id) DO NOTHING;
	`
	if _, err := db.db.ExecContext(ctx, q, groupID); err != nil {
		return fmt.Errorf("error ensuring group: %s", err)
	}

	return nil
}

// CreateInstance stores a freshly installed instance. The chat platform
// re-sends install callbacks, so a known client id has its credentials
// replaced rather than conflicting.
func (db DB) CreateInstance(ctx context.Context, inst models.Instance) error {
	q := `
	INSERT INTO instances(oauth_client_id, oauth_secret, oauth_token, room_id, group_id)
	VALUES (:oauth_client_id, :oauth_secret, :oauth_token, :room_id, :group_id)
	ON CONFLICT(oauth_client_id) DO UPDATE SET
		oauth_secret=excluded.oauth_secret,
		oauth_token=excluded.oauth_token,
		room_id=excluded.room_id,
		group_id=excluded.group_id;
	`
	if _, err := db.db.NamedExecContext(ctx, q, inst); err != nil {
		return fmt.Errorf("error creating instance: %s", err)
	}

	return nil
}

// GetInstance looks up an installation by its OAuth client id.
func (db DB) GetInstance(ctx context.Context, clientID string) (models.Instance, error) {
	q := `
	SELECT * FROM instances WHERE oauth_client_id = ? LIMIT 1;
	`

	inst := models.Instance{}
	if err := db.db.GetContext(ctx, &inst, q, clientID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Instance{}, ErrNotFound
		}
		return models.Instance{}, fmt.Errorf("error retrieving instance: %s", err)
	}

	return inst, nil
}

// UpdateInstanceToken overwrites the stored OAuth token after a re-authentication.
func (db DB) UpdateInstanceToken(ctx context.Context, clientID, token string) error {
	q := `
	UPDATE instances SET oauth_token = ? WHERE oauth_client_id = ?;
	`
	if _, err := db.db.ExecContext(ctx, q, token, clientID); err != nil {
		return fmt.Errorf("error updating instance token: %s", err)
	}

	return nil
}

// DeleteInstance removes an installation. Deleting an unknown id is not an error.
func (db DB) DeleteInstance(ctx context.Context, clientID string) error {
	q := `
	DELETE FROM instances WHERE oauth_client_id = ?;
	`
	if _, err := db.db.ExecContext(ctx, q, clientID); err != nil {
		return fmt.Errorf("error deleting instance: %s", err)
	}

	return nil
}

// GetEntity looks up a karmic entity by its identity triple.
func (db DB) GetEntity(ctx context.Context, groupID int64, name string, typ models.EntityType) (models.KarmicEntity, error) {
	q := `
	SELECT * FROM karmic_entities WHERE group_id = ? AND name = ? AND type = ? LIMIT 1;
	`

	e := models.KarmicEntity{}
	if err := db.db.GetContext(ctx, &e, q, groupID, name, typ); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.KarmicEntity{}, ErrNotFound
		}
		return models.KarmicEntity{}, fmt.Errorf("error retrieving entity: %s", err)
	}

	return e, nil
}

// UpsertMentionName caches the display name for a user entity, creating a
// zero-karma entity if the user has never been seen before.
func (db DB) UpsertMentionName(ctx context.Context, groupID int64, userID, mentionName string) error {
	q := `
	INSERT INTO karmic_entities(group_id, name, type, mention_name) VALUES (?, ?, ?, ?)
	ON CONFLICT(group_id, name, type) DO UPDATE SET mention_name=excluded.mention_name;
	`
	if _, err := db.db.ExecContext(ctx, q, groupID, userID, models.EntityUser, mentionName); err != nil {
		return fmt.Errorf("error upserting mention name: %s", err)
	}

	return nil
}

// ApplyKarma records one karma award inside a single transaction: both entities
// are created if missing, the recipient's counters move by one, and an
// append-only karma row is written. The connection must open transactions
// immediately with a busy timeout (the _txlock/busy_timeout DSN options) so
// that concurrent awards to the same entity queue on the write lock and never
// lose updates.
func (db DB) ApplyKarma(ctx context.Context, groupID int64, senderID, recipientName string, recipientType models.EntityType, value models.KarmaValue, roomID int64, comment string) (models.Karma, error) {
	tx, err := db.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Karma{}, fmt.Errorf("error beginning transaction: %s", err)
	}
	defer tx.Rollback()

	recipient, err := getOrCreateEntity(ctx, tx, groupID, recipientName, recipientType)
	if err != nil {
		return models.Karma{}, err
	}
	sender, err := getOrCreateEntity(ctx, tx, groupID, senderID, models.EntityUser)
	if err != nil {
		return models.Karma{}, err
	}

	recipient.GiveKarma(value)

	uq := `
	UPDATE karmic_entities SET karma = ?, max_karma = ?, min_karma = ? WHERE id = ?;
	`
	if _, err := tx.ExecContext(ctx, uq, recipient.Karma, recipient.MaxKarma, recipient.MinKarma, recipient.ID); err != nil {
		return models.Karma{}, fmt.Errorf("error updating entity karma: %s", err)
	}

	k := models.Karma{
		RecipientID: recipient.ID,
		SenderID:    sender.ID,
		RoomID:      roomID,
		Value:       value,
		Comment:     comment,
		CreatedAt:   time.Now().UTC(),
	}
	iq := `
	INSERT INTO karma(recipient_id, sender_id, room_id, value, comment, created_at)
	VALUES (?, ?, ?, ?, ?, ?);
	`
	res, err := tx.ExecContext(ctx, iq, k.RecipientID, k.SenderID, k.RoomID, k.Value, k.Comment, k.CreatedAt)
	if err != nil {
		return models.Karma{}, fmt.Errorf("error inserting karma: %s", err)
	}
	k.ID, err = res.LastInsertId()
	if err != nil {
		return models.Karma{}, fmt.Errorf("error reading karma id: %s", err)
	}

	if err := tx.Commit(); err != nil {
		return models.Karma{}, fmt.Errorf("error committing karma: %s", err)
	}

	return k, nil
}

func getOrCreateEntity(ctx context.Context, tx *sqlx.Tx, groupID int64, name string, typ models.EntityType) (models.KarmicEntity, error) {
	q := `
	INSERT INTO karmic_entities(group_id, name, type) VALUES (?, ?, ?)
	ON CONFLICT(group_id, name, type) DO NOTHING;
	`
	if _, err := tx.ExecContext(ctx, q, groupID, name, typ); err != nil {
		return models.KarmicEntity{}, fmt.Errorf("error creating entity: %s", err)
	}

	e := models.KarmicEntity{}
	sq := `
	SELECT * FROM karmic_entities WHERE group_id = ? AND name = ? AND type = ? LIMIT 1;
	`
	if err := tx.GetContext(ctx, &e, sq, groupID, name, typ); err != nil {
		return models.KarmicEntity{}, fmt.Errorf("error retrieving entity: %s", err)
	}

	return e, nil
}

// EachKarma walks the commented karma rows of one polarity received by an
// entity, calling fn once per row. Rows without a comment are skipped.
func (db DB) EachKarma(ctx context.Context, recipientID int64, value models.KarmaValue, fn func(models.Karma) error) error {
	q := `
	SELECT * FROM karma WHERE recipient_id = ? AND value = ? AND comment != '';
	`

	rows, err := db.db.QueryxContext(ctx, q, recipientID, value)
	if err != nil {
		return fmt.Errorf("error querying karma: %s", err)
	}
	defer rows.Close()

	for rows.Next() {
		var k models.Karma
		if err := rows.StructScan(&k); err != nil {
			return fmt.Errorf("error scanning karma: %s", err)
		}
		if err := fn(k); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating karma: %s", err)
	}

	return nil
}
