package hookserv

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/johnfrench/hipkarma/internal/core"
	coredb "github.com/johnfrench/hipkarma/internal/core/db"
	"github.com/johnfrench/hipkarma/internal/core/models"
	"github.com/johnfrench/hipkarma/internal/hipchat"
)

var (
	sqlxDB *sqlx.DB
	cr     core.Core
)

func removeDB() {
	os.Remove("../../test_hookserv.sqlite")
	os.Remove("../../test_hookserv.sqlite-shm")
	os.Remove("../../test_hookserv.sqlite-wal")
}

func truncateDB(t *testing.T) {
	t.Helper()
	for _, table := range []string{"karma", "karmic_entities", "instances", "groups"} {
		if _, err := sqlxDB.Exec("DELETE FROM " + table + ";"); err != nil {
			t.Fatalf("unexpected error truncating %s: %s", table, err)
		}
	}
}

func TestMain(t *testing.M) {
	u, err := url.Parse("../../test_hookserv.sqlite")
	if err != nil {
		fmt.Println("error parsing url: ", err)
		os.Exit(1)
	}

	q := u.Query()
	q.Add("_journal", "WAL")
	q.Add("_txlock", "immediate")
	u.RawQuery = q.Encode()

	sqlxDB, err = sqlx.Open("sqlite3", u.String())
	if err != nil {
		fmt.Println("error opening test db: ", err)
		removeDB()
		os.Exit(1)
	}

	ups, err := os.ReadDir("../../migrate")
	if err != nil {
		fmt.Println("error reading migrate dir: ", err)
		removeDB()
		os.Exit(1)
	}

	for _, up := range ups {
		if up.IsDir() || !strings.HasSuffix(up.Name(), "sql") {
			continue
		}

		upBytes, err := os.ReadFile(filepath.Join("../../migrate", up.Name()))
		if err != nil {
			fmt.Println("error reading migration file: ", err)
			removeDB()
			os.Exit(1)
		}

		if _, err := sqlxDB.Exec(string(upBytes)); err != nil {
			fmt.Println("error executing migration: ", err)
			removeDB()
			os.Exit(1)
		}
	}

	cr = core.New(coredb.New(sqlxDB))

	code := t.Run()

	removeDB()
	os.Exit(code)
}

// fakeChat stands in for the chat API: it records notifications and can be
// told to reject the first send as unauthorized.
type fakeChat struct {
	notifications    []string
	tokens           []string
	authCalls        int
	auth             hipchat.Auth
	authErr          error
	unauthorizedOnce bool
}

func (f *fakeChat) Authenticate(ctx context.Context, clientID, secret string) (hipchat.Auth, error) {
	f.authCalls++
	if f.authErr != nil {
		return hipchat.Auth{}, f.authErr
	}
	return f.auth, nil
}

func (f *fakeChat) SendRoomNotification(ctx context.Context, token string, roomID int64, message string) error {
	f.tokens = append(f.tokens, token)
	if f.unauthorizedOnce {
		f.unauthorizedOnce = false
		return &hipchat.APIError{Kind: hipchat.KindUnauthorized, StatusCode: http.StatusUnauthorized}
	}
	f.notifications = append(f.notifications, message)
	return nil
}

func newTestServer(fake *fakeChat) *Server {
	return New(zap.NewNop().Sugar(), Config{
		Port:            0,
		BaseURL:         "https://karma.example.com",
		AddonName:       "Karma",
		AddonChatName:   "karma",
		AddonKey:        "com.example.karma",
		CapabilitiesURL: "https://api.hipchat.com/v2/capabilities",
		Scopes:          "send_notification view_group",
	}, cr, fake)
}

func seedInstance(t *testing.T) models.Instance {
	t.Helper()
	inst := models.Instance{
		OAuthClientID: "client-1",
		OAuthSecret:   "hunter2",
		OAuthToken:    "tok-1",
		RoomID:        99,
		GroupID:       1,
	}
	require.NoError(t, cr.RegisterInstance(context.Background(), inst))
	return inst
}

func hookBody(t *testing.T, message string, from payloadUser, mentions ...payloadUser) *bytes.Reader {
	t.Helper()
	ev := webhookEvent{
		Event:         "room_message",
		OAuthClientID: "client-1",
	}
	ev.Item.Room.ID = 99
	ev.Item.Message.Message = message
	ev.Item.Message.From = from
	ev.Item.Message.Mentions = mentions

	b, err := json.Marshal(ev)
	require.NoError(t, err)
	return bytes.NewReader(b)
}

func doRequest(s *Server, method, path string, body *bytes.Reader) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, body)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.Server.Handler.ServeHTTP(rec, req)
	return rec
}

func TestGiveHookString(t *testing.T) {
	truncateDB(t)
	seedInstance(t)
	fake := &fakeChat{}
	s := newTestServer(fake)

	rec := doRequest(s, http.MethodPost, "/hooks/give/",
		hookBody(t, "@phone++ #nice", payloadUser{ID: 42, MentionName: "alice"}))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// No mention entry for "phone", so the target is the literal string "@phone".
	entity, err := cr.GetEntity(context.Background(), 1, "@phone", models.EntityString)
	require.NoError(t, err)
	assert.Equal(t, 1, entity.Karma)
	assert.Equal(t, 1, entity.MaxKarma)
	assert.Equal(t, 0, entity.MinKarma)

	require.Len(t, fake.notifications, 1)
	assert.Contains(t, fake.notifications[0], "@phone")
	assert.Contains(t, fake.notifications[0], "1 point")

	var comment string
	require.NoError(t, sqlxDB.Get(&comment, "SELECT comment FROM karma LIMIT 1;"))
	assert.Equal(t, "nice", comment)
}

func TestGiveHookParenthesized(t *testing.T) {
	truncateDB(t)
	seedInstance(t)
	fake := &fakeChat{}
	s := newTestServer(fake)

	rec := doRequest(s, http.MethodPost, "/hooks/give/",
		hookBody(t, "(two words)--", payloadUser{ID: 42, MentionName: "alice"}))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// The parentheses are stripped by the parser.
	entity, err := cr.GetEntity(context.Background(), 1, "two words", models.EntityString)
	require.NoError(t, err)
	assert.Equal(t, -1, entity.Karma)

	_, err = cr.GetEntity(context.Background(), 1, "(two words)", models.EntityString)
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestGiveHookMentionResolvesToUser(t *testing.T) {
	truncateDB(t)
	seedInstance(t)
	fake := &fakeChat{}
	s := newTestServer(fake)

	rec := doRequest(s, http.MethodPost, "/hooks/give/",
		hookBody(t, "@bob++ # good catch",
			payloadUser{ID: 42, MentionName: "alice"},
			payloadUser{ID: 7, MentionName: "bob"}))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	entity, err := cr.GetEntity(context.Background(), 1, "7", models.EntityUser)
	require.NoError(t, err)
	assert.Equal(t, 1, entity.Karma)
	assert.Equal(t, "bob", entity.MentionName)

	require.Len(t, fake.notifications, 1)
	assert.Contains(t, fake.notifications[0], "@bob")
}

func TestGiveHookSelfKarma(t *testing.T) {
	truncateDB(t)
	seedInstance(t)
	fake := &fakeChat{}
	s := newTestServer(fake)

	rec := doRequest(s, http.MethodPost, "/hooks/give/",
		hookBody(t, "@bob++",
			payloadUser{ID: 42, MentionName: "bob"},
			payloadUser{ID: 42, MentionName: "bob"}))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var n int
	require.NoError(t, sqlxDB.Get(&n, "SELECT COUNT(*) FROM karma;"))
	assert.Zero(t, n, "self-karma must not create a karma row")

	require.Len(t, fake.notifications, 1)
	assert.Contains(t, fake.notifications[0], "Nice try")
}

func TestGiveHookSelfKarmaNoMentionName(t *testing.T) {
	truncateDB(t)
	seedInstance(t)
	fake := &fakeChat{}
	s := newTestServer(fake)

	// The sender entry carries no mention name, only the mention list does.
	rec := doRequest(s, http.MethodPost, "/hooks/give/",
		hookBody(t, "@bob++",
			payloadUser{ID: 42},
			payloadUser{ID: 42, MentionName: "bob"}))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, fake.notifications, 1)
	assert.Equal(t, "Nice try, but you cannot give yourself karma.", fake.notifications[0])
}

func TestGiveHookSelfKarmaBadAllowed(t *testing.T) {
	truncateDB(t)
	seedInstance(t)
	fake := &fakeChat{}
	s := newTestServer(fake)

	rec := doRequest(s, http.MethodPost, "/hooks/give/",
		hookBody(t, "@bob--",
			payloadUser{ID: 42, MentionName: "bob"},
			payloadUser{ID: 42, MentionName: "bob"}))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	entity, err := cr.GetEntity(context.Background(), 1, "42", models.EntityUser)
	require.NoError(t, err)
	assert.Equal(t, -1, entity.Karma)
}

func TestGiveHookRejections(t *testing.T) {
	truncateDB(t)
	seedInstance(t)
	fake := &fakeChat{}
	s := newTestServer(fake)

	t.Run("malformed json", func(t *testing.T) {
		rec := doRequest(s, http.MethodPost, "/hooks/give/", bytes.NewReader([]byte("{not json")))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("wrong event type", func(t *testing.T) {
		body, err := json.Marshal(map[string]any{"event": "room_enter", "oauth_client_id": "client-1"})
		require.NoError(t, err)
		rec := doRequest(s, http.MethodPost, "/hooks/give/", bytes.NewReader(body))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing room", func(t *testing.T) {
		ev := webhookEvent{Event: "room_message", OAuthClientID: "client-1"}
		ev.Item.Message.Message = "phone++"
		ev.Item.Message.From = payloadUser{ID: 42, MentionName: "alice"}
		b, err := json.Marshal(ev)
		require.NoError(t, err)
		rec := doRequest(s, http.MethodPost, "/hooks/give/", bytes.NewReader(b))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("no regex match", func(t *testing.T) {
		rec := doRequest(s, http.MethodPost, "/hooks/give/",
			hookBody(t, "just chatting", payloadUser{ID: 42, MentionName: "alice"}))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown instance", func(t *testing.T) {
		ev := webhookEvent{Event: "room_message", OAuthClientID: "who-dis"}
		ev.Item.Room.ID = 99
		ev.Item.Message.Message = "phone++"
		ev.Item.Message.From = payloadUser{ID: 42, MentionName: "alice"}
		b, err := json.Marshal(ev)
		require.NoError(t, err)
		rec := doRequest(s, http.MethodPost, "/hooks/give/", bytes.NewReader(b))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	var n int
	require.NoError(t, sqlxDB.Get(&n, "SELECT COUNT(*) FROM karma;"))
	assert.Zero(t, n, "rejected requests must not mutate state")
	assert.Empty(t, fake.notifications)
}

func TestNotifyRetriesOnceAfterReauth(t *testing.T) {
	truncateDB(t)
	seedInstance(t)
	fake := &fakeChat{
		unauthorizedOnce: true,
		auth:             hipchat.Auth{GroupID: 1, AccessToken: "tok-fresh"},
	}
	s := newTestServer(fake)

	rec := doRequest(s, http.MethodPost, "/hooks/give/",
		hookBody(t, "phone++", payloadUser{ID: 42, MentionName: "alice"}))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, fake.authCalls)
	require.Equal(t, []string{"tok-1", "tok-fresh"}, fake.tokens)
	require.Len(t, fake.notifications, 1)

	// The refreshed token is persisted on the instance.
	inst, err := cr.Instance(context.Background(), "client-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-fresh", inst.OAuthToken)
}

func TestNotifySecondFailureIsFatal(t *testing.T) {
	truncateDB(t)
	seedInstance(t)
	fake := &fakeChat{
		unauthorizedOnce: true,
		authErr:          &hipchat.APIError{Kind: hipchat.KindUnauthorized, StatusCode: http.StatusUnauthorized},
	}
	s := newTestServer(fake)

	rec := doRequest(s, http.MethodPost, "/hooks/give/",
		hookBody(t, "phone++", payloadUser{ID: 42, MentionName: "alice"}))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 1, fake.authCalls)

	// The karma was applied before the notification failed and stays applied.
	entity, err := cr.GetEntity(context.Background(), 1, "phone", models.EntityString)
	require.NoError(t, err)
	assert.Equal(t, 1, entity.Karma)
}

func TestShowHookNeverReceived(t *testing.T) {
	truncateDB(t)
	seedInstance(t)
	fake := &fakeChat{}
	s := newTestServer(fake)

	rec := doRequest(s, http.MethodPost, "/hooks/show/",
		hookBody(t, "@karma for @bob",
			payloadUser{ID: 42, MentionName: "alice"},
			payloadUser{ID: 7, MentionName: "bob"}))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, fake.notifications, 1)
	assert.Contains(t, fake.notifications[0], "never received any karma")

	// A pure show creates nothing.
	var n int
	require.NoError(t, sqlxDB.Get(&n, "SELECT COUNT(*) FROM karmic_entities;"))
	assert.Zero(t, n)
}

func TestShowHookWithHistory(t *testing.T) {
	truncateDB(t)
	seedInstance(t)
	fake := &fakeChat{}
	s := newTestServer(fake)

	ctx := context.Background()
	for _, c := range []string{"great coffee", "saved my morning"} {
		_, err := cr.Apply(ctx, 1, "42", "coffee", models.EntityString, models.KarmaGood, 99, c)
		require.NoError(t, err)
	}
	_, err := cr.Apply(ctx, 1, "42", "coffee", models.EntityString, models.KarmaBad, 99, "decaf incident")
	require.NoError(t, err)

	rec := doRequest(s, http.MethodPost, "/hooks/show/",
		hookBody(t, "@karma for coffee", payloadUser{ID: 42, MentionName: "alice"}))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, fake.notifications, 1)
	msg := fake.notifications[0]
	assert.Contains(t, msg, "coffee has 1 point")
	assert.Contains(t, msg, "highest: 2")
	assert.Contains(t, msg, "decaf incident")
}

func TestHelpHook(t *testing.T) {
	truncateDB(t)
	seedInstance(t)
	fake := &fakeChat{}
	s := newTestServer(fake)

	rec := doRequest(s, http.MethodPost, "/hooks/help/",
		hookBody(t, "@karma help", payloadUser{ID: 42, MentionName: "alice"}))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, fake.notifications, 1)
	assert.Contains(t, fake.notifications[0], "++")

	// The sender landed in the display-name cache.
	entity, err := cr.GetEntity(context.Background(), 1, "42", models.EntityUser)
	require.NoError(t, err)
	assert.Equal(t, "alice", entity.MentionName)
}

func TestInstall(t *testing.T) {
	truncateDB(t)
	fake := &fakeChat{auth: hipchat.Auth{GroupID: 17, AccessToken: "tok-new"}}
	s := newTestServer(fake)

	body, err := json.Marshal(installPayload{
		CapabilitiesURL: "https://api.hipchat.com/v2/capabilities",
		OAuthID:         "client-2",
		OAuthSecret:     "s3cret",
		RoomID:          5,
	})
	require.NoError(t, err)

	rec := doRequest(s, http.MethodPost, "/install/", bytes.NewReader(body))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	inst, err := cr.Instance(context.Background(), "client-2")
	require.NoError(t, err)
	assert.Equal(t, int64(17), inst.GroupID)
	assert.Equal(t, int64(5), inst.RoomID)
	assert.Equal(t, "tok-new", inst.OAuthToken)
}

// The chat platform re-sends install callbacks; a second install for the same
// client id must replace the stored credentials, not fail.
func TestInstallTwice(t *testing.T) {
	truncateDB(t)
	fake := &fakeChat{auth: hipchat.Auth{GroupID: 17, AccessToken: "tok-new"}}
	s := newTestServer(fake)

	install := func(secret string, room int64) *httptest.ResponseRecorder {
		body, err := json.Marshal(installPayload{
			CapabilitiesURL: "https://api.hipchat.com/v2/capabilities",
			OAuthID:         "client-2",
			OAuthSecret:     secret,
			RoomID:          room,
		})
		require.NoError(t, err)
		return doRequest(s, http.MethodPost, "/install/", bytes.NewReader(body))
	}

	require.Equal(t, http.StatusCreated, install("s3cret", 5).Code)

	fake.auth = hipchat.Auth{GroupID: 17, AccessToken: "tok-newer"}
	rec := install("rotated", 6)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	inst, err := cr.Instance(context.Background(), "client-2")
	require.NoError(t, err)
	assert.Equal(t, "rotated", inst.OAuthSecret)
	assert.Equal(t, "tok-newer", inst.OAuthToken)
	assert.Equal(t, int64(6), inst.RoomID)
}

func TestInstallRejectsForeignCapabilities(t *testing.T) {
	truncateDB(t)
	fake := &fakeChat{auth: hipchat.Auth{GroupID: 17, AccessToken: "tok-new"}}
	s := newTestServer(fake)

	body, err := json.Marshal(installPayload{
		CapabilitiesURL: "https://selfhosted.example.com/v2/capabilities",
		OAuthID:         "client-2",
		OAuthSecret:     "s3cret",
		RoomID:          5,
	})
	require.NoError(t, err)

	rec := doRequest(s, http.MethodPost, "/install/", bytes.NewReader(body))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, fake.authCalls)

	_, err = cr.Instance(context.Background(), "client-2")
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestUninstall(t *testing.T) {
	truncateDB(t)
	seedInstance(t)
	fake := &fakeChat{}
	s := newTestServer(fake)

	rec := doRequest(s, http.MethodDelete, "/install/client-1", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, err := cr.Instance(context.Background(), "client-1")
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestCapabilities(t *testing.T) {
	fake := &fakeChat{}
	s := newTestServer(fake)

	rec := doRequest(s, http.MethodGet, "/capabilities/", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var caps capabilities
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &caps))
	assert.Equal(t, "com.example.karma", caps.Key)
	assert.Equal(t, "https://karma.example.com/install/", caps.Capabilities.Installable.CallbackURL)
	require.Len(t, caps.Capabilities.Webhooks, 3)
	assert.Contains(t, caps.Capabilities.Webhooks[0].Pattern, `\+\+`)
}
