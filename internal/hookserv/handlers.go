package hookserv

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/johnfrench/hipkarma/internal/core"
	"github.com/johnfrench/hipkarma/internal/core/models"
	"github.com/johnfrench/hipkarma/internal/hipchat"
)

// What the chat platform sends to the hook endpoints.
type webhookEvent struct {
	Event string `json:"event"`
	Item  struct {
		Room struct {
			ID int64 `json:"id"`
		} `json:"room"`
		Message struct {
			Message  string        `json:"message"`
			From     payloadUser   `json:"from"`
			Mentions []payloadUser `json:"mentions"`
		} `json:"message"`
	} `json:"item"`
	OAuthClientID string `json:"oauth_client_id"`
}

type payloadUser struct {
	ID          int64  `json:"id"`
	MentionName string `json:"mention_name"`
}

func decodeEvent(r *http.Request) (webhookEvent, error) {
	var ev webhookEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		return webhookEvent{}, fmt.Errorf("error decoding event: %s", err)
	}

	if ev.Event != "room_message" {
		return webhookEvent{}, fmt.Errorf("unexpected event %q", ev.Event)
	}
	if ev.Item.Message.Message == "" {
		return webhookEvent{}, errors.New("event has no message")
	}
	if ev.Item.Message.From.ID == 0 {
		return webhookEvent{}, errors.New("event has no sender")
	}
	if ev.Item.Room.ID == 0 {
		return webhookEvent{}, errors.New("event has no room")
	}
	if ev.OAuthClientID == "" {
		return webhookEvent{}, errors.New("event has no oauth client id")
	}

	return ev, nil
}

func (ev webhookEvent) senderID() string {
	return strconv.FormatInt(ev.Item.Message.From.ID, 10)
}

func (ev webhookEvent) mentions() []core.Mention {
	ms := make([]core.Mention, 0, len(ev.Item.Message.Mentions))
	for _, m := range ev.Item.Message.Mentions {
		ms = append(ms, core.Mention{ID: m.ID, MentionName: m.MentionName})
	}
	return ms
}

// Everyone the payload names, sender included, for the display-name cache.
func (ev webhookEvent) allUsers() []core.Mention {
	return append(ev.mentions(), core.Mention{
		ID:          ev.Item.Message.From.ID,
		MentionName: ev.Item.Message.From.MentionName,
	})
}

// instanceFor resolves the installation a hook event belongs to, writing the
// HTTP error itself when it can't.
func (s *Server) instanceFor(w http.ResponseWriter, r *http.Request, ev webhookEvent) (models.Instance, bool) {
	inst, err := s.cr.Instance(r.Context(), ev.OAuthClientID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			http.Error(w, "unknown installation", http.StatusNotFound)
			return models.Instance{}, false
		}
		http.Error(w, fmt.Sprintf("error looking up installation: %s", err), http.StatusInternalServerError)
		return models.Instance{}, false
	}

	return inst, true
}

func (s *Server) handleGiveHook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ev, err := decodeEvent(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		inst, ok := s.instanceFor(w, r, ev)
		if !ok {
			return
		}

		g, ok := s.parser.Give(ev.Item.Message.Message)
		if !ok {
			http.Error(w, "message is not a karma command", http.StatusBadRequest)
			return
		}

		ctx := r.Context()
		if err := s.cr.UpdateMentions(ctx, inst.GroupID, ev.allUsers()); err != nil {
			// Cache refresh only; the award still goes through.
			s.l.Warnw("error updating mentions", "err", err)
		}

		typ, name := core.Resolve(g.Mention, g.Name, ev.mentions())
		value := models.KarmaBad
		if g.Good {
			value = models.KarmaGood
		}

		_, err = s.cr.Apply(ctx, inst.GroupID, ev.senderID(), name, typ, value, ev.Item.Room.ID, g.Comment)
		if errors.Is(err, core.ErrSelfKarma) {
			if err := s.notify(ctx, inst, renderSelfKarma(ev.Item.Message.From.MentionName)); err != nil {
				http.Error(w, fmt.Sprintf("error sending notification: %s", err), http.StatusInternalServerError)
				return
			}
			return
		}
		if err != nil {
			http.Error(w, fmt.Sprintf("error applying karma: %s", err), http.StatusInternalServerError)
			return
		}

		recipient, err := s.cr.GetEntity(ctx, inst.GroupID, name, typ)
		if err != nil {
			http.Error(w, fmt.Sprintf("error loading recipient: %s", err), http.StatusInternalServerError)
			return
		}

		// The karma is recorded at this point; a failed notification does
		// not roll it back.
		if err := s.notify(ctx, inst, renderGive(recipient, value)); err != nil {
			http.Error(w, fmt.Sprintf("error sending notification: %s", err), http.StatusInternalServerError)
			return
		}
	}
}

func (s *Server) handleShowHook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ev, err := decodeEvent(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		inst, ok := s.instanceFor(w, r, ev)
		if !ok {
			return
		}

		sh, ok := s.parser.Show(ev.Item.Message.Message)
		if !ok {
			http.Error(w, "message is not a show command", http.StatusBadRequest)
			return
		}

		ctx := r.Context()
		typ, name := core.Resolve(sh.Mention, sh.Name, ev.mentions())

		entity, err := s.cr.GetEntity(ctx, inst.GroupID, name, typ)
		if errors.Is(err, core.ErrNotFound) {
			// Showing is a pure read: the entity is not created here.
			display := name
			if typ == models.EntityUser {
				display = "@" + sh.Name
			}
			if err := s.notify(ctx, inst, renderNeverReceived(display)); err != nil {
				http.Error(w, fmt.Sprintf("error sending notification: %s", err), http.StatusInternalServerError)
			}
			return
		}
		if err != nil {
			http.Error(w, fmt.Sprintf("error loading entity: %s", err), http.StatusInternalServerError)
			return
		}

		if err := s.cr.UpdateMentions(ctx, inst.GroupID, ev.allUsers()); err != nil {
			s.l.Warnw("error updating mentions", "err", err)
		}

		good, bad, err := s.cr.Sample(ctx, entity, s.cfg.SampleSize)
		if err != nil {
			http.Error(w, fmt.Sprintf("error sampling karma: %s", err), http.StatusInternalServerError)
			return
		}

		if err := s.notify(ctx, inst, renderShow(entity, good, bad)); err != nil {
			http.Error(w, fmt.Sprintf("error sending notification: %s", err), http.StatusInternalServerError)
			return
		}
	}
}

func (s *Server) handleHelpHook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ev, err := decodeEvent(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		inst, ok := s.instanceFor(w, r, ev)
		if !ok {
			return
		}

		if !s.parser.Help(ev.Item.Message.Message) {
			http.Error(w, "message is not a help command", http.StatusBadRequest)
			return
		}

		ctx := r.Context()
		if err := s.cr.UpdateMentions(ctx, inst.GroupID, ev.allUsers()); err != nil {
			s.l.Warnw("error updating mentions", "err", err)
		}

		if err := s.notify(ctx, inst, renderHelp(s.cfg.AddonChatName)); err != nil {
			http.Error(w, fmt.Sprintf("error sending notification: %s", err), http.StatusInternalServerError)
			return
		}
	}
}

// What the chat platform posts when a room installs the addon.
type installPayload struct {
	CapabilitiesURL string `json:"capabilitiesUrl"`
	OAuthID         string `json:"oauthId"`
	OAuthSecret     string `json:"oauthSecret"`
	RoomID          int64  `json:"roomId"`
}

func (s *Server) handleInstall() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p installPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, fmt.Sprintf("error decoding install payload: %s", err), http.StatusBadRequest)
			return
		}
		if p.OAuthID == "" || p.OAuthSecret == "" || p.RoomID == 0 {
			http.Error(w, "install payload missing required fields", http.StatusBadRequest)
			return
		}
		if p.CapabilitiesURL != s.cfg.CapabilitiesURL {
			http.Error(w, "unsupported capabilities url", http.StatusBadRequest)
			return
		}

		ctx := r.Context()
		auth, err := s.chat.Authenticate(ctx, p.OAuthID, p.OAuthSecret)
		if err != nil {
			if hipchat.IsUnauthorized(err) {
				http.Error(w, "invalid oauth credentials", http.StatusBadRequest)
				return
			}
			http.Error(w, fmt.Sprintf("error authenticating: %s", err), http.StatusInternalServerError)
			return
		}

		inst := models.Instance{
			OAuthClientID: p.OAuthID,
			OAuthSecret:   p.OAuthSecret,
			OAuthToken:    auth.AccessToken,
			RoomID:        p.RoomID,
			GroupID:       auth.GroupID,
		}
		if err := s.cr.RegisterInstance(ctx, inst); err != nil {
			http.Error(w, fmt.Sprintf("error registering instance: %s", err), http.StatusInternalServerError)
			return
		}

		s.l.Infow("installed", "client_id", p.OAuthID, "group_id", auth.GroupID, "room_id", p.RoomID)
		w.WriteHeader(http.StatusCreated)
	}
}

func (s *Server) handleUninstall() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientID := mux.Vars(r)["client_id"]
		if err := s.cr.RemoveInstance(r.Context(), clientID); err != nil {
			http.Error(w, fmt.Sprintf("error removing instance: %s", err), http.StatusInternalServerError)
			return
		}

		s.l.Infow("uninstalled", "client_id", clientID)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleIndex() http.HandlerFunc {
	greeting := fmt.Sprintf("Hello from %s!", s.cfg.AddonName)
	return func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(greeting))
	}
}
