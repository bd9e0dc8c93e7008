package hookserv

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/johnfrench/hipkarma/internal/parse"
)

// The addon descriptor the chat platform fetches before installing. The
// webhook patterns are the same regexes the parser matches with, so the
// platform only forwards messages the handlers can act on.
type capabilities struct {
	Key          string                 `json:"key"`
	Name         string                 `json:"name"`
	Description  string                 `json:"description"`
	Links        capabilityLinks        `json:"links"`
	Capabilities capabilityDeclarations `json:"capabilities"`
}

type capabilityLinks struct {
	Self string `json:"self"`
}

type capabilityDeclarations struct {
	HipchatAPIConsumer apiConsumer `json:"hipchatApiConsumer"`
	Installable        installable `json:"installable"`
	Webhooks           []webhook   `json:"webhook"`
}

type apiConsumer struct {
	Scopes []string `json:"scopes"`
}

type installable struct {
	AllowRoom   bool   `json:"allowRoom"`
	AllowGlobal bool   `json:"allowGlobal"`
	CallbackURL string `json:"callbackUrl"`
}

type webhook struct {
	URL     string `json:"url"`
	Event   string `json:"event"`
	Pattern string `json:"pattern"`
	Name    string `json:"name"`
}

func (s *Server) handleCapabilities() http.HandlerFunc {
	base := strings.TrimRight(s.cfg.BaseURL, "/")
	caps := capabilities{
		Key:         s.cfg.AddonKey,
		Name:        s.cfg.AddonName,
		Description: "Give karma to your teammates (or anything else) with ++ and --.",
		Links: capabilityLinks{
			Self: base + "/capabilities/",
		},
		Capabilities: capabilityDeclarations{
			HipchatAPIConsumer: apiConsumer{
				Scopes: strings.Fields(s.cfg.Scopes),
			},
			Installable: installable{
				AllowRoom:   true,
				AllowGlobal: false,
				CallbackURL: base + "/install/",
			},
			Webhooks: []webhook{
				{
					URL:     base + "/hooks/give/",
					Event:   "room_message",
					Pattern: parse.GivePattern(),
					Name:    "give",
				},
				{
					URL:     base + "/hooks/show/",
					Event:   "room_message",
					Pattern: parse.ShowPattern(s.cfg.AddonChatName),
					Name:    "show",
				},
				{
					URL:     base + "/hooks/help/",
					Event:   "room_message",
					Pattern: parse.HelpPattern(s.cfg.AddonChatName),
					Name:    "help",
				},
			},
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(caps); err != nil {
			s.l.Errorw("error encoding capabilities", "err", err)
		}
	}
}
