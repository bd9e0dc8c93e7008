// Package hookserv runs the addon's HTTP surface: the capabilities
// descriptor, the install/uninstall callbacks, and the chat webhooks.
package hookserv

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/xid"
	"go.uber.org/zap"

	"github.com/johnfrench/hipkarma/internal/core"
	"github.com/johnfrench/hipkarma/internal/hipchat"
	"github.com/johnfrench/hipkarma/internal/parse"
)

// ChatClient is the slice of the chat API the handlers need. The real
// implementation is *hipchat.Client.
type ChatClient interface {
	Authenticate(ctx context.Context, clientID, secret string) (hipchat.Auth, error)
	SendRoomNotification(ctx context.Context, token string, roomID int64, message string) error
}

type Config struct {
	Port        int
	TLSCertFile string
	TLSKeyFile  string

	// BaseURL is where this addon is reachable, used in the capabilities
	// descriptor's callback links.
	BaseURL string

	AddonName     string
	AddonChatName string
	AddonKey      string

	// CapabilitiesURL is the chat platform's own capabilities descriptor.
	// Installs advertising any other platform are rejected.
	CapabilitiesURL string

	// Scopes the descriptor asks for, space-separated.
	Scopes string

	// SampleSize is how many good and bad comments a show response quotes.
	SampleSize int
}

type Server struct {
	*http.Server

	cr     core.Core
	chat   ChatClient
	parser parse.Parser
	cfg    Config

	l *zap.SugaredLogger
}

func New(l *zap.SugaredLogger, c Config, cr core.Core, chat ChatClient) *Server {
	if c.SampleSize <= 0 {
		c.SampleSize = 3
	}

	r := mux.NewRouter()

	s := &Server{
		Server: &http.Server{
			Addr:         fmt.Sprintf(":%d", c.Port),
			Handler:      r,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		cr:     cr,
		chat:   chat,
		parser: parse.New(c.AddonChatName),
		cfg:    c,
		l:      l,
	}

	r.HandleFunc("/", s.handleIndex()).Methods(http.MethodGet)
	r.HandleFunc("/capabilities/", s.handleCapabilities()).Methods(http.MethodGet)
	r.HandleFunc("/install/", s.handleInstall()).Methods(http.MethodPost)
	r.HandleFunc("/install/{client_id}", s.handleUninstall()).Methods(http.MethodDelete)
	r.HandleFunc("/hooks/give/", s.handleGiveHook()).Methods(http.MethodPost)
	r.HandleFunc("/hooks/show/", s.handleShowHook()).Methods(http.MethodPost)
	r.HandleFunc("/hooks/help/", s.handleHelpHook()).Methods(http.MethodPost)
	r.HandleFunc("/healthz", handleHealthCheck()).Methods(http.MethodGet)

	r.Use(loggingMiddleware(l))

	return s
}

// statusWriter captures the status code a handler writes, for the request log.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(l *zap.SugaredLogger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.RequestURI == "/healthz" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			reqID := xid.New().String()

			next.ServeHTTP(sw, r)

			l.Infow("request handled",
				"request_id", reqID,
				"uri", r.RequestURI,
				"method", r.Method,
				"status", sw.status,
				"duration", time.Since(start),
			)
		})
	}
}

func handleHealthCheck() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {}
}
