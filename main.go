/*
Hipkarma runs a group-chat addon that lets people award karma with ++ and --,
tracked per chat group with running totals and history.

It takes in no flags but multiple environment variables that are documented
in the README. It will not serve TLS by default, but can be enabled if a
cert and key file are provided.

It's backed by a SQLite DB, but does not reqire CGO to compile. There are migrations
in the repo that are run on startup before the server listens to connections.
*/
package main

import (
	"context"
	"embed"
	"fmt"
	"log"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/sethvargo/go-envconfig"
	"go.uber.org/zap/zapcore"
	_ "modernc.org/sqlite"

	"github.com/johnfrench/hipkarma/internal/core"
	"github.com/johnfrench/hipkarma/internal/core/db"
	"github.com/johnfrench/hipkarma/internal/hipchat"
	"github.com/johnfrench/hipkarma/internal/hookserv"
	"github.com/johnfrench/hipkarma/internal/logging"
)

//go:embed migrate/*
var f embed.FS

func main() {
	l := logging.NewLogger()
	defer func() {
		if err := l.Sync(); err != nil {
			log.Fatalf("error syncing logger: %s", err)
		}
	}()

	l.Debug("parsing config...")
	var cfg config
	if err := envconfig.Process(context.Background(), &cfg); err != nil {
		l.Fatalf("error parsing config: %s", err)
	}
	l.Infow("parsed config", "config", cfg)

	// Connect to the database
	sqlDB, err := setupDB(cfg)
	if err != nil {
		l.Fatalf("error opening db: %s", err)
	}
	defer sqlDB.Close()
	d := db.New(sqlDB)

	cr := core.New(d)

	chat := hipchat.NewClient(
		hipchat.ClientConfig{
			APIURL: cfg.HipChatAPIURL,
			Scopes: cfg.Scopes,
			Color:  cfg.NotificationColor,
		},
		l.Named("hipchat_client"),
	)

	s := hookserv.New(
		l.Named("hookserv"),
		hookserv.Config{
			Port:            cfg.Port,
			TLSCertFile:     cfg.TLSCertFile,
			TLSKeyFile:      cfg.TLSKeyFile,
			BaseURL:         cfg.BaseURL,
			AddonName:       cfg.AddonName,
			AddonChatName:   cfg.AddonChatName,
			AddonKey:        cfg.AddonKey,
			CapabilitiesURL: cfg.CapabilitiesURL,
			Scopes:          cfg.Scopes,
			SampleSize:      cfg.SampleSize,
		},
		cr,
		chat,
	)

	l.Infof("serving on port %d", cfg.Port)
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		err = s.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
	} else {
		err = s.ListenAndServe()
	}
	if err != nil {
		l.Errorw("error while serving", "err", err)
	}
}

type config struct {
	// Server
	Port        int    `env:"PORT,default=8080"`
	TLSCertFile string `env:"TLS_CERT_FILE"`
	TLSKeyFile  string `env:"TLS_KEY_FILE"`
	BaseURL     string `env:"BASE_URL"`

	// Database
	DBPath string `env:"DB_PATH,default=karma.sqlite"`

	// Chat platform stuffs
	HipChatAPIURL     string `env:"HIPCHAT_API_URL,default=https://api.hipchat.com/v2"`
	CapabilitiesURL   string `env:"CAPABILITIES_URL,default=https://api.hipchat.com/v2/capabilities"`
	NotificationColor string `env:"NOTIFICATION_COLOR,default=green"`
	// Scopes to request when getting an OAuth token. Should match what the
	// capabilities descriptor declares.
	Scopes string `env:"SCOPES,default=send_notification admin_room view_group view_messages"`

	// Addon identity
	AddonName     string `env:"ADDON_NAME,default=Karma"`
	AddonChatName string `env:"ADDON_CHAT_NAME,default=karma"`
	AddonKey      string `env:"ADDON_KEY,default=com.johnfrench.hipchat.karma"`

	// How many good and bad comments a show response quotes
	SampleSize int `env:"SAMPLE_SIZE,default=3"`
}

func (c config) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt("port", c.Port)
	enc.AddString("db_path", c.DBPath)
	enc.AddString("tls_cert_file", c.TLSCertFile)
	enc.AddString("tls_key_file", c.TLSKeyFile)
	enc.AddString("base_url", c.BaseURL)
	enc.AddString("hipchat_api_url", c.HipChatAPIURL)
	enc.AddString("addon_name", c.AddonName)
	enc.AddString("addon_chat_name", c.AddonChatName)
	enc.AddString("addon_key", c.AddonKey)
	enc.AddInt("sample_size", c.SampleSize)

	return nil
}

// Connects to the db and migrates it
func setupDB(c config) (*sqlx.DB, error) {
	u, err := url.Parse(c.DBPath)
	if err != nil {
		return nil, fmt.Errorf("error parsing db path: %s", err)
	}
	q := u.Query()
	q.Add("_journal", "WAL")
	// Take the write lock up front and wait for it rather than failing, so
	// concurrent awards to one entity serialize instead of hitting SQLITE_BUSY.
	q.Add("_txlock", "immediate")
	q.Add("_pragma", "busy_timeout(5000)")
	u.RawQuery = q.Encode()

	db, err := sqlx.Open("sqlite", u.String())
	if err != nil {
		return nil, fmt.Errorf("error opening db: %s", err)
	}

	// Perform migrations
	ups, err := f.ReadDir("migrate")
	if err != nil {
		return nil, fmt.Errorf("error reading migration dir: %s", err)
	}

	for _, up := range ups {
		if up.IsDir() {
			continue
		}

		if !strings.HasSuffix(up.Name(), "sql") {
			continue
		}

		upBytes, err := f.ReadFile(filepath.Join("migrate", up.Name()))
		if err != nil {
			return nil, fmt.Errorf("error reading up file: %s", err)
		}

		_, err = db.Exec(string(upBytes))
		if err != nil {
			return nil, fmt.Errorf("error executing up query for file %s: %s", up.Name(), err)
		}
	}

	return db, nil
}
