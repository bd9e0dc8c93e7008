// Package logging builds the process-wide zap logger.
package logging

import (
	"log"
	"os"
	"strconv"

	"go.uber.org/zap"
)

// NewLogger returns a sugared logger tuned by the DEBUG environment variable:
// human-readable development output when set, JSON production output otherwise.
func NewLogger() *zap.SugaredLogger {
	dev, _ := strconv.ParseBool(os.Getenv("DEBUG"))

	cfg := zap.NewProductionConfig()
	if dev {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.DisableStacktrace = true

	l, err := cfg.Build()
	if err != nil {
		// Just blow up for now
		log.Fatalf("error creating logger: %s", err)
	}

	return l.Sugar()
}
