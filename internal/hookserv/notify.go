package hookserv

import (
	"context"
	"fmt"

	"github.com/johnfrench/hipkarma/internal/core/models"
	"github.com/johnfrench/hipkarma/internal/hipchat"
)

// notify sends a room notification with the instance's stored token. If the
// API reports the token is no longer valid, it re-authenticates, persists the
// fresh token, and retries exactly once. Any second failure is the caller's
// problem.
func (s *Server) notify(ctx context.Context, inst models.Instance, message string) error {
	err := s.chat.SendRoomNotification(ctx, inst.OAuthToken, inst.RoomID, message)
	if err == nil {
		return nil
	}
	if !hipchat.IsUnauthorized(err) {
		return err
	}

	s.l.Infow("token rejected, re-authenticating", "client_id", inst.OAuthClientID)

	auth, err := s.chat.Authenticate(ctx, inst.OAuthClientID, inst.OAuthSecret)
	if err != nil {
		return fmt.Errorf("error re-authenticating: %s", err)
	}
	if err := s.cr.SaveInstanceToken(ctx, inst.OAuthClientID, auth.AccessToken); err != nil {
		// The retry can still go ahead with the in-hand token.
		s.l.Warnw("error persisting refreshed token", "err", err)
	}

	return s.chat.SendRoomNotification(ctx, auth.AccessToken, inst.RoomID, message)
}
