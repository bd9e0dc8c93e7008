// Package hipchat talks to the chat platform's REST API: room notifications
// and the OAuth client-credentials token exchange.
package hipchat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Client is the struct that provides interactivity with the chat API
type Client struct {
	apiURL string
	scopes []string
	color  string

	httpClient *http.Client

	l *zap.SugaredLogger
}

type ClientConfig struct {
	// APIURL is the API base, e.g. https://api.hipchat.com/v2
	APIURL string
	// Scopes requested during the token exchange, space-separated. Should
	// match the scopes the capabilities descriptor declares.
	Scopes string
	// Color for room notifications.
	Color string
}

// NewClient produces a new client with the given config
func NewClient(c ClientConfig, l *zap.SugaredLogger) *Client {
	return &Client{
		apiURL: strings.TrimRight(c.APIURL, "/"),
		scopes: strings.Fields(c.Scopes),
		color:  c.Color,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		l: l,
	}
}

// Auth is the result of a token exchange: the group the credentials belong to
// and a bearer token for it.
type Auth struct {
	GroupID     int64
	AccessToken string
}

// Authenticate exchanges an instance's client id and secret for a fresh
// bearer token using the client-credentials grant.
func (c *Client) Authenticate(ctx context.Context, clientID, secret string) (Auth, error) {
	conf := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: secret,
		TokenURL:     c.apiURL + "/oauth/token",
		Scopes:       c.scopes,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := conf.Token(ctx)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return Auth{}, &APIError{
				Kind:       kindFromStatus(re.Response.StatusCode),
				StatusCode: re.Response.StatusCode,
				Message:    string(re.Body),
			}
		}
		return Auth{}, fmt.Errorf("error exchanging token: %s", err)
	}

	groupID, err := groupIDFromToken(tok)
	if err != nil {
		return Auth{}, err
	}

	c.l.Debugw("exchanged token", "client_id", clientID, "group_id", groupID)

	return Auth{GroupID: groupID, AccessToken: tok.AccessToken}, nil
}

// The token response carries the group the credentials were issued for as an
// extra field next to access_token.
func groupIDFromToken(tok *oauth2.Token) (int64, error) {
	switch v := tok.Extra("group_id").(type) {
	case float64:
		return int64(v), nil
	case json.Number:
		return v.Int64()
	case string:
		return strconv.ParseInt(v, 10, 64)
	case nil:
		return 0, fmt.Errorf("token response missing group_id")
	default:
		return 0, fmt.Errorf("unexpected group_id type %T", v)
	}
}

type notification struct {
	Color         string `json:"color"`
	Message       string `json:"message"`
	MessageFormat string `json:"message_format"`
	Notify        bool   `json:"notify"`
}

// SendRoomNotification posts a text notification to a room. The API answers
// 204 on success; anything else becomes an APIError.
func (c *Client) SendRoomNotification(ctx context.Context, token string, roomID int64, message string) error {
	body, err := json.Marshal(notification{
		Color:         c.color,
		Message:       message,
		MessageFormat: "text",
		Notify:        false,
	})
	if err != nil {
		return fmt.Errorf("error marshalling notification: %s", err)
	}

	u := fmt.Sprintf("%s/room/%d/notification", c.apiURL, roomID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("error creating notification request: %s", err)
	}
	req.Header.Add("Authorization", "Bearer "+token)
	req.Header.Add("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("error doing request: %s", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusNoContent {
		apiErr := errFromResponse(res)
		c.l.Errorw("notification rejected", "room", roomID, "status_code", res.StatusCode, "kind", apiErr.Kind.String())
		return apiErr
	}

	return nil
}
