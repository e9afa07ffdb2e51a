// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package realdebrid

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/events"
)

// DeviceAuth is the pending device-code authorization handed to the UI.
type DeviceAuth struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURL string `json:"verification_url"`
	Interval        int    `json:"interval"`
	ExpiresIn       int    `json:"expires_in"`
}

type deviceCredentials struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// StartDeviceAuth requests a device code for the configured client id. The
// returned payload carries the user code and verification URL to display.
func (c *Client) StartDeviceAuth(ctx context.Context) (DeviceAuth, error) {
	clientID := c.settings.GetString(ctx, "rd_client_id", PublicClientID)
	if clientID == "" {
		clientID = PublicClientID
	}

	query := url.Values{}
	query.Set("client_id", clientID)
	query.Set("new_credentials", "yes")

	var auth DeviceAuth
	if err := c.oauthGet(ctx, "/device/code", query, &auth); err != nil {
		return DeviceAuth{}, errors.Wrap(err, "failed to start device authorization")
	}
	if auth.Interval < 1 {
		auth.Interval = 5
	}

	c.emit(events.RDAuthStarted, map[string]any{
		"user_code":        auth.UserCode,
		"verification_url": auth.VerificationURL,
	})
	return auth, nil
}

// PollDeviceAuth polls the credentials endpoint until the user approves the
// device, then exchanges the device code for tokens and persists them. It
// blocks until approval, expiry, or context cancellation.
func (c *Client) PollDeviceAuth(ctx context.Context, auth DeviceAuth) error {
	clientID := c.settings.GetString(ctx, "rd_client_id", PublicClientID)
	if clientID == "" {
		clientID = PublicClientID
	}

	deadline := time.Now().Add(time.Duration(auth.ExpiresIn) * time.Second)
	interval := time.Duration(auth.Interval) * time.Second

	for {
		if time.Now().After(deadline) {
			err := errors.New("device authorization expired before approval")
			c.emit(events.RDAuthError, map[string]any{"error": err.Error()})
			return err
		}

		query := url.Values{}
		query.Set("client_id", clientID)
		query.Set("code", auth.DeviceCode)

		var creds deviceCredentials
		err := c.oauthGet(ctx, "/device/credentials", query, &creds)
		if err == nil && creds.ClientID != "" && creds.ClientSecret != "" {
			return c.finishDeviceAuth(ctx, auth.DeviceCode, creds)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (c *Client) finishDeviceAuth(ctx context.Context, deviceCode string, creds deviceCredentials) error {
	form := url.Values{}
	form.Set("client_id", creds.ClientID)
	form.Set("client_secret", creds.ClientSecret)
	form.Set("code", deviceCode)
	form.Set("grant_type", deviceGrantType)

	var tokens tokenResponse
	if err := c.oauthPost(ctx, "/token", form, &tokens); err != nil {
		c.emit(events.RDAuthError, map[string]any{"error": err.Error()})
		return errors.Wrap(err, "failed to exchange device code for tokens")
	}

	err := c.settings.Update(ctx, map[string]any{
		"rd_client_id":        creds.ClientID,
		"rd_client_secret":    creds.ClientSecret,
		"rd_access_token":     tokens.AccessToken,
		"rd_refresh_token":    tokens.RefreshToken,
		"rd_token_expires_at": float64(time.Now().Unix() + int64(tokens.ExpiresIn)),
	})
	if err != nil {
		return errors.Wrap(err, "failed to persist credentials")
	}

	log.Info().Msg("RealDebrid device authorization completed")
	c.emit(events.RDAuthCompleted, map[string]any{})
	return nil
}

// RefreshToken exchanges the refresh token for a new access token. Device
// flows store a per-device client secret; without it a refresh cannot work
// and the user has to re-authorize.
func (c *Client) RefreshToken(ctx context.Context) error {
	clientID := c.settings.GetString(ctx, "rd_client_id", "")
	clientSecret := c.settings.GetString(ctx, "rd_client_secret", "")
	refreshToken := c.settings.GetString(ctx, "rd_refresh_token", "")

	if refreshToken == "" {
		return errors.New("no refresh token stored")
	}
	if clientID == "" || clientSecret == "" {
		return errors.New("cannot refresh without client credentials, re-authorization required")
	}

	form := url.Values{}
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	form.Set("code", refreshToken)
	form.Set("grant_type", deviceGrantType)

	var tokens tokenResponse
	if err := c.oauthPost(ctx, "/token", form, &tokens); err != nil {
		c.emit(events.RDAuthError, map[string]any{"error": err.Error()})
		return errors.Wrap(err, "token refresh failed")
	}

	err := c.settings.Update(ctx, map[string]any{
		"rd_access_token":     tokens.AccessToken,
		"rd_refresh_token":    tokens.RefreshToken,
		"rd_token_expires_at": float64(time.Now().Unix() + int64(tokens.ExpiresIn)),
	})
	if err != nil {
		return errors.Wrap(err, "failed to persist refreshed tokens")
	}

	log.Debug().Msg("RealDebrid access token refreshed")
	return nil
}

func (c *Client) oauthGet(ctx context.Context, path string, query url.Values, out any) error {
	reqURL := c.oauthBase + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	return c.doOAuth(req, out)
}

func (c *Client) oauthPost(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.oauthBase+path, strings.NewReader(form.Encode()))
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.doOAuth(req, out)
}

func (c *Client) doOAuth(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "oauth request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("oauth endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "failed to decode oauth response")
	}
	return nil
}
