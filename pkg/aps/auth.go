package aps

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/instill-ai/model-derivative-backend/pkg/errors"
	"github.com/instill-ai/model-derivative-backend/pkg/types"
)

const tokenPath = "/authentication/v2/token"

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Authenticate obtains a two-legged bearer token with the client
// credentials grant.
func (c *Client) Authenticate(ctx context.Context) (types.Credential, error) {
	if c.cfg.ClientID == "" || c.cfg.ClientSecret == "" {
		return types.Credential{}, &errors.AuthError{Message: "missing client identity"}
	}

	var tok tokenResponse
	issuedAt := c.now()
	resp, err := c.rest.R().
		SetContext(ctx).
		SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret).
		SetHeader("Accept", "application/json").
		SetFormData(map[string]string{
			"grant_type": "client_credentials",
			"scope":      strings.Join(c.cfg.Scopes, " "),
		}).
		SetResult(&tok).
		SetError(&errorBody{}).
		Post(tokenPath)
	if err != nil {
		return types.Credential{}, &errors.AuthError{Err: err}
	}
	if resp.IsError() {
		return types.Credential{}, &errors.AuthError{
			StatusCode: resp.StatusCode(),
			Message:    responseMessage(resp),
		}
	}
	if tok.AccessToken == "" {
		return types.Credential{}, &errors.AuthError{
			StatusCode: resp.StatusCode(),
			Message:    "response carries no access token",
		}
	}

	tokenType := tok.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	c.log.Debug("Obtained access token", zap.Int64("expiresIn", tok.ExpiresIn))

	return types.Credential{
		AccessToken: tok.AccessToken,
		TokenType:   tokenType,
		ExpiresAt:   issuedAt.Add(time.Duration(tok.ExpiresIn) * time.Second),
	}, nil
}
