// Package aps is a client of the Autodesk Platform Services endpoints the
// conversion pipeline relies on: OAuth client credentials, Object Storage
// Service buckets and signed uploads, and Model Derivative jobs and
// manifests.
//
// Every method is a single request/response exchange (the signed upload
// is one logical operation). Nothing is retried here: retry policy belongs
// to the caller.
package aps

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/instill-ai/model-derivative-backend/pkg/logger"
)

const (
	// DefaultHost is the production endpoint of the service.
	DefaultHost = "https://developer.api.autodesk.com"

	defaultTimeout = 60 * time.Second
)

// Config holds the process-level settings of the client.
type Config struct {
	Host         string
	ClientID     string
	ClientSecret string
	Scopes       []string
	Region       string
	BucketPolicy string
	Timeout      time.Duration
	// PartSize overrides the size of signed upload parts.
	PartSize int64
}

// Client talks to the remote conversion service. It keeps no per-run state
// and is safe for concurrent use.
type Client struct {
	rest   *resty.Client
	upload *http.Client
	cfg    Config
	log    *zap.Logger
	now    func() time.Time
}

// NewClient returns an initialized client.
func NewClient(ctx context.Context, cfg Config) *Client {
	l, _ := logger.GetZapLogger(ctx)

	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Region == "" {
		cfg.Region = "US"
	}
	if cfg.BucketPolicy == "" {
		cfg.BucketPolicy = "transient"
	}
	if cfg.PartSize <= 0 {
		cfg.PartSize = DefaultPartSize
	}

	r := resty.New().
		SetLogger(l.Sugar()).
		SetBaseURL(strings.TrimSuffix(cfg.Host, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(0)

	return &Client{
		rest:   r,
		upload: &http.Client{},
		cfg:    cfg,
		log:    l.With(zap.String("service", "aps")),
		now:    time.Now,
	}
}

// errorBody captures the error payload shapes returned by the different
// services.
type errorBody struct {
	Reason           string `json:"reason"`
	DeveloperMessage string `json:"developerMessage"`
	ErrorCode        string `json:"errorCode"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Diagnostic       string `json:"diagnostic"`
}

func (e *errorBody) message() string {
	for _, s := range []string{e.Reason, e.DeveloperMessage, e.ErrorDescription, e.Diagnostic, e.Error, e.ErrorCode} {
		if s != "" {
			return s
		}
	}
	return ""
}

// responseMessage extracts a readable message from an error response.
func responseMessage(resp *resty.Response) string {
	if eb, ok := resp.Error().(*errorBody); ok && eb != nil {
		if msg := eb.message(); msg != "" {
			return msg
		}
	}
	if body := strings.TrimSpace(resp.String()); body != "" {
		return body
	}
	return resp.Status()
}

func (c *Client) authorized(ctx context.Context, token string) *resty.Request {
	return c.rest.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetError(&errorBody{})
}

func isUnauthorized(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}
