package aps

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/instill-ai/model-derivative-backend/pkg/errors"
	"github.com/instill-ai/model-derivative-backend/pkg/types"
)

const (
	jobPath      = "/modelderivative/v2/designdata/job"
	manifestPath = "/modelderivative/v2/designdata/{urn}/manifest"
)

// EncodeURN turns an object id into the artifact reference used by the
// derivative endpoints: URL-safe base64 without padding.
func EncodeURN(objectID string) types.URNType {
	return base64.RawURLEncoding.EncodeToString([]byte(objectID))
}

type jobRequest struct {
	Input  jobInput  `json:"input"`
	Output jobOutput `json:"output"`
}

type jobInput struct {
	URN string `json:"urn"`
}

type jobOutput struct {
	Formats []jobFormat `json:"formats"`
}

type jobFormat struct {
	Type  string   `json:"type"`
	Views []string `json:"views"`
}

type jobResponse struct {
	Result string `json:"result"`
	URN    string `json:"urn"`
}

// Submit requests the translation of obj into format. The service is asked
// not to force a new translation, so submitting the same object again
// returns the existing job.
func (c *Client) Submit(ctx context.Context, cred types.Credential, obj types.StoredObject, format types.TargetFormat) (types.ConversionJob, error) {
	if !format.Valid() {
		return types.ConversionJob{}, &errors.SubmitError{
			Kind:    errors.KindUnsupportedFormat,
			Message: fmt.Sprintf("target format %q", format),
		}
	}
	if obj.ObjectID == "" {
		return types.ConversionJob{}, &errors.SubmitError{
			Kind:    errors.KindTransport,
			Message: "object has no id",
		}
	}

	urn := EncodeURN(obj.ObjectID)
	body := jobRequest{
		Input: jobInput{URN: urn},
		Output: jobOutput{Formats: []jobFormat{
			{Type: format.String(), Views: []string{"2d", "3d"}},
		}},
	}

	var out jobResponse
	resp, err := c.authorized(ctx, cred.AccessToken).
		SetHeader("x-ads-force", "false").
		SetBody(body).
		SetResult(&out).
		Post(jobPath)
	if err != nil {
		return types.ConversionJob{}, &errors.SubmitError{Kind: errors.KindTransport, Err: err}
	}

	if resp.IsError() {
		status := resp.StatusCode()
		kind := errors.KindTransport
		switch {
		case isUnauthorized(status):
			kind = errors.KindUnauthorized
		case status == http.StatusNotAcceptable:
			// The source file can't be translated into the requested format.
			kind = errors.KindUnsupportedFormat
		}
		return types.ConversionJob{}, &errors.SubmitError{Kind: kind, StatusCode: status, Message: responseMessage(resp)}
	}

	if out.URN != "" {
		urn = out.URN
	}
	created := out.Result == "created"

	c.log.Info("Submitted conversion job",
		zap.String("urn", urn),
		zap.String("format", format.String()),
		zap.Bool("created", created))

	return types.ConversionJob{URN: urn, Created: created}, nil
}

type manifestMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message any    `json:"message"`
}

type manifestDerivative struct {
	Status   string            `json:"status"`
	Messages []manifestMessage `json:"messages"`
}

type manifest struct {
	Status      string               `json:"status"`
	Progress    string               `json:"progress"`
	Messages    []manifestMessage    `json:"messages"`
	Derivatives []manifestDerivative `json:"derivatives"`
}

// Poll fetches the manifest of the job addressed by urn once.
func (c *Client) Poll(ctx context.Context, cred types.Credential, urn types.URNType) (types.JobStatus, error) {
	var m manifest
	resp, err := c.authorized(ctx, cred.AccessToken).
		SetPathParam("urn", urn).
		SetResult(&m).
		Get(manifestPath)
	if err != nil {
		return types.JobStatus{}, &errors.PollError{Kind: errors.KindTransport, Err: err}
	}

	if resp.IsError() {
		status := resp.StatusCode()
		kind := errors.KindTransport
		switch {
		case status == http.StatusNotFound:
			kind = errors.KindNotFound
		case isUnauthorized(status):
			kind = errors.KindUnauthorized
		}
		return types.JobStatus{}, &errors.PollError{Kind: kind, StatusCode: status, Message: responseMessage(resp)}
	}

	return m.jobStatus(), nil
}

func (m *manifest) jobStatus() types.JobStatus {
	st := types.JobStatus{
		State:    types.JobStateInProgress,
		Progress: parseProgress(m.Progress),
		Messages: m.diagnostics(),
	}

	switch strings.ToLower(m.Status) {
	case "success":
		st.State = types.JobStateSucceeded
		st.Progress = 1
	case "failed", "timeout":
		st.State = types.JobStateFailed
	}
	return st
}

func (m *manifest) diagnostics() []types.DiagnosticMessage {
	var msgs []types.DiagnosticMessage
	add := func(mm []manifestMessage) {
		for _, x := range mm {
			msgs = append(msgs, types.DiagnosticMessage{
				Level:   x.Type,
				Code:    x.Code,
				Message: messageText(x.Message),
			})
		}
	}

	add(m.Messages)
	for _, d := range m.Derivatives {
		add(d.Messages)
	}
	return msgs
}

// messageText flattens a manifest message, which the service sends either
// as a string or as a list of strings.
func messageText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			parts = append(parts, fmt.Sprint(p))
		}
		return strings.Join(parts, " ")
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

// parseProgress converts "25% complete" into 0.25 and "complete" into 1.
// It returns -1 when the value can't be interpreted.
func parseProgress(s string) float64 {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "complete" {
		return 1
	}

	pct, _, ok := strings.Cut(s, "%")
	if !ok {
		return -1
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(pct), 64)
	if err != nil {
		return -1
	}
	return v / 100
}
