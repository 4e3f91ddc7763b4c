package validity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

type checkRequest struct {
	TargetReference string `json:"targetReference"`
}

// HttpChecker calls a collaborator that accepts POST {"targetReference": "..."} and answers
// {"valid": bool, "reason": "...", "groupKey": "..."}.
// 5xx and 429 responses, and transport failures, are reported as errors so that callers retry them.
type HttpChecker struct {
	url    string
	client *http.Client
}

func NewHttpChecker(url string, timeout time.Duration) *HttpChecker {
	return &HttpChecker{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (c *HttpChecker) Check(ctx context.Context, targetReference string) (Result, error) {
	body, err := json.Marshal(checkRequest{TargetReference: targetReference})
	if err != nil {
		return Result{}, errors.WithStack(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, errors.WithStack(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, errors.Wrapf(err, "validity check of %s failed", targetReference)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, errors.Errorf("validity collaborator returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	if resp.StatusCode != http.StatusOK {
		// The collaborator understood the request and refused it; that is a definite answer.
		return Result{Valid: false, Reason: fmt.Sprintf("collaborator-status-%d", resp.StatusCode)}, nil
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Result{}, errors.Wrap(err, "could not decode validity collaborator response")
	}
	if !result.Valid && result.Reason == "" {
		result.Reason = ReasonInvalid
	}
	return result, nil
}
