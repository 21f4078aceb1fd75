package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/voicebridge/voicebridge/internal/provider"
	"github.com/voicebridge/voicebridge/pkg/models"
)

const callbackTimeout = 15 * time.Second

// CallbackHandler delivers a job's normalized event to its callback
// URL as JSON. Used for webhook_callback jobs and for transcribe jobs,
// where the final transcript rides inside the event payload.
//
// A 4xx from the endpoint is permanent (the payload will not get more
// acceptable on retry); network errors and 5xx consume the retry budget.
func CallbackHandler(client *http.Client) Handler {
	if client == nil {
		client = &http.Client{Timeout: callbackTimeout}
	}
	return func(ctx context.Context, job *models.Job) error {
		var payload models.EventJobPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return backoff.Permanent(provider.Wrap(provider.CodeInvalidResponse, err, "callback: bad job payload"))
		}
		target := job.CallbackURL
		if target == "" {
			target = payload.CallbackURL
		}
		if target == "" {
			return backoff.Permanent(provider.Errf(provider.CodeNotConfigured, "callback: no callback URL on job %s", job.ID))
		}

		body, err := json.Marshal(map[string]any{
			"provider": payload.Provider,
			"job_id":   job.ID,
			"job_type": string(job.Type),
			"event":    payload.Event,
		})
		if err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return provider.Wrap(provider.CodeUpstreamFailure, err, "callback: deliver")
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return provider.Errf(provider.CodeUpstreamFailure, "callback: endpoint returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(provider.Errf(provider.CodeUpstreamFailure, "callback: endpoint rejected with %d", resp.StatusCode))
		}
		return nil
	}
}
