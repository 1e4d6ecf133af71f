/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package extension

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rise-dev/rise/pkg/store"
)

// WebhookType is the built-in extension type: its spec names an endpoint that
// receives the project and spec on every reconcile and a delete notification
// during cleanup. Specific provisioners implement Reconciler directly.
const WebhookType = "webhook"

type webhookSpec struct {
	URL string `json:"url"`
	// ResyncSeconds re-delivers periodically when positive.
	ResyncSeconds int `json:"resync_seconds"`
}

type webhookPayload struct {
	Project   string          `json:"project"`
	Extension string          `json:"extension"`
	Deleted   bool            `json:"deleted"`
	Spec      json.RawMessage `json:"spec"`
}

type Webhook struct {
	client *http.Client
}

var _ Reconciler = (*Webhook)(nil)

func NewWebhook() *Webhook {
	return &Webhook{client: &http.Client{Timeout: 10 * time.Second}}
}

func (w *Webhook) Reconcile(ctx context.Context, project *store.Project, ext *store.Extension) ([]byte, *time.Duration, error) {
	spec, err := parseWebhookSpec(ext.Spec)
	if err != nil {
		return nil, nil, err
	}
	body, err := w.deliver(ctx, spec.URL, webhookPayload{
		Project:   project.Name,
		Extension: ext.Name,
		Spec:      ext.Spec,
	})
	if err != nil {
		return nil, nil, err
	}
	// The endpoint's response body becomes the extension status verbatim.
	status := body
	if !json.Valid(status) {
		status, _ = json.Marshal(map[string]string{"response": string(body)})
	}
	if spec.ResyncSeconds > 0 {
		resync := time.Duration(spec.ResyncSeconds) * time.Second
		return status, &resync, nil
	}
	return status, nil, nil
}

func (w *Webhook) Cleanup(ctx context.Context, project *store.Project, ext *store.Extension) (bool, error) {
	spec, err := parseWebhookSpec(ext.Spec)
	if err != nil {
		// An unparseable spec has nothing to clean up.
		return true, nil
	}
	if _, err := w.deliver(ctx, spec.URL, webhookPayload{
		Project:   project.Name,
		Extension: ext.Name,
		Deleted:   true,
		Spec:      ext.Spec,
	}); err != nil {
		return false, err
	}
	return true, nil
}

func parseWebhookSpec(raw []byte) (*webhookSpec, error) {
	spec := &webhookSpec{}
	if err := json.Unmarshal(raw, spec); err != nil {
		return nil, fmt.Errorf("decoding webhook spec, %w", err)
	}
	if spec.URL == "" {
		return nil, fmt.Errorf("webhook spec must name a url")
	}
	return spec, nil
}

func (w *Webhook) deliver(ctx context.Context, url string, payload webhookPayload) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("delivering webhook, %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("reading webhook response, %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return body, nil
}
