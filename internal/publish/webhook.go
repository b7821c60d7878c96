package publish

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// webhookTransport POSTs each payload as JSON to a configured URL.
type webhookTransport struct {
	url     string
	headers map[string]string
	client  *http.Client
}

func newWebhookTransport(settings Settings, vars Vars) (*webhookTransport, error) {
	url := vars.Substitute(settings.String("url", ""))
	if url == "" {
		return nil, errors.New("webhook destination requires a url")
	}
	timeout := time.Duration(settings.Float("timeout", 10) * float64(time.Second))
	return &webhookTransport{
		url:     url,
		headers: settings.StringMap("headers"),
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (w *webhookTransport) Type() string { return "webhook" }

func (w *webhookTransport) Send(payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (w *webhookTransport) Close() error {
	w.client.CloseIdleConnections()
	return nil
}
