package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"planline/internal/config"
)

const defaultWebhookTimeout = 5 * time.Second

type WebhookSink struct {
	name   string
	hook   config.WebhookConfig
	filter eventFilter
	client *http.Client
}

// WebhookSinks builds one sink per enabled webhook.
func WebhookSinks(hooks []config.WebhookConfig) []Sink {
	var sinks []Sink
	for i, hook := range hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		sinks = append(sinks, NewWebhookSink(fmt.Sprintf("webhook-%d", i), hook))
	}
	return sinks
}

func NewWebhookSink(name string, hook config.WebhookConfig) *WebhookSink {
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	return &WebhookSink{
		name:   name,
		hook:   hook,
		filter: newEventFilter(hook.Events),
		client: &http.Client{Timeout: timeout},
	}
}

func (s *WebhookSink) Name() string { return s.name }

func (s *WebhookSink) Accepts(evtType string) bool { return s.filter.match(evtType) }

func (s *WebhookSink) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Planline-Event", msg.Type)
	req.Header.Set("X-Planline-Delivery", fmt.Sprintf("%d", msg.ID))
	req.Header.Set("X-Planline-Plan", msg.PlanID)
	if strings.TrimSpace(s.hook.Secret) != "" {
		req.Header.Set("X-Planline-Secret", s.hook.Secret)
	}
	res, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
