package publishers

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/samvad-hq/catalog-access/pkg/access"
	"github.com/samvad-hq/catalog-access/pkg/httpclient"
)

// webhookPublisher POSTs each event as JSON through the fetch engine, so a
// webhook gets the same redirect, Basic challenge and TLS handling as a
// catalog target. Deliveries on one webhook are serialized by its client.
type webhookPublisher struct {
	id      string
	url     string
	headers map[string]string
	cred    access.Credential
	client  *access.Client
	log     Logger
}

func newHTTPPublisher(_ context.Context, cfg PublisherConfig, log Logger) (Publisher, error) {
	if cfg.HTTP == nil {
		return nil, fmt.Errorf("publisher %q missing http configuration", cfg.ID)
	}
	log = access.EnsureLogger(log)

	transport := httpclient.NewRestyTransport(httpclient.Options{TLSPolicy: cfg.HTTP.TLSPolicy})
	client := access.NewClient(transport,
		access.WithPolicy(access.Policy{
			MaxRedirects: cfg.HTTP.MaxRedirects,
			Timeout:      time.Duration(cfg.HTTP.TimeoutSeconds) * time.Second,
		}),
		access.WithLogger(log),
	)

	return &webhookPublisher{
		id:      cfg.ID,
		url:     cfg.HTTP.URL,
		headers: cfg.HTTP.Headers,
		cred:    webhookCredential(cfg.HTTP),
		client:  client,
		log:     log,
	}, nil
}

func webhookCredential(cfg *HTTPPublisherConfig) access.Credential {
	if cfg.UserEnv == "" {
		return access.Credential{}
	}
	return access.Credential{User: os.Getenv(cfg.UserEnv), Password: os.Getenv(cfg.PasswordEnv)}
}

func (w *webhookPublisher) ID() string   { return w.id }
func (w *webhookPublisher) Type() string { return TypeHTTP }

func (w *webhookPublisher) Publish(ctx context.Context, evt Event) error {
	spec, err := access.NewPost(w.url, evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	spec.Headers = w.headers

	res := w.client.Execute(ctx, spec, w.cred, access.Callbacks{
		OnTLSWarnings: func(warnings []string) {
			w.log.WarnObj("webhook served an untrusted certificate", "publisher_http_tls", map[string]any{
				"publisher_id": w.id,
				"warnings":     warnings,
			})
		},
	})
	if !res.OK() {
		return fmt.Errorf("deliver event for target %q: %w", evt.TargetID, res.Err)
	}

	w.log.DebugObj("webhook accepted event", "publisher_http_delivery", map[string]any{
		"publisher_id": w.id,
		"target_id":    evt.TargetID,
		"status":       res.Status.HTTPStatusCode,
		"final_url":    res.Status.URL,
	})
	return nil
}
