package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/galois26/eddn-relay/internal/config"
	"github.com/galois26/eddn-relay/internal/errs"
	"github.com/galois26/eddn-relay/internal/metrics"
	"github.com/galois26/eddn-relay/internal/model"
	"github.com/galois26/eddn-relay/internal/schema"
)

// maxBody bounds how much of a gateway reply is kept.
const maxBody = 4096

// Header identifies the uploading software.
type Header struct {
	UploaderID      string `json:"uploaderID"`
	SoftwareName    string `json:"softwareName"`
	SoftwareVersion string `json:"softwareVersion"`
}

// Envelope is the upload body accepted by the gateway.
type Envelope struct {
	SchemaRef string      `json:"$schemaRef"`
	Header    Header      `json:"header"`
	Message   model.Entry `json:"message"`
}

type relaySink struct {
	cfg      config.RelayConfig
	registry *schema.Registry
	client   *http.Client
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewRelay builds the upload gateway publisher. It performs exactly one POST
// per Publish call and never retries.
func NewRelay(cfg config.RelayConfig, reg *schema.Registry, client *http.Client, logger *slog.Logger, m *metrics.Metrics) Publisher {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "relay", "environment", reg.Environment())
	return &relaySink{cfg: cfg, registry: reg, client: client, logger: logger, metrics: m}
}

func (r *relaySink) Name() string { return "relay" }

// Envelope resolves name and wraps e for upload.
func (r *relaySink) Envelope(name string, e model.Entry) (Envelope, error) {
	ref, err := r.registry.Resolve(name)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", errs.ErrNoSchema, err)
	}
	return Envelope{
		SchemaRef: ref,
		Header: Header{
			UploaderID:      r.cfg.UploaderID,
			SoftwareName:    r.cfg.SoftwareName,
			SoftwareVersion: r.cfg.SoftwareVersion,
		},
		Message: e,
	}, nil
}

func (r *relaySink) Publish(ctx context.Context, name string, e model.Entry) (Response, error) {
	env, err := r.Envelope(name, e)
	if err != nil {
		r.metrics.RelayRequest(name, "error")
		return Response{}, errs.Wrap(err, "relay", "Publish", "resolve schema")
	}
	body, err := json.Marshal(env)
	if err != nil {
		r.metrics.RelayRequest(name, "error")
		return Response{}, errs.Wrap(err, "relay", "Publish", "encode envelope")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Gateway, bytes.NewReader(body))
	if err != nil {
		r.metrics.RelayRequest(name, "error")
		return Response{}, errs.Wrap(err, "relay", "Publish", "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		r.metrics.RelayRequest(name, "error")
		return Response{}, errs.Wrap(err, "relay", "Publish", "post")
	}
	defer resp.Body.Close()

	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	_, _ = io.Copy(io.Discard, resp.Body)
	out := Response{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}

	log := r.logger.With("schema", env.SchemaRef, "event", e.Event(), "status", out.Status)
	if !out.OK() {
		r.metrics.RelayRequest(name, "rejected")
		log.Warn("gateway rejected message", "body", out.Body)
		return out, fmt.Errorf("%w: http %d: %s", errs.ErrGatewayRejected, out.Status, out.Body)
	}
	r.metrics.RelayRequest(name, "ok")
	log.Info("message relayed", "body", out.Body)
	return out, nil
}
