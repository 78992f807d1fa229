package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/collab/pkg/metrics"
)

// ErrLookupFailed wraps every failure to resolve a document's connection URL.
var ErrLookupFailed = errors.New("collab: lookup failed")

// maxLookupBody limits how much of the lookup response is read.
const maxLookupBody = 64 * 1024

// LookupResponse is the body of a successful lookup.
type LookupResponse struct {
	URL string `json:"url"`
}

// Resolver asks the collaboration endpoint where a document lives.
type Resolver struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithHTTPClient sets the HTTP client used for lookups.
func WithHTTPClient(c *http.Client) ResolverOption {
	return func(r *Resolver) {
		if c != nil {
			r.client = c
		}
	}
}

// WithResolverLogger sets the resolver logger.
func WithResolverLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithResolverMetrics records lookups into m.
func WithResolverMetrics(m *metrics.Metrics) ResolverOption {
	return func(r *Resolver) {
		r.metrics = m
	}
}

// NewResolver creates a Resolver for the endpoint at baseURL.
func NewResolver(baseURL string, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  slog.Default().With("component", "resolver"),
		tracer:  otel.Tracer("collab"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Lookup performs GET {baseURL}/collab/{documentID}?user={user} and returns
// the WebSocket URL from the response.
func (r *Resolver) Lookup(ctx context.Context, documentID, user string) (string, error) {
	ctx, span := r.tracer.Start(ctx, "collab.lookup",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("collab.document", documentID),
		),
	)
	defer span.End()

	wsURL, err := r.lookup(ctx, documentID, user)
	r.metrics.Lookup(err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	return wsURL, nil
}

func (r *Resolver) lookup(ctx context.Context, documentID, user string) (string, error) {
	if documentID == "" {
		return "", fmt.Errorf("%w: empty document id", ErrLookupFailed)
	}

	endpoint := r.baseURL + "/collab/" + url.PathEscape(documentID) +
		"?" + url.Values{"user": {user}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrLookupFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxLookupBody))
		return "", fmt.Errorf("%w: status %d", ErrLookupFailed, resp.StatusCode)
	}

	var body LookupResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxLookupBody)).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: decode response: %w", ErrLookupFailed, err)
	}
	if body.URL == "" {
		return "", fmt.Errorf("%w: response has no url", ErrLookupFailed)
	}

	r.logger.Debug("resolved document", "document", documentID, "url", body.URL)
	return body.URL, nil
}
