// Package queryclient talks to the clinic backend's appointment REST API.
package queryclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/ThanhHiep25/Detal-CRM-sub002/pkg/interfaces"
	"github.com/ThanhHiep25/Detal-CRM-sub002/pkg/types"
)

const maxBodyBytes = 8 << 20

// Client implements interfaces.AppointmentQueryService over HTTP
type Client struct {
	BaseURL     string
	HTTP        *http.Client
	Credentials interfaces.CredentialStore
	tracer      trace.Tracer
}

// NewClient creates a client for the API rooted at baseURL. creds may be nil.
func NewClient(baseURL string, timeout time.Duration, creds interfaces.CredentialStore) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		Credentials: creds,
		tracer:      otel.Tracer("github.com/ThanhHiep25/Detal-CRM-sub002/internal/queryclient"),
		HTTP: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        20,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

// WithTracer replaces the tracer used for outbound spans
func (c *Client) WithTracer(tracer trace.Tracer) *Client {
	c.tracer = tracer
	return c
}

// GetAll fetches every appointment visible to the caller
func (c *Client) GetAll(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "GetAll", "/api/appointments", nil)
}

// GetDaySchedule fetches one dentist's appointments on date (YYYY-MM-DD)
func (c *Client) GetDaySchedule(ctx context.Context, dentistID int64, date string) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("date", date)
	return c.get(ctx, "GetDaySchedule",
		fmt.Sprintf("/api/appointments/dentist/%d/schedule", dentistID), q,
		attribute.Int64("appointment.dentist_id", dentistID),
		attribute.String("appointment.date", date),
	)
}

// GetOne fetches a single appointment
func (c *Client) GetOne(ctx context.Context, id int64) (json.RawMessage, error) {
	return c.get(ctx, "GetOne", "/api/appointments/"+strconv.FormatInt(id, 10), nil,
		attribute.Int64("appointment.id", id),
	)
}

func (c *Client) get(ctx context.Context, op, path string, query url.Values, attrs ...attribute.KeyValue) (json.RawMessage, error) {
	ctx, span := c.tracer.Start(ctx, "queryclient."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	defer span.End()

	u, err := url.Parse(c.BaseURL + path)
	if err != nil {
		return nil, c.fail(span, types.NewValidationError(types.ErrCodeInvalidConfig,
			"invalid query service URL", map[string]interface{}{"url": c.BaseURL + path}))
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, c.fail(span, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.Credentials != nil {
		if token, ok := c.Credentials.Token(); ok {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	span.SetAttributes(
		semconv.HTTPMethodKey.String(http.MethodGet),
		semconv.HTTPURLKey.String(u.String()),
	)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, c.fail(span, fmt.Errorf("%s request failed: %w", op, err))
	}
	defer resp.Body.Close()

	span.SetAttributes(semconv.HTTPStatusCodeKey.Int(resp.StatusCode))

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, c.fail(span, fmt.Errorf("%s read failed: %w", op, err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		details := map[string]interface{}{
			"status": resp.StatusCode,
			"path":   path,
			"body":   truncate(string(body), 512),
		}
		if resp.StatusCode == http.StatusNotFound {
			return nil, c.fail(span, &types.SyncError{
				Type:    types.ErrorTypeNotFound,
				Code:    types.ErrCodeNotFound,
				Message: fmt.Sprintf("%s: not found", op),
				Details: details,
			})
		}
		return nil, c.fail(span, types.NewExternalError(types.ErrCodeUpstreamStatus,
			fmt.Sprintf("%s: query service status=%d", op, resp.StatusCode), details))
	}

	return json.RawMessage(body), nil
}

func (c *Client) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
