package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-collab/internal/domain"
	"github.com/spec-kit/ticket-collab/internal/observability"
	apperrors "github.com/spec-kit/ticket-collab/pkg/util/errorutil"
)

// TokenSource supplies the bearer token for outbound calls.
type TokenSource interface {
	Token() (string, error)
}

// RetryConfig bounds detail-fetch retries.
type RetryConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxInterval time.Duration
}

// ClientConfig configures HTTPClient.
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
	Retry   RetryConfig
}

// HTTPClient is the REST implementation of MutationClient and Fetcher.
type HTTPClient struct {
	client *resty.Client
	retry  RetryConfig
	logger *zap.Logger
}

var (
	_ MutationClient = (*HTTPClient)(nil)
	_ Fetcher        = (*HTTPClient)(nil)
)

type dataEnvelope[T any] struct {
	Data T `json:"data"`
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

// NewHTTPClient builds a client against cfg.BaseURL. tokens may be nil for
// unauthenticated deployments.
func NewHTTPClient(cfg ClientConfig, tokens TokenSource, logger *zap.Logger) *HTTPClient {
	c := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.Timeout > 0 {
		c.SetTimeout(cfg.Timeout)
	}
	if tokens != nil {
		c.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
			token, err := tokens.Token()
			if err != nil {
				return fmt.Errorf("service token: %w", err)
			}
			req.SetAuthToken(token)
			return nil
		})
	}

	retry := cfg.Retry
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 3
	}
	if retry.BaseBackoff <= 0 {
		retry.BaseBackoff = 100 * time.Millisecond
	}
	if retry.MaxInterval < retry.BaseBackoff {
		retry.MaxInterval = retry.BaseBackoff
	}
	return &HTTPClient{client: c, retry: retry, logger: observability.OrNop(logger)}
}

// UpdateTicket applies delta to one ticket.
func (c *HTTPClient) UpdateTicket(ctx context.Context, id string, delta domain.TicketDelta) (domain.Ticket, error) {
	return call[domain.Ticket](ctx, c, http.MethodPatch, "/tickets/"+id, delta, nil)
}

type bulkRequest struct {
	IDs   []string           `json:"ids"`
	Delta domain.TicketDelta `json:"delta"`
}

// BulkUpdate applies delta to every id in one request. Per-item failures are
// reported in the results, not as the returned error.
func (c *HTTPClient) BulkUpdate(ctx context.Context, ids []string, delta domain.TicketDelta) ([]ItemResult, error) {
	return call[[]ItemResult](ctx, c, http.MethodPost, "/tickets/bulk", bulkRequest{IDs: ids, Delta: delta}, nil)
}

// MergeTickets collapses req.SourceIDs into req.TargetID.
func (c *HTTPClient) MergeTickets(ctx context.Context, req MergeRequest) (domain.Ticket, error) {
	return call[domain.Ticket](ctx, c, http.MethodPost, "/tickets/merge", req, nil)
}

type assignRequest struct {
	AgentID string `json:"agent_id"`
}

// AssignTicket hands the ticket to agentID.
func (c *HTTPClient) AssignTicket(ctx context.Context, id, agentID string) (domain.Ticket, error) {
	return call[domain.Ticket](ctx, c, http.MethodPost, "/tickets/"+id+"/assign", assignRequest{AgentID: agentID}, nil)
}

// FetchList returns every ticket matching filter, newest first.
func (c *HTTPClient) FetchList(ctx context.Context, filter domain.Filter) ([]domain.Ticket, error) {
	return call[[]domain.Ticket](ctx, c, http.MethodGet, "/tickets", nil, FilterQuery(filter))
}

// FetchDetail loads one ticket with its thread, retrying transient failures
// with exponential backoff.
func (c *HTTPClient) FetchDetail(ctx context.Context, id string) (domain.Ticket, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.retry.BaseBackoff
	exp.Multiplier = 2
	exp.MaxInterval = c.retry.MaxInterval
	exp.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.retry.MaxAttempts-1)), ctx)

	attempt := 0
	t, err := backoff.RetryWithData(func() (domain.Ticket, error) {
		attempt++
		t, err := call[domain.Ticket](ctx, c, http.MethodGet, "/tickets/"+id, nil, nil)
		if err == nil {
			return t, nil
		}
		if !apperrors.IsKind(err, apperrors.CodeTransientNetwork) {
			return t, backoff.Permanent(err)
		}
		c.logger.Debug("detail fetch failed, retrying",
			zap.String("ticket_id", id),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return t, err
	}, policy)
	return t, apperrors.MapError(err)
}

// FilterQuery encodes filter as query parameters.
func FilterQuery(f domain.Filter) map[string]string {
	q := map[string]string{}
	if len(f.Statuses) > 0 {
		parts := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			parts[i] = string(s)
		}
		q["status"] = strings.Join(parts, ",")
	}
	if len(f.Priorities) > 0 {
		parts := make([]string, len(f.Priorities))
		for i, p := range f.Priorities {
			parts[i] = string(p)
		}
		q["priority"] = strings.Join(parts, ",")
	}
	if len(f.AgentIDs) > 0 {
		q["agent_id"] = strings.Join(f.AgentIDs, ",")
	}
	if len(f.Tags) > 0 {
		q["tag"] = strings.Join(f.Tags, ",")
	}
	if term := f.SearchTerm(); term != "" {
		q["q"] = term
	}
	if f.CreatedFrom != nil {
		q["created_from"] = f.CreatedFrom.UTC().Format(time.RFC3339Nano)
	}
	if f.CreatedTo != nil {
		q["created_to"] = f.CreatedTo.UTC().Format(time.RFC3339Nano)
	}
	if f.SLAOverdue {
		q["sla_overdue"] = strconv.FormatBool(true)
	}
	return q
}

// call performs one request and decodes the data envelope. Transport and
// status failures are classified here so no raw error leaves the package.
func call[T any](ctx context.Context, c *HTTPClient, method, path string, body any, query map[string]string) (T, error) {
	var zero T
	req := c.client.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}
	if len(query) > 0 {
		req.SetQueryParams(query)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		c.logger.Warn("remote call failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err))
		return zero, apperrors.FromHTTP(0, "", err)
	}
	if resp.IsError() {
		var env errorEnvelope
		_ = json.Unmarshal(resp.Body(), &env)
		classified := apperrors.FromHTTP(resp.StatusCode(), env.Error.Message, nil)
		if de := apperrors.ToDomainError(classified); de != nil && env.Error.Details != nil && de.Details == nil {
			de.Details = env.Error.Details
		}
		return zero, classified
	}

	var env dataEnvelope[T]
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return zero, apperrors.NewInternalError(fmt.Errorf("decode %s %s: %w", method, path, err))
	}
	return env.Data, nil
}
