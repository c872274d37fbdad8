package board

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Active-Apparel-Group/ordersync/internal/backoff"
	"github.com/Active-Apparel-Group/ordersync/internal/model"
)

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// ClientConfig configures the board API client.
type ClientConfig struct {
	// BaseURL is the API endpoint; all mutations POST to it.
	BaseURL string

	// BoardID is the target board for every mutation.
	BoardID string

	// Auth configures authentication.
	Auth AuthConfig

	// Timeout for individual requests (default: 30s).
	Timeout time.Duration

	// RateLimit requests per second (default: 10).
	RateLimit float64

	// RateBurst maximum burst size (default: 5).
	RateBurst int

	// Headers to add to all requests.
	Headers map[string]string

	// UserAgent string (default: "ordersync/1.0").
	UserAgent string

	// Transport allows injecting a custom HTTP transport (for tests/stubs).
	Transport http.RoundTripper

	// Sleep allows injecting the retry wait (for tests). Defaults to
	// backoff.Sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultClientConfig returns a client config with sensible defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Timeout:   30 * time.Second,
		RateLimit: 10.0,
		RateBurst: 5,
		UserAgent: "ordersync/1.0",
		Headers:   make(map[string]string),
	}
}

// diagBodyLimit caps request/response echoes kept in diagnostics.
const diagBodyLimit = 32 * 1024

// =============================================================================
// CLIENT
// =============================================================================

// Client executes mutations against the remote API: rate-limited, retrying
// on transient failures per the policy, attributing batch outcomes per
// sub-operation. It persists nothing; callers own persistence.
type Client struct {
	config      *ClientConfig
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	policy      backoff.Policy
	mapping     model.Mapping
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewClient creates a board client with the given configuration, retry
// policy, and field mapping.
func NewClient(config *ClientConfig, policy backoff.Policy, mapping model.Mapping) *Client {
	if config == nil {
		config = DefaultClientConfig()
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RateLimit == 0 {
		config.RateLimit = 10.0
	}
	if config.RateBurst == 0 {
		config.RateBurst = 5
	}
	if config.UserAgent == "" {
		config.UserAgent = "ordersync/1.0"
	}
	if config.Auth == nil {
		config.Auth = NoAuth{}
	}
	if policy.MaxAttempts <= 0 {
		policy = backoff.Default()
	}
	sleep := config.Sleep
	if sleep == nil {
		sleep = backoff.Sleep
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: config.Transport,
		},
		rateLimiter: rate.NewLimiter(rate.Limit(config.RateLimit), config.RateBurst),
		policy:      policy,
		mapping:     mapping,
		sleep:       sleep,
	}
}

// Mapping returns the field mapping the client validates against.
func (c *Client) Mapping() model.Mapping { return c.mapping }

// =============================================================================
// EXECUTE
// =============================================================================

// Execute submits one operation for a single record or an ordered list.
// Expected failures come back inside the Result as coded errors; the returned
// error is reserved for misuse (nil or empty requests).
func (c *Client) Execute(ctx context.Context, req *Request) (*Result, error) {
	if req == nil || len(req.Records) == 0 {
		return nil, fmt.Errorf("execute: empty request")
	}
	started := time.Now()

	if limit := MaxBatch(req.Op); len(req.Records) > limit {
		err := model.NewError(model.CodeValidation, false,
			fmt.Errorf("%s: %d records exceed the per-call limit of %d", req.Op, len(req.Records), limit))
		return finishResult(failAll(len(req.Records), err), err, model.Diagnostic{
			Op: string(req.Op), ErrorCode: model.CodeValidation, DryRun: req.DryRun,
			StartedAt: started, FinishedAt: time.Now(),
		}), nil
	}

	// Validate each record up front; offenders get terminal verdicts and the
	// rest are still submitted.
	perItem := make([]ItemOutcome, len(req.Records))
	var sendable []Record
	var sendIdx []int
	for i, rec := range req.Records {
		perItem[i] = ItemOutcome{Index: i}
		if err := validateRecord(req.Op, rec, c.mapping); err != nil {
			perItem[i].Err = model.NewError(model.CodeValidation, false, err)
			continue
		}
		sendable = append(sendable, rec)
		sendIdx = append(sendIdx, i)
	}

	if len(sendable) == 0 {
		return finishResult(perItem, nil, model.Diagnostic{
			Op: string(req.Op), ErrorCode: model.CodeValidation, DryRun: req.DryRun,
			StartedAt: started, FinishedAt: time.Now(),
		}), nil
	}

	apiReq, err := buildRequest(c.config.BoardID, &Request{Op: req.Op, Records: sendable}, c.mapping)
	if err != nil {
		verr := model.NewError(model.CodeValidation, false, err)
		for _, i := range sendIdx {
			perItem[i].Err = verr
		}
		return finishResult(perItem, nil, model.Diagnostic{
			Op: string(req.Op), ErrorCode: model.CodeValidation, DryRun: req.DryRun,
			StartedAt: started, FinishedAt: time.Now(),
		}), nil
	}

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	if req.DryRun {
		return c.dryRun(req, perItem, sendIdx, body, started), nil
	}

	env, resp, attempts, callErr := c.post(ctx, body)

	diag := model.Diagnostic{
		Op:        string(req.Op),
		Request:   truncate(string(body), diagBodyLimit),
		Attempts:  attempts,
		StartedAt: started,
	}
	if resp != nil {
		diag.StatusCode = resp.StatusCode
		diag.Response = truncate(string(resp.Body), diagBodyLimit)
	}
	if callErr != nil {
		// Whole-call failure: nothing attributable per item. The scheduler
		// decides between item fallback and terminal write-back by code.
		code, retryable := backoff.Classify(callErr)
		diag.ErrorCode = code
		diag.FinishedAt = time.Now()
		return finishResult(perItem, model.NewError(code, retryable, callErr), diag), nil
	}

	c.attribute(env, perItem, sendIdx)
	diag.FinishedAt = time.Now()
	return finishResult(perItem, wholeCallError(env), diag), nil
}

// attribute fills per-item verdicts from the response envelope: error paths
// name failing aliases, data carries ids for the rest.
func (c *Client) attribute(env *apiEnvelope, perItem []ItemOutcome, sendIdx []int) {
	aliasToIdx := make(map[string]int, len(sendIdx))
	for k, origIdx := range sendIdx {
		aliasToIdx[aliasFor(k)] = origIdx
	}

	for _, body := range env.Errors {
		apiErr := newAPIError(body)
		if apiErr.Alias == "" {
			continue
		}
		if idx, ok := aliasToIdx[apiErr.Alias]; ok {
			perItem[idx].Err = model.NewError(apiErr.Code, apiErr.Retryable, apiErr)
		}
	}

	for k, origIdx := range sendIdx {
		if perItem[origIdx].Err != nil {
			continue
		}
		payload, ok := env.Data[aliasFor(k)]
		if ok && payload.ID != "" {
			perItem[origIdx].ExternalID = payload.ID
			continue
		}
		// The alias is silently absent: the sub-operation's fate is unknown.
		perItem[origIdx].Err = model.NewError(model.CodeUnknown, false,
			fmt.Errorf("response missing alias %s", aliasFor(k)))
	}
}

// wholeCallError surfaces a terminal unattributable error from the envelope.
func wholeCallError(env *apiEnvelope) *model.Error {
	for _, body := range env.Errors {
		if len(body.Path) == 0 {
			apiErr := newAPIError(body)
			return model.NewError(apiErr.Code, apiErr.Retryable, apiErr)
		}
	}
	return nil
}

// finishResult assembles the normalized result: alias-ordered external ids,
// the success flag, and a partial-batch marker on mixed outcomes.
func finishResult(perItem []ItemOutcome, batchErr *model.Error, diag model.Diagnostic) *Result {
	ids := make([]string, len(perItem))
	succeeded, failed := 0, 0
	for i, o := range perItem {
		ids[i] = o.ExternalID
		switch {
		case o.Succeeded():
			succeeded++
		case o.Err != nil:
			failed++
		}
	}

	if batchErr == nil && failed > 0 && succeeded > 0 {
		batchErr = model.NewError(model.CodePartialBatch, false,
			fmt.Errorf("%d of %d sub-operations failed", failed, len(perItem)))
	}
	if diag.ErrorCode == "" && batchErr != nil {
		diag.ErrorCode = batchErr.Code
	}

	return &Result{
		Success:     succeeded == len(perItem),
		ExternalIDs: ids,
		PerItem:     perItem,
		Err:         batchErr,
		Diagnostic:  diag,
	}
}

func failAll(n int, err *model.Error) []ItemOutcome {
	out := make([]ItemOutcome, n)
	for i := range out {
		out[i] = ItemOutcome{Index: i, Err: err}
	}
	return out
}

// validateRecord checks the references and payload one record needs for the
// operation, before anything goes on the wire.
func validateRecord(op Operation, rec Record, m model.Mapping) error {
	switch op {
	case OpCreateGroup:
		if rec.Name == "" {
			return fmt.Errorf("group name required")
		}
		return nil
	case OpCreateItem, OpBatchCreateItem:
		if rec.Name == "" {
			return fmt.Errorf("item name required")
		}
		if rec.GroupID == "" {
			return fmt.Errorf("group id required")
		}
	case OpCreateSubitem:
		if rec.Name == "" {
			return fmt.Errorf("item name required")
		}
		if rec.ParentID == "" {
			return fmt.Errorf("parent item id required")
		}
	case OpUpdateItem, OpUpdateSubitem:
		if rec.ItemID == "" {
			return fmt.Errorf("item id required")
		}
	default:
		return fmt.Errorf("unknown operation %q", op)
	}
	_, err := columnValues(rec.Payload, m, false)
	return err
}

// =============================================================================
// DRY RUN
// =============================================================================

// dryRun returns synthetic ids and an echo of the would-be request without
// touching the network or the rate limiter.
func (c *Client) dryRun(req *Request, perItem []ItemOutcome, sendIdx []int, body []byte, started time.Time) *Result {
	data := make(map[string]aliasPayload, len(sendIdx))
	for k, origIdx := range sendIdx {
		id := "dry-" + uuid.NewString()
		perItem[origIdx].ExternalID = id
		data[aliasFor(k)] = aliasPayload{ID: id}
	}
	echo, _ := json.Marshal(apiEnvelope{Data: data})

	diag := model.Diagnostic{
		Op:         string(req.Op),
		Request:    truncate(string(body), diagBodyLimit),
		Response:   truncate(string(echo), diagBodyLimit),
		Attempts:   0,
		DryRun:     true,
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
	return finishResult(perItem, nil, diag)
}

// =============================================================================
// TRANSPORT
// =============================================================================

type response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// post sends the request body, retrying transient failures per the policy.
// It returns the parsed envelope, the last raw response for diagnostics, and
// the number of attempts made.
func (c *Client) post(ctx context.Context, body []byte) (*apiEnvelope, *response, int, error) {
	var lastErr error
	var lastResp *response

	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, lastResp, attempt, fmt.Errorf("rate limiter: %w", err)
		}

		env, resp, err := c.doOnce(ctx, body)
		if resp != nil {
			lastResp = resp
		}
		if err == nil {
			return env, resp, attempt, nil
		}
		lastErr = err

		if attempt == c.policy.MaxAttempts || !c.policy.IsRetryable(err) {
			return nil, lastResp, attempt, err
		}
		if serr := c.sleep(ctx, c.policy.DelayFor(err, attempt)); serr != nil {
			return nil, lastResp, attempt, serr
		}
	}

	return nil, lastResp, c.policy.MaxAttempts, lastErr
}

// doOnce executes a single attempt. Retryable conditions (transport
// failures, 4xx/5xx statuses, retryable errors signaled in a 200 body)
// come back as errors for the retry loop; terminal envelopes are returned
// for attribution.
func (c *Client) doOnce(ctx context.Context, body []byte) (*apiEnvelope, *response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", c.config.UserAgent)
	for k, v := range c.config.Headers {
		httpReq.Header.Set(k, v)
	}
	c.config.Auth.Apply(httpReq)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, nil, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read body: %w", err)
	}

	resp := &response{
		StatusCode: httpResp.StatusCode,
		Headers:    httpResp.Header,
		Body:       respBody,
	}

	if httpResp.StatusCode >= 400 {
		return nil, resp, &HTTPError{
			StatusCode: httpResp.StatusCode,
			Message:    string(respBody),
			RetryAfter: parseRetryAfter(httpResp.Header),
		}
	}

	var env apiEnvelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		// An unparseable 200 says nothing about what the remote did; surface
		// it terminal so the caller can disambiguate item by item.
		return nil, resp, model.NewError(model.CodeUnknown, false, fmt.Errorf("parse response: %w", err))
	}

	for _, e := range env.Errors {
		if len(e.Path) > 0 {
			continue
		}
		if apiErr := newAPIError(e); apiErr.Retryable {
			return nil, resp, apiErr
		}
	}

	return &env, resp, nil
}

// parseRetryAfter reads an integer-seconds Retry-After header.
func parseRetryAfter(h http.Header) time.Duration {
	raw := h.Get("Retry-After")
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "...(truncated)"
}

// =============================================================================
// GROUP HELPERS
// =============================================================================

// CreateGroup creates one named container and returns its external id.
func (c *Client) CreateGroup(ctx context.Context, name string, dryRun bool) (string, error) {
	res, err := c.Execute(ctx, &Request{
		Op:      OpCreateGroup,
		Records: []Record{{Name: name}},
		DryRun:  dryRun,
	})
	if err != nil {
		return "", err
	}
	if !res.Success {
		if len(res.PerItem) > 0 && res.PerItem[0].Err != nil {
			return "", res.PerItem[0].Err
		}
		if res.Err != nil {
			return "", res.Err
		}
		return "", model.NewError(model.CodeUnknown, false, fmt.Errorf("group %q: no id returned", name))
	}
	return res.PerItem[0].ExternalID, nil
}
