// Package adapter implements the three adapter RPCs spec.md §6 describes:
// health(), estimate(), and stream(). Scalar request/response calls
// (health, estimate) go over github.com/valyala/fasthttp; the bulk
// streaming call goes over a pooled github.com/quic-go/quic-go session,
// reviving the teacher's accelerator/prewarm machinery for a real purpose.
package adapter

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"atprouter/utils"
)

// CostEstimate is the result of estimate().
type CostEstimate struct {
	InTokens  uint64 `json:"in_tokens"`
	OutTokens uint64 `json:"out_tokens"`
	USDMicros uint64 `json:"usd_micros"`
}

// HealthStatus is the result of health().
type HealthStatus struct {
	Endpoint  string  `json:"endpoint"`
	OK        bool    `json:"ok"`
	P95Ms     float64 `json:"p95_ms"`
	ErrorRate float64 `json:"error_rate"`
}

// Chunk is one element of a stream() response.
type Chunk struct {
	Type             string      `json:"type"`
	ContentJSON      interface{} `json:"content_json"`
	Confidence       *float64    `json:"confidence,omitempty"`
	PartialInTokens  uint64      `json:"partial_in_tokens"`
	PartialOutTokens uint64      `json:"partial_out_tokens"`
	PartialUSDMicros uint64      `json:"partial_usd_micros"`
}

// Client is a handle to the configured adapter fleet.
type Client struct {
	httpClient *fasthttp.Client
	pools      *poolRegistry
	dialTO     time.Duration
}

// NewClient builds a Client with a shared fasthttp.Client for scalar RPCs
// and a QUIC session pool for streaming RPCs.
func NewClient() *Client {
	return &Client{
		httpClient: &fasthttp.Client{
			MaxConnsPerHost: 64,
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    5 * time.Second,
		},
		pools:  newPoolRegistry(),
		dialTO: 3 * time.Second,
	}
}

// Health calls GET {endpoint}/health.
func (c *Client) Health(ctx context.Context, endpoint string) (HealthStatus, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(strings.TrimRight(endpoint, "/") + "/health")
	req.Header.SetMethod(fasthttp.MethodGet)

	if err := c.httpClient.DoDeadline(req, resp, deadline(ctx, 2*time.Second)); err != nil {
		return HealthStatus{Endpoint: endpoint}, errors.Wrap(err, "adapter health")
	}

	var body struct {
		P95Ms     float64 `json:"p95_ms"`
		ErrorRate float64 `json:"error_rate"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return HealthStatus{Endpoint: endpoint}, errors.Wrap(err, "decode health response")
	}
	return HealthStatus{Endpoint: endpoint, OK: true, P95Ms: body.P95Ms, ErrorRate: body.ErrorRate}, nil
}

// Estimate calls POST {endpoint}/estimate with {stream_id, task_type,
// prompt_json} and returns the adapter's in_tokens, out_tokens and
// usd_micros estimate unsummed; callers add in_tokens+out_tokens themselves.
func (c *Client) Estimate(ctx context.Context, endpoint, streamID, taskType string, promptJSON interface{}) (CostEstimate, error) {
	reqBody, err := json.Marshal(map[string]interface{}{
		"stream_id":   streamID,
		"task_type":   taskType,
		"prompt_json": promptJSON,
	})
	if err != nil {
		return CostEstimate{}, errors.Wrap(err, "marshal estimate request")
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(strings.TrimRight(endpoint, "/") + "/estimate")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(reqBody)

	if err := c.httpClient.DoDeadline(req, resp, deadline(ctx, 3*time.Second)); err != nil {
		return CostEstimate{}, errors.Wrap(err, "adapter estimate")
	}

	var est CostEstimate
	if err := json.Unmarshal(resp.Body(), &est); err != nil {
		return CostEstimate{}, errors.Wrap(err, "decode estimate response")
	}
	return est, nil
}

// Stream opens a bidirectional QUIC stream against endpoint's pooled
// session and returns a channel of decoded chunks. The channel is closed
// when the adapter's stream ends or the context is cancelled.
func (c *Client) Stream(ctx context.Context, endpoint, streamID string, promptJSON interface{}) (<-chan Chunk, error) {
	sess, err := c.pools.acquire(ctx, endpoint, c.dialTO)
	if err != nil {
		return nil, errors.Wrap(err, "dial adapter stream")
	}

	reqLine, err := json.Marshal(map[string]interface{}{
		"op":          "stream",
		"stream_id":   streamID,
		"prompt_json": promptJSON,
	})
	if err != nil {
		return nil, errors.Wrap(err, "marshal stream request")
	}

	out := make(chan Chunk, 16)
	go runStream(ctx, sess, reqLine, out, endpoint)
	return out, nil
}

func deadline(ctx context.Context, def time.Duration) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Now().Add(def)
}

// HealthAll fans Health out to every endpoint concurrently, for the
// /adapters/health side endpoint.
func (c *Client) HealthAll(ctx context.Context, endpoints []string) []HealthStatus {
	out := make([]HealthStatus, len(endpoints))
	var wg sync.WaitGroup
	wg.Add(len(endpoints))
	for i, ep := range endpoints {
		go func(i int, ep string) {
			defer wg.Done()
			status, err := c.Health(ctx, ep)
			if err != nil {
				out[i] = HealthStatus{Endpoint: ep}
				return
			}
			out[i] = status
		}(i, ep)
	}
	wg.Wait()
	return out
}

func logAdapterErr(endpoint, op string, err error) {
	utils.Logger.Warn("adapter rpc failed",
		zap.String("adapter", endpoint),
		zap.String("op", op),
		zap.Error(err))
}
