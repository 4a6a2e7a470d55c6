// Package policy implements the external policy-oracle collaborator:
// allow(meta) -> bool, defaulting to allow when unconfigured or unreachable.
package policy

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"atprouter/utils"
)

// Oracle checks meta against the configured OPA-compatible endpoint.
type Oracle struct {
	url    string
	client *fasthttp.Client
}

// NewOracle builds an Oracle. An empty url means "always allow", matching
// spec.md §6's default when OPA_URL is unset.
func NewOracle(url string) *Oracle {
	return &Oracle{
		url: strings.TrimRight(url, "/"),
		client: &fasthttp.Client{
			ReadTimeout:  2 * time.Second,
			WriteTimeout: 2 * time.Second,
		},
	}
}

// Allow POSTs {"input":{"meta": meta}} to {url}/v1/data/atp/policy/allow and
// returns the "result" field. Any failure — unset URL, dial error, non-2xx,
// malformed body — defaults to allow, per spec.md §6.
func (o *Oracle) Allow(meta map[string]interface{}) bool {
	if o.url == "" {
		return true
	}

	body, err := json.Marshal(map[string]interface{}{
		"input": map[string]interface{}{"meta": meta},
	})
	if err != nil {
		utils.Logger.Warn("policy request marshal failed", zap.Error(err))
		return true
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(o.url + "/v1/data/atp/policy/allow")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	if err := o.client.DoDeadline(req, resp, time.Now().Add(2*time.Second)); err != nil {
		utils.Logger.Warn("policy oracle unreachable, defaulting to allow", zap.Error(err))
		return true
	}
	if sc := resp.StatusCode(); sc < 200 || sc > 299 {
		utils.Logger.Warn("policy oracle returned non-2xx, defaulting to allow", zap.Int("status", sc))
		return true
	}

	var out struct {
		Result *bool `json:"result"`
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil || out.Result == nil {
		utils.Logger.Warn("policy oracle response malformed, defaulting to allow", zap.Error(err))
		return true
	}
	return *out.Result
}
