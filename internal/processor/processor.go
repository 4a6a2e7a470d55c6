// Package processor implements the request pipeline: policy check, cost
// prediction, admission, fan-out to the adapter fleet, provisional and
// final consensus, and window release.
package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"atprouter/config"
	"atprouter/internal/adapter"
	"atprouter/internal/consensus"
	"atprouter/internal/frame"
	"atprouter/internal/metrics"
	"atprouter/internal/policy"
	"atprouter/internal/scheduler"
	"atprouter/internal/window"
	"atprouter/utils"
)

// Pipeline wires the collaborators one process_request invocation needs.
type Pipeline struct {
	Adapter *adapter.Client
	Policy  *policy.Oracle
	Windows *window.Table
}

// New builds a Pipeline from the process-wide collaborators.
func New(ad *adapter.Client, pol *policy.Oracle, win *window.Table) *Pipeline {
	return &Pipeline{Adapter: ad, Policy: pol, Windows: win}
}

// Process implements scheduler.Process: it is invoked once per dequeued
// work item, in its own goroutine, and owns that item's entire lifecycle
// from policy check through final consensus and window release.
func (p *Pipeline) Process(item scheduler.WorkItem) {
	f := item.Frame
	log := utils.Logger.With(
		zap.String("request_id", uuid.NewString()),
		zap.String("session_id", f.SessionID),
		zap.String("stream_id", f.StreamID),
		zap.Uint64("msg_seq", f.MsgSeq),
		zap.Uint32("frag_seq", f.FragSeq),
		zap.String("qos", f.QoS),
	)
	log.Debug("process_request started")

	if !p.Policy.Allow(f.Meta) {
		log.Info("request denied by policy oracle")
		send(item.ReplyTx, errorPayload("policy_denied"))
		return
	}

	endpoints := config.GlobalCfg.AdapterEndpoints
	ctx := context.Background()

	predictions, needTokens, needUSD := p.estimateAll(ctx, endpoints, f)
	metrics.EstimateTokens.Observe(float64(needTokens))
	metrics.EstimateUSDMicros.Observe(float64(needUSD))

	key := window.KeyFor(f)
	if !p.Windows.Admit(key, f.Window, needTokens, needUSD) {
		p.Windows.MarkBackpressure(key)
		metrics.WindowsRejectTotal.Inc()
		send(item.ReplyTx, []byte(`{"control.status":"BUSY","suggested_wait_ms":200}`))
		return
	}

	if p.Windows.UnderPressure(key) && frame.LaneForQoS(f.QoS) == "Bronze" {
		metrics.QoSDropsBronzeTotal.Inc()
		send(item.ReplyTx, []byte(`{"control.status":"ECN","action":"drop","reason":"pressure"}`))
		p.Windows.Ack(key, needTokens, needUSD)
		return
	}

	metrics.WindowsAdmitTotal.Inc()
	sendFrame(item.ReplyTx, ackFrame(f), "ack", f.QoS, "")

	finals, provisionalConf, provisionalSent := p.fanOut(ctx, item, f, endpoints, predictions, log)
	p.finishConsensus(item, f, finals, provisionalConf, provisionalSent)
	p.Windows.Ack(key, needTokens, needUSD)
}

// finishConsensus computes final consensus over the collected finals,
// emitting a control.status DOWNGRADED frame first if the final top score
// dropped far enough below an already-sent provisional's confidence, then
// the agent.result.final frame. Split out of Process so it's drivable
// directly from synthetic finals/provisional state.
func (p *Pipeline) finishConsensus(item scheduler.WorkItem, f frame.Frame, finals []string, provisionalConf float64, provisionalSent bool) {
	result := consensus.Compute(finals)
	top := consensus.TopScore(result.Scores)
	metrics.ConsensusConfidence.Set(top)

	if provisionalSent && top+config.GlobalCfg.Consensus.DowngradeMargin < provisionalConf {
		sendFrame(item.ReplyTx, controlDowngradeFrame(provisionalConf, top), "control", f.QoS, "")
	}

	sendFrame(item.ReplyTx, finalFrame(f, result), "final", f.QoS, "")
}

// estimateAll fans Estimate out across every endpoint, returning the
// per-endpoint prediction (for later MAPE comparison) and the summed
// token/USD cost the window controller admits against. The original
// implementation makes this same RPC round twice — once to size the
// admission request, once more to populate the per-adapter prediction map
// used for MAPE; one concurrent pass serves both here.
func (p *Pipeline) estimateAll(ctx context.Context, endpoints []string, f frame.Frame) (map[string]adapter.CostEstimate, uint64, uint64) {
	type result struct {
		endpoint string
		est      adapter.CostEstimate
		ok       bool
	}
	results := make(chan result, len(endpoints))
	var wg sync.WaitGroup
	wg.Add(len(endpoints))
	for _, ep := range endpoints {
		go func(ep string) {
			defer wg.Done()
			est, err := p.Adapter.Estimate(ctx, ep, f.StreamID, f.Payload.Type, f.Payload.Content)
			results <- result{endpoint: ep, est: est, ok: err == nil}
		}(ep)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	predictions := make(map[string]adapter.CostEstimate, len(endpoints))
	var tokens, usd uint64
	for r := range results {
		if !r.ok {
			continue
		}
		predictions[r.endpoint] = r.est
		tokens += r.est.InTokens + r.est.OutTokens
		usd += r.est.USDMicros
	}
	return predictions, tokens, usd
}

// aggEvent is one message flowing from a per-adapter fan-out goroutine
// back to the aggregation loop: either a decoded chunk, a terminal stats
// summary, or an adapter-side error.
type aggEvent struct {
	kind      string // "chunk" | "stats" | "error"
	endpoint  string
	chunk     adapter.Chunk
	obsTokens uint64
	obsUSD    uint64
	err       error
}

// fanOut streams every endpoint concurrently and hands the resulting event
// stream to aggregate.
func (p *Pipeline) fanOut(ctx context.Context, item scheduler.WorkItem, f frame.Frame, endpoints []string, predictions map[string]adapter.CostEstimate, log *zap.Logger) ([]string, float64, bool) {
	events := make(chan aggEvent, 64)
	var wg sync.WaitGroup
	wg.Add(len(endpoints))
	for _, ep := range endpoints {
		go func(ep string) {
			defer wg.Done()
			p.streamOne(ctx, ep, f, events)
		}(ep)
	}
	go func() {
		wg.Wait()
		close(events)
	}()

	return p.aggregate(events, item, f, predictions, log)
}

// aggregate drains events, forwarding partial results to the client and
// computing provisional consensus once at least two finals have arrived. It
// returns the collected finals plus whether/at-what-score a provisional was
// emitted. Split out of fanOut so it is drivable from a synthetic channel
// without a live adapter fleet.
func (p *Pipeline) aggregate(events <-chan aggEvent, item scheduler.WorkItem, f frame.Frame, predictions map[string]adapter.CostEstimate, log *zap.Logger) ([]string, float64, bool) {
	var finals []string
	provisionalSent := false
	var provisionalConf float64
	start := time.Now()
	threshold := config.GlobalCfg.Consensus.ProvisionalThreshold
	deadline := time.Duration(config.GlobalCfg.Consensus.ProvisionalDeadlineMs) * time.Millisecond

	for ev := range events {
		switch ev.kind {
		case "error":
			log.Warn("adapter fan-out failed", zap.String("adapter", ev.endpoint), zap.Error(ev.err))
			send(item.ReplyTx, adapterErrorPayload(ev.endpoint, ev.err))
		case "stats":
			p.recordMAPE(ev.endpoint, predictions[ev.endpoint], ev.obsTokens, ev.obsUSD)
		case "chunk":
			out := chunkFrame(f, ev.chunk, ev.endpoint)
			sendFrame(item.ReplyTx, out, "partial", f.QoS, ev.endpoint)

			if isFinalType(ev.chunk.Type) {
				finals = append(finals, contentString(ev.chunk.ContentJSON))
				if !provisionalSent && len(finals) >= 2 {
					result := consensus.Compute(finals)
					top := consensus.TopScore(result.Scores)
					if top >= threshold || time.Since(start) > deadline {
						sendFrame(item.ReplyTx, provisionalFrame(f, result), "provisional", f.QoS, "")
						provisionalSent = true
						provisionalConf = top
						metrics.ConsensusConfidence.Set(top)
					}
				}
			}
		}
	}
	return finals, provisionalConf, provisionalSent
}

func (p *Pipeline) streamOne(ctx context.Context, endpoint string, f frame.Frame, events chan<- aggEvent) {
	stream, err := p.Adapter.Stream(ctx, endpoint, f.StreamID, f.Payload.Content)
	if err != nil {
		events <- aggEvent{kind: "error", endpoint: endpoint, err: err}
		return
	}
	var obsTokens, obsUSD uint64
	for chunk := range stream {
		obsTokens += chunk.PartialInTokens + chunk.PartialOutTokens
		obsUSD += chunk.PartialUSDMicros
		events <- aggEvent{kind: "chunk", endpoint: endpoint, chunk: chunk}
	}
	events <- aggEvent{kind: "stats", endpoint: endpoint, obsTokens: obsTokens, obsUSD: obsUSD}
}

// recordMAPE computes the mean-absolute-percentage-error between a
// prediction and its observed outcome, matching the original metric set
// exactly: a global histogram plus a per-adapter one, and an "under-rate"
// counter whenever the observation exceeded the prediction.
func (p *Pipeline) recordMAPE(endpoint string, pred adapter.CostEstimate, obsTokens, obsUSD uint64) {
	predTokens := pred.InTokens + pred.OutTokens
	mapeTokens := mape(predTokens, obsTokens)
	mapeUSD := mape(pred.USDMicros, obsUSD)

	metrics.EstimateMAPETokens.Observe(mapeTokens)
	metrics.EstimateMAPEUSD.Observe(mapeUSD)
	metrics.AdapterEstimateMAPETokens.WithLabelValues(endpoint).Observe(mapeTokens)
	metrics.AdapterEstimateMAPEUSD.WithLabelValues(endpoint).Observe(mapeUSD)

	if obsTokens > predTokens {
		metrics.EstimateUnderRateTokensTotal.Inc()
	}
	if obsUSD > pred.USDMicros {
		metrics.EstimateUnderRateUSDTotal.Inc()
	}
}

func mape(predicted, observed uint64) float64 {
	if predicted == 0 {
		return 0
	}
	diff := float64(observed) - float64(predicted)
	if diff < 0 {
		diff = -diff
	}
	return diff / float64(predicted)
}

func isFinalType(payloadType string) bool {
	const suffix = "final"
	return len(payloadType) >= len(suffix) && payloadType[len(payloadType)-len(suffix):] == suffix
}

func contentString(v interface{}) string {
	return fmt.Sprintf("%v", v)
}

func send(tx chan<- []byte, msg []byte) {
	select {
	case tx <- msg:
	default:
	}
}

func sendFrame(tx chan<- []byte, f frame.Frame, kind, qos, adapterEndpoint string) {
	buf, err := frame.Marshal(f)
	if err != nil {
		utils.Logger.Warn("failed to marshal outbound frame", zap.Error(err))
		return
	}
	metrics.FramesTxTotal.WithLabelValues(kind, qos, adapterEndpoint).Inc()
	send(tx, buf)
}

func errorPayload(code string) []byte {
	return []byte(`{"error":"` + code + `"}`)
}

func adapterErrorPayload(endpoint string, err error) []byte {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	buf, mErr := frame.Marshal(frame.Frame{
		Payload: frame.Payload{
			Type: "agent.result.partial",
			Content: map[string]interface{}{
				"adapter_error": map[string]interface{}{
					"adapter": endpoint,
					"reason":  reason,
				},
			},
		},
	})
	if mErr != nil {
		return errorPayload("adapter_error")
	}
	return buf
}

func ackFrame(f frame.Frame) frame.Frame {
	return frame.Frame{
		V:         f.V,
		SessionID: f.SessionID,
		StreamID:  f.StreamID,
		MsgSeq:    f.MsgSeq,
		FragSeq:   f.FragSeq,
		Flags:     []string{frame.FlagACK},
		QoS:       f.QoS,
		TTL:       decTTL(f.TTL),
		Window:    f.Window,
		Meta:      f.Meta,
		Payload: frame.Payload{
			Type:    "agent.result.partial",
			Content: map[string]interface{}{"router": "ack"},
		},
	}
}

func chunkFrame(f frame.Frame, c adapter.Chunk, endpoint string) frame.Frame {
	meta := f.Meta
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta = withAdapter(meta, endpoint)
	return frame.Frame{
		V:         f.V,
		SessionID: f.SessionID,
		StreamID:  f.StreamID,
		MsgSeq:    f.MsgSeq + 1,
		FragSeq:   f.FragSeq,
		Flags:     []string{frame.FlagMore},
		QoS:       f.QoS,
		TTL:       decTTL(f.TTL),
		Window:    f.Window,
		Meta:      meta,
		Payload: frame.Payload{
			Type:       c.Type,
			Content:    c.ContentJSON,
			Confidence: c.Confidence,
		},
	}
}

func withAdapter(meta map[string]interface{}, endpoint string) map[string]interface{} {
	out := make(map[string]interface{}, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out["adapter"] = endpoint
	return out
}

func provisionalFrame(f frame.Frame, result consensus.Result) frame.Frame {
	expiry := config.GlobalCfg.Consensus.ProvisionalExpiryMs
	return frame.Frame{
		V:         f.V,
		SessionID: f.SessionID,
		StreamID:  f.StreamID,
		MsgSeq:    f.MsgSeq + 1,
		FragSeq:   f.FragSeq,
		Flags:     []string{frame.FlagMore},
		QoS:       f.QoS,
		TTL:       decTTL(f.TTL),
		Window:    f.Window,
		Meta:      f.Meta,
		Payload: frame.Payload{
			Type: "agent.result.provisional",
			Content: map[string]interface{}{
				"finals": result.Finals,
				"groups": result.Groups,
				"scores": result.Scores,
			},
			ExpiryMs: &expiry,
		},
	}
}

func controlDowngradeFrame(from, to float64) frame.Frame {
	return frame.Frame{
		Payload: frame.Payload{
			Type: "control.status",
			Content: map[string]interface{}{
				"provisional": "DOWNGRADED",
				"from":        from,
				"to":          to,
			},
		},
	}
}

func finalFrame(f frame.Frame, result consensus.Result) frame.Frame {
	return frame.Frame{
		V:         f.V,
		SessionID: f.SessionID,
		StreamID:  f.StreamID,
		MsgSeq:    f.MsgSeq + 2,
		FragSeq:   f.FragSeq,
		Flags:     []string{frame.FlagFin},
		QoS:       f.QoS,
		TTL:       decTTL(f.TTL),
		Window:    f.Window,
		Meta:      f.Meta,
		Payload: frame.Payload{
			Type: "agent.result.final",
			Content: map[string]interface{}{
				"finals":          result.Finals,
				"representatives": result.Representatives,
				"groups":          result.Groups,
				"scores":          result.Scores,
			},
		},
	}
}

func decTTL(ttl uint8) uint8 {
	if ttl == 0 {
		return 0
	}
	return ttl - 1
}
