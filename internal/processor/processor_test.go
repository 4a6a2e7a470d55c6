package processor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"atprouter/internal/adapter"
	"atprouter/internal/frame"
	"atprouter/internal/scheduler"
	"atprouter/utils"
)

func TestMAPEZeroPredictionIsZero(t *testing.T) {
	assert.Equal(t, 0.0, mape(0, 500))
}

func TestMAPEComputesAbsolutePercentageError(t *testing.T) {
	assert.InDelta(t, 0.2, mape(100, 120), 1e-9)
	assert.InDelta(t, 0.2, mape(100, 80), 1e-9)
}

func TestIsFinalTypeMatchesSuffix(t *testing.T) {
	assert.True(t, isFinalType("agent.result.final"))
	assert.False(t, isFinalType("agent.result.partial"))
	assert.False(t, isFinalType(""))
}

func TestDecTTLSaturatesAtZero(t *testing.T) {
	assert.Equal(t, uint8(4), decTTL(5))
	assert.Equal(t, uint8(0), decTTL(0))
}

func TestAckFrameCarriesACKFlagAndDecrementedTTL(t *testing.T) {
	in := frame.Frame{SessionID: "s1", StreamID: "t1", MsgSeq: 3, QoS: "gold", TTL: 8}
	out := ackFrame(in)
	assert.Equal(t, []string{frame.FlagACK}, out.Flags)
	assert.Equal(t, uint8(7), out.TTL)
	assert.Equal(t, "agent.result.partial", out.Payload.Type)
}

func TestChunkFrameTagsMetaWithAdapter(t *testing.T) {
	in := frame.Frame{SessionID: "s1", StreamID: "t1", MsgSeq: 1, TTL: 5, Meta: map[string]interface{}{"k": "v"}}
	c := adapter.Chunk{Type: "agent.result.final", ContentJSON: "hi"}
	out := chunkFrame(in, c, "quic://persona-adapter:7070")
	assert.Equal(t, "quic://persona-adapter:7070", out.Meta["adapter"])
	assert.Equal(t, "v", out.Meta["k"])
	assert.Equal(t, []string{frame.FlagMore}, out.Flags)
	assert.Equal(t, uint64(2), out.MsgSeq)
}

func TestWithAdapterDoesNotMutateInput(t *testing.T) {
	in := map[string]interface{}{"a": 1}
	out := withAdapter(in, "ep")
	assert.Len(t, in, 1)
	assert.Equal(t, "ep", out["adapter"])
}

// drainPayloadTypes reads every frame currently buffered on ch, returning
// their payload types in send order, without blocking once ch is empty.
func drainPayloadTypes(ch chan []byte) []string {
	var types []string
	for {
		select {
		case msg := <-ch:
			var f frame.Frame
			if err := json.Unmarshal(msg, &f); err == nil {
				types = append(types, f.Payload.Type)
			}
		default:
			return types
		}
	}
}

func TestAggregateEmitsProvisionalWhenTopScoreReachesThreshold(t *testing.T) {
	events := make(chan aggEvent, 4)
	events <- aggEvent{kind: "chunk", endpoint: "ep1", chunk: adapter.Chunk{Type: "agent.result.final", ContentJSON: "same answer"}}
	events <- aggEvent{kind: "chunk", endpoint: "ep2", chunk: adapter.Chunk{Type: "agent.result.final", ContentJSON: "same answer"}}
	close(events)

	reply := make(chan []byte, 8)
	item := scheduler.WorkItem{Frame: frame.Frame{SessionID: "s1", StreamID: "t1", QoS: "gold"}, ReplyTx: reply}

	p := &Pipeline{}
	finals, provisionalConf, provisionalSent := p.aggregate(events, item, item.Frame, map[string]adapter.CostEstimate{}, utils.Logger)

	assert.True(t, provisionalSent)
	assert.InDelta(t, 1.0, provisionalConf, 1e-9)
	assert.Len(t, finals, 2)
	assert.Contains(t, drainPayloadTypes(reply), "agent.result.provisional")
}

func TestAggregateWithholdsProvisionalBelowThreshold(t *testing.T) {
	events := make(chan aggEvent, 4)
	events <- aggEvent{kind: "chunk", endpoint: "ep1", chunk: adapter.Chunk{Type: "agent.result.final", ContentJSON: "answer a"}}
	events <- aggEvent{kind: "chunk", endpoint: "ep2", chunk: adapter.Chunk{Type: "agent.result.final", ContentJSON: "answer b"}}
	close(events)

	reply := make(chan []byte, 8)
	item := scheduler.WorkItem{Frame: frame.Frame{SessionID: "s1", StreamID: "t1", QoS: "gold"}, ReplyTx: reply}

	p := &Pipeline{}
	_, _, provisionalSent := p.aggregate(events, item, item.Frame, map[string]adapter.CostEstimate{}, utils.Logger)

	assert.False(t, provisionalSent)
	assert.NotContains(t, drainPayloadTypes(reply), "agent.result.provisional")
}

func TestFinishConsensusEmitsDowngradeBeforeFinalWhenTopDropsBelowProvisional(t *testing.T) {
	reply := make(chan []byte, 8)
	f := frame.Frame{SessionID: "s1", StreamID: "t1", QoS: "gold"}
	item := scheduler.WorkItem{Frame: f, ReplyTx: reply}

	// Two pairs of matching finals split into two equal-size groups, so the
	// final top score (0.5) falls well below the provisional's claimed 1.0.
	finals := []string{"answer a", "answer a", "answer b", "answer b"}

	p := &Pipeline{}
	p.finishConsensus(item, f, finals, 1.0, true)

	types := drainPayloadTypes(reply)
	assert.Contains(t, types, "control.status")
	assert.Contains(t, types, "agent.result.final")

	var controlIdx, finalIdx = -1, -1
	for i, ty := range types {
		if ty == "control.status" {
			controlIdx = i
		}
		if ty == "agent.result.final" {
			finalIdx = i
		}
	}
	assert.True(t, controlIdx >= 0 && finalIdx >= 0 && controlIdx < finalIdx)
}

func TestFinishConsensusSkipsDowngradeWhenNoProvisionalWasSent(t *testing.T) {
	reply := make(chan []byte, 8)
	f := frame.Frame{SessionID: "s1", StreamID: "t1", QoS: "gold"}
	item := scheduler.WorkItem{Frame: f, ReplyTx: reply}

	finals := []string{"answer a", "answer b"}

	p := &Pipeline{}
	p.finishConsensus(item, f, finals, 0, false)

	types := drainPayloadTypes(reply)
	assert.NotContains(t, types, "control.status")
	assert.Contains(t, types, "agent.result.final")
}
