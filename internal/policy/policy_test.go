package policy

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func newTestOracle(handler fasthttp.RequestHandler) (*Oracle, func()) {
	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: handler}
	go srv.Serve(ln)

	o := NewOracle("http://policy.internal")
	o.client.Dial = func(addr string) (net.Conn, error) { return ln.Dial() }
	return o, func() { ln.Close() }
}

func TestAllowDefaultsTrueWhenURLUnset(t *testing.T) {
	o := NewOracle("")
	assert.True(t, o.Allow(map[string]interface{}{"task_type": "ask"}))
}

func TestAllowReturnsOracleResult(t *testing.T) {
	o, cleanup := newTestOracle(func(ctx *fasthttp.RequestCtx) {
		require.Equal(t, "/v1/data/atp/policy/allow", string(ctx.Path()))
		ctx.SetBodyString(`{"result": false}`)
	})
	defer cleanup()

	assert.False(t, o.Allow(map[string]interface{}{"risk": "high"}))
}

func TestAllowDefaultsTrueOnMalformedResponse(t *testing.T) {
	o, cleanup := newTestOracle(func(ctx *fasthttp.RequestCtx) {
		ctx.SetBodyString(`not json`)
	})
	defer cleanup()

	assert.True(t, o.Allow(map[string]interface{}{}))
}
