package adapter

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"atprouter/utils"
)

// sessionInitialSize mirrors the teacher's prewarmInitialSize: the number
// of warm QUIC sessions kept idle per adapter endpoint.
const sessionInitialSize = 4

// sessionPerEndpointMax mirrors prewarmPerTargetMax: the dynamic-growth
// ceiling, preventing unbounded session accumulation under load.
const sessionPerEndpointMax = 64

// poolRegistry maps an adapter endpoint to its sessionPool, the same shape
// as the teacher's prewarmPools sync.Map of address -> *prewarmPool.
type poolRegistry struct {
	pools sync.Map // endpoint -> *sessionPool
}

func newPoolRegistry() *poolRegistry {
	return &poolRegistry{}
}

// sessionPool maintains a small set of prewarmed QUIC sessions against one
// adapter endpoint, adapted directly from controller/prewarm.go's
// idle-list-with-dynamic-growth algorithm.
type sessionPool struct {
	addr    string
	desired int

	mu      sync.Mutex
	idle    []quic.Connection
	warming int
}

func (r *poolRegistry) ensure(addr string, desired int) *sessionPool {
	poolAny, _ := r.pools.LoadOrStore(addr, &sessionPool{addr: addr, desired: desired})
	pool := poolAny.(*sessionPool)
	pool.mu.Lock()
	if desired > pool.desired {
		pool.desired = desired
	}
	pool.ensureLocked()
	pool.mu.Unlock()
	return pool
}

func (p *sessionPool) ensureLocked() {
	need := p.desired - len(p.idle) - p.warming
	if need <= 0 {
		return
	}
	for i := 0; i < need; i++ {
		p.warming++
		go p.dialOne()
	}
}

func (p *sessionPool) dialOne() {
	conn, err := dialQUIC(context.Background(), p.addr, 3*time.Second)
	p.mu.Lock()
	p.warming--
	if p.warming < 0 {
		p.warming = 0
	}
	if err != nil {
		utils.Logger.Warn("adapter session warm-up failed", zap.String("adapter", p.addr), zap.Error(err))
		p.mu.Unlock()
		return
	}
	p.idle = append(p.idle, conn)
	p.ensureLocked()
	p.mu.Unlock()
}

// acquireIdle pops a warm session if one is available and dynamically grows
// the pool's desired size once the idle list drops under a quarter of it —
// the exact trigger the teacher's acquirePrewarmed uses.
func (p *sessionPool) acquireIdle() (quic.Connection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.idle)
	if n == 0 {
		p.ensureLocked()
		return nil, false
	}
	conn := p.idle[n-1]
	p.idle = p.idle[:n-1]

	remaining := len(p.idle)
	if p.desired > 0 && remaining*4 < p.desired {
		active := p.desired - remaining - p.warming
		if active < 0 {
			active = 0
		}
		growth := active * 2
		if growth < 1 {
			growth = 1
		}
		p.desired += growth
		if p.desired > sessionPerEndpointMax {
			p.desired = sessionPerEndpointMax
		}
	}
	p.ensureLocked()
	return conn, true
}

// acquire returns a usable QUIC session for endpoint, preferring the warm
// pool and falling back to a fresh dial.
func (r *poolRegistry) acquire(ctx context.Context, endpoint string, dialTO time.Duration) (quic.Connection, error) {
	pool := r.ensure(endpoint, sessionInitialSize)
	if conn, ok := pool.acquireIdle(); ok {
		if conn.Context().Err() == nil {
			return conn, nil
		}
		// Session died while idle; fall through to a fresh dial.
	}
	return dialQUIC(ctx, endpoint, dialTO)
}

// dialQUIC is the QUIC analogue of the teacher's DialFast: it resolves the
// endpoint to a UDP address and dials once. (Unlike DialFast's multi-IP
// race, a single adapter hostname here almost always resolves to one
// address in practice; the race's value in the teacher was shedding flaky
// network paths to arbitrary upstreams, which doesn't apply to a
// same-datacenter adapter fleet.)
func dialQUIC(ctx context.Context, endpoint string, timeout time.Duration) (quic.Connection, error) {
	addr, err := quicAddr(endpoint)
	if err != nil {
		return nil, err
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tlsConf := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{"atp-adapter/1"},
	}
	conn, err := quic.DialAddr(dctx, addr, tlsConf, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial quic adapter %s", addr)
	}
	return conn, nil
}

func quicAddr(endpoint string) (string, error) {
	if !strings.Contains(endpoint, "://") {
		return endpoint, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", errors.Wrapf(err, "parse adapter endpoint %s", endpoint)
	}
	return u.Host, nil
}

// runStream opens a new stream on sess, writes reqLine, and decodes
// newline-delimited JSON chunks off it into out until the adapter closes
// its write side or ctx is cancelled.
func runStream(ctx context.Context, sess quic.Connection, reqLine []byte, out chan<- Chunk, endpoint string) {
	defer close(out)

	stream, err := sess.OpenStreamSync(ctx)
	if err != nil {
		logAdapterErr(endpoint, "open_stream", err)
		return
	}
	defer stream.Close()

	if _, err := stream.Write(append(reqLine, '\n')); err != nil {
		logAdapterErr(endpoint, "write_request", err)
		return
	}

	reader := bufio.NewReader(stream)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			var chunk Chunk
			if jerr := json.Unmarshal(line, &chunk); jerr == nil {
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			} else {
				logAdapterErr(endpoint, "decode_chunk", jerr)
			}
		}
		if err != nil {
			if err != io.EOF {
				logAdapterErr(endpoint, "read_stream", err)
			}
			return
		}
	}
}
