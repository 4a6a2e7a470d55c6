package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"atprouter/config"
	"atprouter/internal/adapter"
	"atprouter/internal/ingress"
	"atprouter/internal/metrics"
	"atprouter/internal/policy"
	"atprouter/internal/processor"
	"atprouter/internal/scheduler"
	"atprouter/internal/window"
	"atprouter/utils"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func main() {
	conf := flag.String("config", "", "Path to config file")
	flag.Parse()

	if *conf != "" {
		if err := config.Reload(*conf); err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			os.Exit(1)
		}
	}

	defer utils.Logger.Sync()
	utils.Logger.Info("atp router starting", zap.String("listen", config.GlobalCfg.Listen))

	adapterClient := adapter.NewClient()
	oracle := policy.NewOracle(config.GlobalCfg.PolicyURL)
	windows := window.New()
	sched := scheduler.New()
	pipeline := processor.New(adapterClient, oracle, windows)
	sched.Start(pipeline.Process)
	defer sched.Stop()

	decoder := ingress.NewDecoder(sched)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", handleWS(decoder))
	mux.HandleFunc("/healthz", handleHealthz)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/adapters/health", handleAdaptersHealth(adapterClient))
	mux.HandleFunc("/agp/explain", handleExplain)
	mux.HandleFunc("/mem/put", handleMemPut)

	srv := &http.Server{
		Addr:              config.GlobalCfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	utils.Logger.Info("atp router listening", zap.String("addr", config.GlobalCfg.Listen))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		utils.Logger.Error("router server exited", zap.Error(err))
		os.Exit(1)
	}
}

func handleWS(decoder *ingress.Decoder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			utils.Logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		decoder.Serve(&wsConn{conn: conn})
	}
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleAdaptersHealth fans out adapter.Client.Health across every
// configured endpoint and returns the per-endpoint results as a JSON array.
// The request pipeline itself never calls Health; its cost prediction step
// uses Estimate.
func handleAdaptersHealth(ad *adapter.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		results := ad.HealthAll(ctx, config.GlobalCfg.AdapterEndpoints)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(results)
	}
}

// handleExplain is a stub retained from the original route map: the AGP
// policy-trace explainer was never implemented upstream, just exposed as
// an always-empty route.
func handleExplain(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte("[]"))
}

// handleMemPut mirrors the original's feature-flagged memory-gateway PUT:
// a no-op unless FEATURE_WIRE_MEMORY=true, in which case it forwards a demo
// object to MEMORY_GATEWAY_URL.
func handleMemPut(w http.ResponseWriter, r *http.Request) {
	if os.Getenv("FEATURE_WIRE_MEMORY") != "true" {
		_, _ = w.Write([]byte("memory wiring disabled"))
		return
	}

	ns := r.URL.Query().Get("ns")
	if ns == "" {
		ns = "tenant/acme"
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		key = "demo"
	}
	gatewayURL := os.Getenv("MEMORY_GATEWAY_URL")
	if gatewayURL == "" {
		gatewayURL = "http://memory-gateway:8080"
	}

	body, _ := json.Marshal(map[string]interface{}{
		"object": map[string]interface{}{"type": "demo", "note": "hello from router"},
	})

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(fmt.Sprintf("%s/v1/memory/%s/%s", trimSlash(gatewayURL), ns, key))
	req.Header.SetMethod(fasthttp.MethodPut)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	client := &fasthttp.Client{}
	if err := client.DoTimeout(req, resp, 3*time.Second); err != nil {
		_, _ = w.Write([]byte("error: " + err.Error()))
		return
	}
	_, _ = w.Write([]byte(fmt.Sprintf("ok: %d", resp.StatusCode())))
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
