package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/84hero/dapp-scout/pkg/aggregate"
	"github.com/84hero/dapp-scout/pkg/hypersync"
	"github.com/84hero/dapp-scout/pkg/progress"
	"github.com/84hero/dapp-scout/pkg/registry"
	"github.com/84hero/dapp-scout/pkg/scanner"
	"github.com/84hero/dapp-scout/pkg/sink"
	"github.com/84hero/dapp-scout/pkg/storage"
	"github.com/ethereum/go-ethereum/log"
)

// Config holds the HTTP surface settings.
type Config struct {
	Addr     string
	CacheTTL time.Duration
	ScanCfg  scanner.Config
}

// Server exposes interaction scans over HTTP: a plain JSON endpoint and a
// Server-Sent-Events stream with live progress. It owns the scan
// deduplication layer and the optional summary cache; the scanning core
// stays unaware of both.
type Server struct {
	cfg      Config
	client   hypersync.Client
	registry registry.Registry
	cache    storage.Cache
	outputs  []sink.Output
	scans    *scanner.Deduper
	mux      *http.ServeMux
}

// New wires the HTTP handlers. cache and outputs may be nil/empty.
func New(cfg Config, client hypersync.Client, reg registry.Registry, cache storage.Cache, outputs []sink.Output) *Server {
	s := &Server{
		cfg:      cfg,
		client:   client,
		registry: reg,
		cache:    cache,
		outputs:  outputs,
		scans:    scanner.NewDeduper(scanner.New(client, reg, cfg.ScanCfg, nil)),
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /api/user/interactions", s.handleInteractions)
	s.mux.HandleFunc("GET /api/user/interactions-stream", s.handleInteractionsStream)
	return s
}

// Handler returns the root handler, usable with httptest in tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe blocks serving HTTP until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info("HTTP server listening", "addr", s.cfg.Addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: msg})
}

// parseScanParams validates the wallet address and optional block bounds
// before any scanning work starts.
func parseScanParams(w http.ResponseWriter, r *http.Request) (string, scanner.Options, bool) {
	q := r.URL.Query()

	address := q.Get("address")
	if address == "" {
		writeError(w, http.StatusBadRequest, "missing address parameter")
		return "", scanner.Options{}, false
	}
	wallet, ok := registry.CanonicalAddress(address)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid wallet address")
		return "", scanner.Options{}, false
	}

	var opts scanner.Options
	opts.DappID = q.Get("dappId")
	if v := q.Get("fromBlock"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid fromBlock parameter")
			return "", scanner.Options{}, false
		}
		opts.FromBlock = n
	}
	if v := q.Get("toBlock"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid toBlock parameter")
			return "", scanner.Options{}, false
		}
		opts.ToBlock = n
	}

	return wallet, opts, true
}

func cacheKey(wallet string, opts scanner.Options) string {
	return fmt.Sprintf("%s:%d:%d:%s", wallet, opts.FromBlock, opts.ToBlock, opts.DappID)
}

// finish stores the summary in the cache and fans it out to the configured
// sinks. Failures here never affect the response already owed to the caller.
func (s *Server) finish(wallet string, opts scanner.Options, summary *aggregate.InteractionSummary) {
	if s.cache != nil {
		if err := s.cache.Save(cacheKey(wallet, opts), summary, s.cfg.CacheTTL); err != nil {
			log.Warn("Failed to cache scan summary", "wallet", wallet, "err", err)
		}
	}
	if len(s.outputs) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		for _, err := range sink.Fanout(ctx, s.outputs, summary) {
			log.Warn("Sink delivery failed", "wallet", wallet, "err", err)
		}
	}
}

// handleInteractions runs a blocking scan and returns the summary as JSON.
func (s *Server) handleInteractions(w http.ResponseWriter, r *http.Request) {
	wallet, opts, ok := parseScanParams(w, r)
	if !ok {
		return
	}

	if s.cache != nil {
		if summary, hit, err := s.cache.Load(cacheKey(wallet, opts)); err == nil && hit {
			s.writeSummary(w, summary, true)
			return
		}
	}

	summary, err := s.scans.Scan(r.Context(), wallet, opts)
	if err != nil {
		switch {
		case errors.Is(err, scanner.ErrInvalidAddress):
			writeError(w, http.StatusBadRequest, "invalid wallet address")
		case errors.Is(err, registry.ErrUnavailable):
			writeError(w, http.StatusServiceUnavailable, "contract registry unavailable")
		default:
			writeError(w, http.StatusInternalServerError, "scan failed")
		}
		return
	}

	s.finish(wallet, opts, summary)
	s.writeSummary(w, summary, false)
}

type summaryResponse struct {
	Success bool                          `json:"success"`
	Cached  bool                          `json:"cached,omitempty"`
	Summary *aggregate.InteractionSummary `json:"summary"`
}

func (s *Server) writeSummary(w http.ResponseWriter, summary *aggregate.InteractionSummary, cached bool) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(summaryResponse{Success: true, Cached: cached, Summary: summary})
}

// handleInteractionsStream runs a scan while streaming progress over SSE.
// Events: start, progress (ScanProgress payload), complete (summary), error.
// A disconnected client does not abort delivery guarantees: writes to the
// dead connection are simply dropped.
func (s *Server) handleInteractionsStream(w http.ResponseWriter, r *http.Request) {
	wallet, opts, ok := parseScanParams(w, r)
	if !ok {
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	send := func(event string, payload interface{}) {
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		// A write failure means the client went away. The scan keeps running.
		_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		flusher.Flush()
	}

	// A per-request scanner keeps this stream's progress isolated from
	// concurrent scans for other wallets.
	reporter := progress.NewBroadcaster(0)
	sc := scanner.New(s.client, s.registry, s.cfg.ScanCfg, reporter)
	updates, unsubscribe := reporter.Subscribe()
	defer unsubscribe()

	type scanResult struct {
		summary *aggregate.InteractionSummary
		err     error
	}
	resultCh := make(chan scanResult, 1)
	go func() {
		summary, err := sc.Scan(r.Context(), wallet, opts)
		resultCh <- scanResult{summary, err}
	}()

	send("start", map[string]string{"userAddress": wallet})

	for {
		select {
		case u := <-updates:
			send("progress", u)
		case res := <-resultCh:
			// Flush any progress that raced with completion.
			for {
				select {
				case u := <-updates:
					send("progress", u)
					continue
				default:
				}
				break
			}
			if res.err != nil {
				log.Error("Streamed scan failed", "wallet", wallet, "err", res.err)
				send("error", errorResponse{Error: res.err.Error()})
				return
			}
			s.finish(wallet, opts, res.summary)
			send("complete", summaryResponse{Success: true, Summary: res.summary})
			return
		case <-r.Context().Done():
			// Client gone. The scan goroutine drains on its own; progress to
			// a torn-down observer stops here.
			return
		}
	}
}
