// feed.go - HTTP surface of the ledger daemon: the request intake, public
// reads, and the websocket leaf-update feed.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"veilledger/internal/confidential"
	"veilledger/internal/manager"
	"veilledger/internal/settlement"
)

type server struct {
	cfg      *Config
	log      zerolog.Logger
	mctx     *confidential.ManagerContext
	sim      *settlement.Sim
	mgr      *manager.Manager
	health   *HealthChecker
	metrics  *MetricsCollector
	limiter  *IdentityRateLimiter
	upgrader websocket.Upgrader

	mu      sync.Mutex
	pending []manager.Request
}

func newServer(cfg *Config, log zerolog.Logger, mctx *confidential.ManagerContext, sim *settlement.Sim, mgr *manager.Manager) *server {
	return &server{
		cfg:     cfg,
		log:     log,
		mctx:    mctx,
		sim:     sim,
		mgr:     mgr,
		health:  NewHealthChecker(version),
		metrics: NewMetricsCollector(),
		limiter: NewIdentityRateLimiter(cfg.RequestBurst, cfg.RequestPerSecond, time.Second),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The feed carries only public ciphertext; any origin may read.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/requests", s.handleEnqueueRequest)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/leaf", s.handleLeaf)
	mux.HandleFunc("GET /v1/watch", s.handleWatch)
	mux.Handle("GET /healthz", s.health)
	mux.Handle("GET /metrics", s.metrics)
	return mux
}

// handleEnqueueRequest accepts one off-ledger request for the next batch.
// Shape validation happens here so callers get an immediate answer; balance
// checks happen at batch construction and land in the skip report.
func (s *server) handleEnqueueRequest(w http.ResponseWriter, r *http.Request) {
	var req manager.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, fmt.Sprintf("malformed request: %v", err))
		return
	}
	if err := req.Validate(); err != nil {
		s.metrics.RecordError("invalid_request")
		httpError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if !s.limiter.Allow(req.From) {
		s.metrics.RecordRateLimited()
		httpError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	s.mu.Lock()
	s.pending = append(s.pending, req)
	queued := len(s.pending)
	s.mu.Unlock()

	s.metrics.RecordRequest(string(req.Kind))
	s.log.Debug().Str("kind", string(req.Kind)).Str("from", req.From).Int("queued", queued).Msg("request accepted")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]int{"queued": queued})
}

func (s *server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st, err := s.sim.Status()
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}

func (s *server) handleLeaf(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.ParseUint(r.URL.Query().Get("index"), 10, 32)
	if err != nil {
		httpError(w, http.StatusBadRequest, "index must be a uint32")
		return
	}
	leaf, err := s.sim.LeafAt(uint32(index))
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(leaf)
}

// handleWatch upgrades to a websocket and streams leaf updates, replayed
// from the requested block and then live. The feed is pure ciphertext;
// subscribers decrypt their own slot locally.
func (s *server) handleWatch(w http.ResponseWriter, r *http.Request) {
	leafIndex, err := strconv.ParseUint(r.URL.Query().Get("leaf"), 10, 32)
	if err != nil {
		httpError(w, http.StatusBadRequest, "leaf must be a uint32")
		return
	}
	fromBlock, _ := strconv.ParseUint(r.URL.Query().Get("from"), 10, 64)

	sub, err := s.sim.SubscribeLeafUpdates(uint32(leafIndex), fromBlock)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Unsubscribe()
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	s.log.Debug().Uint64("leaf", leafIndex).Uint64("from", fromBlock).Msg("feed subscriber connected")

	go func() {
		defer sub.Unsubscribe()
		defer conn.Close()
		// Reader loop only to observe the close handshake.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					sub.Unsubscribe()
					return
				}
			}
		}()
		for update := range sub.Updates() {
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(update); err != nil {
				s.log.Debug().Err(err).Msg("feed subscriber dropped")
				return
			}
		}
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "feed closed"))
	}()
}

// drainPending takes the queued requests for the next batch.
func (s *server) drainPending() []manager.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.pending
	s.pending = nil
	return pending
}

// syncOnce runs one manager cycle over the queued requests.
func (s *server) syncOnce() {
	requests := s.drainPending()
	start := time.Now()
	res, err := s.mgr.Sync(requests)
	if err != nil {
		s.metrics.RecordError("sync")
		s.health.UpdateComponent("batch_loop", Degraded, err.Error())
		s.log.Error().Err(err).Msg("sync cycle failed")
		// Balance checks have not happened yet; requeue so the requests get
		// their verdict in a later batch instead of vanishing.
		s.mu.Lock()
		s.pending = append(requests, s.pending...)
		s.mu.Unlock()
		return
	}
	s.health.UpdateComponent("batch_loop", Healthy, "OK")
	if res.Empty() {
		return
	}
	s.metrics.RecordBatch(len(res.Batch.Updates), len(res.Batch.NewUsers), len(res.Batch.Payouts), len(res.Report.Skips), time.Since(start))
	for _, skip := range res.Report.Skips {
		s.log.Warn().Str("kind", skip.Kind).Str("subject", skip.Subject).Str("reason", skip.Reason).Msg("operation skipped")
	}
}

func httpError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
