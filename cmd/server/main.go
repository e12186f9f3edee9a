package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"order-matching-engine/internal/apperrors"
	"order-matching-engine/internal/config"
	"order-matching-engine/internal/db"
	"order-matching-engine/internal/engine"
	"order-matching-engine/internal/intake"
	"order-matching-engine/internal/ledger"
	"order-matching-engine/internal/logging"
	"order-matching-engine/internal/metrics"
	"order-matching-engine/internal/models"
	"order-matching-engine/internal/outbox"
	"order-matching-engine/internal/settlement"
	"order-matching-engine/internal/snapshot"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Server wires together the intake path, the engine and the read-side
// snapshot/health surface behind a thin HTTP harness. The exchange's real
// API surface is Submit/Cancel/Depth (spec §4.4, §4.3); HTTP here is a
// local driving harness, not a protocol this module specifies.
type Server struct {
	db        *sql.DB
	engine    *engine.Engine
	intake    *intake.Intake
	snapshots *snapshot.Publisher
	log       zerolog.Logger
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zerolog.New(os.Stdout).Fatal().Err(err).Msg("load config")
	}
	if err := cfg.Validate(); err != nil {
		zerolog.New(os.Stdout).Fatal().Err(err).Msg("invalid config")
	}

	log := logging.New(cfg.Logging.Level, cfg.Logging.Pretty)
	log.Info().Msg("starting order matching engine")

	database, err := db.Connect(cfg.DB.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect to database")
	}
	database.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	database.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	database.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)
	defer database.Close()
	if _, err := database.Exec(db.Schema); err != nil {
		log.Fatal().Err(err).Msg("apply schema")
	}
	log.Info().Msg("database connection established")

	store := db.NewStore(database)

	reg := prometheus.NewRegistry()
	metricsReg := metrics.New(reg)

	ob := outbox.New(store, metricsReg, log, outbox.Config{
		BatchSize: cfg.Outbox.BatchSize, TickInterval: cfg.Outbox.TickInterval,
		WarmUp: cfg.Outbox.WarmUp, QueueCapacity: cfg.Outbox.QueueCapacity,
	})

	bal := ledger.New(ob, cfg.MarketMakers)

	pairs := make([]*models.TradingPair, 0, len(cfg.TradingPairs))
	for _, p := range cfg.TradingPairs {
		m, err := p.ToModel()
		if err != nil {
			log.Fatal().Err(err).Str("symbol", p.Symbol).Msg("parse trading pair")
		}
		pairs = append(pairs, m)
		if err := store.UpsertTradingPair(m); err != nil {
			log.Fatal().Err(err).Str("symbol", m.Symbol).Msg("persist trading pair")
		}
	}

	snaps := snapshot.New(cfg.Snapshot.BufferSize)
	settle := settlement.New(bal, ob, ob, pairs)
	matchEngine := engine.New(settle, snaps, cfg.Snapshot.Depth, cfg.Engine.InboxBufferSize, metricsReg)

	seedOrderIDs, err := warmStart(log, store, bal, matchEngine, pairs)
	if err != nil {
		log.Fatal().Err(err).Msg("warm-start recovery")
	}

	in := intake.New(bal, matchEngine, settle, pairs, seedOrderIDs)

	stopOutbox := make(chan struct{})
	go ob.Run(stopOutbox)

	srv := &Server{db: database, engine: matchEngine, intake: in, snapshots: snaps, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("/orders", srv.withRequestID(srv.handleOrders))
	mux.HandleFunc("/orders/", srv.withRequestID(srv.handleCancelOrder))
	mux.HandleFunc("/orderbook", srv.withRequestID(srv.handleOrderBook))
	mux.HandleFunc("/orderbook/stream", srv.withRequestID(srv.handleSnapshotStream))
	mux.HandleFunc("/health", srv.withRequestID(srv.handleHealth))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpServer := &http.Server{Addr: ":8080", Handler: mux}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-stop
	log.Info().Msg("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("http server forced shutdown")
	}

	close(stopOutbox)
	matchEngine.Stop()
	log.Info().Msg("shutdown complete")
}

// warmStart rehydrates the ledger and every symbol's order book from the
// relational store before any live traffic is accepted, and returns the
// per-symbol next-orderId seed for Intake.
func warmStart(log zerolog.Logger, store *db.Store, bal *ledger.Ledger, eng *engine.Engine, pairs []*models.TradingPair) (map[string]int64, error) {
	assets, err := store.LoadAssets()
	if err != nil {
		return nil, err
	}
	for _, a := range assets {
		bal.LoadSnapshot(a.UserID, a.Symbol, a.Available, a.Frozen)
	}
	log.Info().Int("cells", len(assets)).Msg("ledger rehydrated")

	symbolByPairID := make(map[int64]string, len(pairs))
	for _, p := range pairs {
		eng.RegisterSymbol(p.Symbol, p.QuantityPrecision)
		symbolByPairID[p.ID] = p.Symbol
	}

	resting, err := store.LoadRestingOrders()
	if err != nil {
		return nil, err
	}
	seedOrderIDs := make(map[string]int64, len(pairs))
	for _, o := range resting {
		// The orders table stores trading_pair_id, not the symbol.
		o.Symbol = symbolByPairID[o.TradingPairID]
		book := &models.BookOrder{OrderID: o.ID, UserID: o.UserID, Side: o.Side, Type: o.Type, Size: o.Remaining(), CreatedAt: o.CreatedAt}
		if o.Price != nil {
			book.Price = *o.Price
		}
		eng.SeedRestingOrder(o.Symbol, book)
		if o.ID > seedOrderIDs[o.Symbol] {
			seedOrderIDs[o.Symbol] = o.ID
		}
	}
	log.Info().Int("resting_orders", len(resting)).Msg("order books rehydrated")

	for _, p := range pairs {
		logSeq, tradeSeq, err := store.LoadSequences(p.ID)
		if err != nil {
			return nil, err
		}
		eng.SeedSequences(p.Symbol, logSeq, tradeSeq)
	}

	return seedOrderIDs, nil
}

type requestIDKey struct{}

// withRequestID stamps each request with a fresh id (grounded on the
// teacher's per-order idempotency posture, generalized to correlating log
// lines across intake and the async outbox for the same HTTP call).
func (s *Server) withRequestID(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next(w, r.WithContext(ctx))
	}
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// handleOrders accepts POST /orders to submit a new order.
func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req models.CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	order, err := s.intake.Submit(r.Context(), req)
	if err != nil {
		s.log.Error().Err(err).Str("request_id", requestID(r.Context())).Str("symbol", req.Symbol).Msg("submit failed")
		writeError(w, err)
		return
	}

	s.log.Info().Int64("order_id", order.ID).Str("request_id", requestID(r.Context())).Msg("order submitted")
	resp := models.CreateOrderResponse{OrderID: order.ID, Status: string(order.Status), Message: "order accepted"}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(resp)
}

// handleCancelOrder accepts DELETE /orders/{id}?symbol=S&user_id=N.
func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	symbol := r.URL.Query().Get("symbol")
	parts := splitPath(r.URL.Path)
	var orderIDStr string
	if len(parts) > 0 {
		orderIDStr = parts[len(parts)-1]
	}
	orderID, err := strconv.ParseInt(orderIDStr, 10, 64)
	if err != nil || symbol == "" {
		http.Error(w, "symbol and a numeric order id are required", http.StatusBadRequest)
		return
	}
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	cancelled, remaining, err := s.intake.Cancel(r.Context(), symbol, orderID, userID)
	if err != nil {
		s.log.Error().Err(err).Str("request_id", requestID(r.Context())).Int64("order_id", orderID).Msg("cancel failed")
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(models.CancelResponse{Cancelled: cancelled, Remaining: remaining})
}

func splitPath(path string) []string {
	var parts []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if i > start {
				parts = append(parts, path[start:i])
			}
			start = i + 1
		}
	}
	return parts
}

// handleOrderBook returns a depth snapshot: GET /orderbook?symbol=...&depth=N
func (s *Server) handleOrderBook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		http.Error(w, "symbol parameter is required", http.StatusBadRequest)
		return
	}

	depth := 20
	if depthStr := r.URL.Query().Get("depth"); depthStr != "" {
		var err error
		depth, err = strconv.Atoi(depthStr)
		if err != nil || depth < 1 || depth > 200 {
			http.Error(w, "Invalid depth parameter (must be 1-200)", http.StatusBadRequest)
			return
		}
	}

	snap, err := s.engine.Depth(symbol, depth)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

// handleSnapshotStream exposes the snapshot publisher's push contract (spec
// §4.7) as a server-sent-events feed: GET /orderbook/stream?symbol=...
func (s *Server) handleSnapshotStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		http.Error(w, "symbol parameter is required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	ch := s.snapshots.Subscribe(symbol)
	for {
		select {
		case snap := <-ch:
			w.Write([]byte("data: "))
			json.NewEncoder(w).Encode(snap)
			w.Write([]byte("\n"))
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// handleHealth reports DB connectivity.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.db.Ping(); err != nil {
		http.Error(w, "Database connection failed", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// writeError maps the typed apperrors.Kind taxonomy (spec §7) onto HTTP
// status codes via errors.Is, not string matching.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apperrors.ErrUnknownSymbol), errors.Is(err, apperrors.ErrInactiveSymbol):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, apperrors.ErrInvalidQuantity), errors.Is(err, apperrors.ErrInvalidPrice),
		errors.Is(err, apperrors.ErrOutOfBounds):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, apperrors.ErrInsufficientAvailable), errors.Is(err, apperrors.ErrNoLiquidity):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, apperrors.ErrOrderNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
