// Package web is the HTTP operator surface: a JSON API, a websocket stream
// of scan results, and the prometheus endpoint.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/fundingbot/accounts"
	"github.com/web3guy0/fundingbot/config"
	"github.com/web3guy0/fundingbot/exchange"
	"github.com/web3guy0/fundingbot/executor"
	"github.com/web3guy0/fundingbot/monitor"
	"github.com/web3guy0/fundingbot/storage"
	"github.com/web3guy0/fundingbot/types"
)

// Server is the HTTP operator surface.
type Server struct {
	addr     string
	db       *storage.Database
	cfg      *config.Store
	monitor  *monitor.Monitor
	exec     *executor.Executor
	accounts *accounts.Store
	registry *exchange.Registry

	// onAccountsChanged rebuilds the driver set after credential edits.
	onAccountsChanged func()

	srv      *http.Server
	upgrader websocket.Upgrader

	wsMu    sync.Mutex
	wsConns map[*websocket.Conn]bool
}

func NewServer(addr string, db *storage.Database, cfg *config.Store, mon *monitor.Monitor,
	exec *executor.Executor, acc *accounts.Store, registry *exchange.Registry, onAccountsChanged func()) *Server {

	s := &Server{
		addr: addr, db: db, cfg: cfg, monitor: mon, exec: exec,
		accounts: acc, registry: registry, onAccountsChanged: onAccountsChanged,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		wsConns:  make(map[*websocket.Conn]bool),
	}
	return s
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/positions", s.handlePositions).Methods(http.MethodGet)
	r.HandleFunc("/api/positions/{id:[0-9]+}/close", s.handleClosePosition).Methods(http.MethodPost)
	r.HandleFunc("/api/opportunities", s.handleOpportunities).Methods(http.MethodGet)
	r.HandleFunc("/api/opportunities/execute", s.handleExecute).Methods(http.MethodPost)
	r.HandleFunc("/api/config", s.handleGetConfig).Methods(http.MethodGet)
	r.HandleFunc("/api/config", s.handleSetConfig).Methods(http.MethodPost)
	r.HandleFunc("/api/accounts", s.handleListAccounts).Methods(http.MethodGet)
	r.HandleFunc("/api/accounts", s.handleAddAccount).Methods(http.MethodPost)
	r.HandleFunc("/api/accounts/{name}", s.handleDeleteAccount).Methods(http.MethodDelete)
	r.HandleFunc("/api/account-info", s.handleAccountInfo).Methods(http.MethodGet)
	r.HandleFunc("/ws/opportunities", s.handleOpportunityStream).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

// Start serves in the background and hooks the scan stream.
func (s *Server) Start() {
	s.monitor.AddListener(s.broadcast)
	s.srv = &http.Server{
		Addr:         s.addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("❌ Web server failed")
		}
	}()
	log.Info().Str("addr", s.addr).Msg("🌐 Web server started")
}

func (s *Server) Stop() {
	if s.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("⚠️ Web server shutdown")
	}

	s.wsMu.Lock()
	for conn := range s.wsConns {
		conn.Close()
	}
	s.wsConns = make(map[*websocket.Conn]bool)
	s.wsMu.Unlock()
	log.Info().Msg("🌐 Web server stopped")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	open, err := s.db.OpenPositions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	exposure, _ := s.db.OpenExposure()
	total, _ := s.db.TotalRealizedPnL()

	var unrealized decimal.Decimal
	for _, p := range open {
		unrealized = unrealized.Add(p.CurrentPnL)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"simulation":     s.cfg.GetBool("trading.simulation_mode", true),
		"paused":         s.exec.Paused(),
		"open_positions": len(open),
		"exposure":       exposure,
		"unrealized_pnl": unrealized,
		"realized_pnl":   total,
		"opportunities":  len(s.monitor.Opportunities()),
		"exchanges":      s.accounts.Active(),
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("status") == "closed" {
		closed, err := s.db.ClosedPositions(100)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, closed)
		return
	}
	open, err := s.db.OpenPositions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, open)
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid position id")
		return
	}
	if err := s.exec.ClosePosition(r.Context(), uint(id), "manual"); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (s *Server) handleOpportunities(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.Opportunities())
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, "body must be {\"id\": \"<opportunity id>\"}")
		return
	}
	p, err := s.exec.ExecuteByID(r.Context(), req.ID)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Snapshot())
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Category string      `json:"category"`
		Key      string      `json:"key"`
		Value    interface{} `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Category == "" || req.Key == "" {
		writeError(w, http.StatusBadRequest, "body must be {category, key, value}")
		return
	}
	if err := s.cfg.Set(req.Category, req.Key, req.Value); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleListAccounts(w http.ResponseWriter, _ *http.Request) {
	// Names only. Credentials never leave the process.
	writeJSON(w, http.StatusOK, map[string]interface{}{"active": s.accounts.Active()})
}

func (s *Server) handleAddAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Exchange   string `json:"exchange"`
		APIKey     string `json:"api_key"`
		APISecret  string `json:"api_secret"`
		Passphrase string `json:"passphrase"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Exchange == "" || req.APIKey == "" {
		writeError(w, http.StatusBadRequest, "body must be {exchange, api_key, api_secret[, passphrase]}")
		return
	}
	if err := s.accounts.Add(accounts.Account{
		Exchange: req.Exchange, APIKey: req.APIKey,
		APISecret: req.APISecret, Passphrase: req.Passphrase,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.onAccountsChanged != nil {
		s.onAccountsChanged()
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "saved"})
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.accounts.Remove(name); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.onAccountsChanged != nil {
		s.onAccountsChanged()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleAccountInfo(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	out := make(map[string]interface{})
	for name, driver := range s.registry.All() {
		info, err := driver.AccountInfo(ctx)
		if err != nil {
			out[name] = map[string]string{"error": err.Error()}
			continue
		}
		out[name] = info
	}
	writeJSON(w, http.StatusOK, out)
}

// handleOpportunityStream upgrades and registers a websocket subscriber. The
// current list goes out immediately, then one message per completed scan.
func (s *Server) handleOpportunityStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	// The snapshot goes out before the conn joins the broadcast set: a scan
	// completing mid-handshake must not interleave with the initial write.
	if err := conn.WriteJSON(s.monitor.Opportunities()); err != nil {
		conn.Close()
		return
	}
	s.wsMu.Lock()
	s.wsConns[conn] = true
	s.wsMu.Unlock()

	// Reader loop only to detect the close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.dropConn(conn)
				return
			}
		}
	}()
}

func (s *Server) dropConn(conn *websocket.Conn) {
	s.wsMu.Lock()
	if s.wsConns[conn] {
		delete(s.wsConns, conn)
		conn.Close()
	}
	s.wsMu.Unlock()
}

// broadcast pushes one scan's results to every subscriber.
func (s *Server) broadcast(opps []types.Opportunity) {
	s.wsMu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.wsConns))
	for conn := range s.wsConns {
		conns = append(conns, conn)
	}
	s.wsMu.Unlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(opps); err != nil {
			s.dropConn(conn)
		}
	}
}
