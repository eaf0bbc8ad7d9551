package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/usenocturne/bondd/bluetooth"
	"github.com/usenocturne/bondd/broadcast"
	"github.com/usenocturne/bondd/config"
	"github.com/usenocturne/bondd/ws"
)

const versionFile = "/etc/bondd/version.txt"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type InfoResponse struct {
	Version  string `json:"version"`
	Revision string `json:"revision,omitempty"`
}

type server struct {
	service *bluetooth.Service
	manager *bluetooth.Manager
	hub     *ws.Hub
}

// runDaemon wires the daemon together and serves until a signal arrives.
func runDaemon(cfg *config.Config) error {
	bus := broadcast.NewBus()
	defer bus.Shutdown()

	service := bluetooth.NewService(cfg.Values.ServiceOptions(), bus)

	manager, err := bluetooth.NewManager(service, cfg.Values.ManagerOptions())
	if err != nil {
		return err
	}
	defer manager.Close()

	if err := service.Start(manager); err != nil {
		return err
	}
	defer service.Stop()

	if err := manager.Announce(); err != nil {
		return err
	}

	srv := &server{
		service: service,
		manager: manager,
		hub:     ws.NewHub(bus),
	}

	mux := http.NewServeMux()
	srv.routes(mux)

	httpServer := &http.Server{
		Addr:    cfg.Values.ListenAddr,
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		srv.hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Printf("Server starting on %s", cfg.Values.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (s *server) routes(mux *http.ServeMux) {
	mux.HandleFunc("/info", s.handleInfo)
	mux.HandleFunc("/bluetooth/devices", s.handleDevices)
	mux.HandleFunc("/bluetooth/devices/", s.handleDevice)
	mux.HandleFunc("/bluetooth/adapter", s.handleAdapter)
	mux.HandleFunc("/bluetooth/adapter/discoverable", s.handleDiscoverable)
	mux.HandleFunc("/bluetooth/discovery/cancel", s.handleCancelDiscovery)
	mux.HandleFunc("/bluetooth/restart", s.handleRestart)
	mux.HandleFunc("/ws", s.handleWebSocket)
}

// allowCORS writes the CORS preamble and reports whether the request was a
// preflight that has been fully answered.
func allowCORS(w http.ResponseWriter, r *http.Request, methods string) bool {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", methods+", OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Error encoding response", http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, bluetooth.ErrUnknownDevice), errors.Is(err, bluetooth.ErrNoPendingRequest):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, bluetooth.ErrBondExists), errors.Is(err, bluetooth.ErrRequestResolved):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, bluetooth.ErrNotRunning), errors.Is(err, bluetooth.ErrNotPowered):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, bluetooth.ErrInvalidPriority):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// GET /info
func (s *server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if allowCORS(w, r, "GET") {
		return
	}
	if r.Method != "GET" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	version := Version
	if content, err := os.ReadFile(versionFile); err == nil {
		version = strings.TrimSpace(string(content))
	}

	writeJSON(w, InfoResponse{Version: version, Revision: Revision})
}

// GET /bluetooth/devices
func (s *server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if allowCORS(w, r, "GET") {
		return
	}
	if r.Method != "GET" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, s.service.Devices())
}

// /bluetooth/devices/{address} and its pair, pin and priority actions.
func (s *server) handleDevice(w http.ResponseWriter, r *http.Request) {
	if allowCORS(w, r, "GET, POST, DELETE") {
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/bluetooth/devices/")
	address, action, _ := strings.Cut(rest, "/")
	if address == "" {
		http.Error(w, "Missing device address", http.StatusBadRequest)
		return
	}
	address = strings.ToUpper(address)

	switch action {
	case "":
		s.handleDeviceRoot(w, r, address)
	case "pair":
		s.handlePair(w, r, address)
	case "pin":
		s.handlePin(w, r, address)
	case "priority":
		s.handlePriority(w, r, address)
	default:
		http.NotFound(w, r)
	}
}

func (s *server) handleDeviceRoot(w http.ResponseWriter, r *http.Request, address string) {
	switch r.Method {
	case "GET":
		info, err := s.service.Device(address)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, info)
	case "DELETE":
		if err := s.manager.RemoveDevice(address); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// POST /bluetooth/devices/{address}/pair
func (s *server) handlePair(w http.ResponseWriter, r *http.Request, address string) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.service.CreateBond(address); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type pinRequest struct {
	Pin string `json:"pin"`
}

// POST /bluetooth/devices/{address}/pin answers a pairing question,
// DELETE rejects it.
func (s *server) handlePin(w http.ResponseWriter, r *http.Request, address string) {
	switch r.Method {
	case "POST":
		var req pinRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if err := s.service.SetPin(address, req.Pin); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case "DELETE":
		if err := s.service.CancelPin(address); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

type priorityRequest struct {
	Priority int `json:"priority"`
}

// POST /bluetooth/devices/{address}/priority
func (s *server) handlePriority(w http.ResponseWriter, r *http.Request, address string) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req priorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.service.SetPriority(address, bluetooth.Priority(req.Priority)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /bluetooth/adapter
func (s *server) handleAdapter(w http.ResponseWriter, r *http.Request) {
	if allowCORS(w, r, "GET") {
		return
	}
	if r.Method != "GET" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, s.service.Adapter())
}

type discoverableRequest struct {
	Enabled bool `json:"enabled"`
}

// POST /bluetooth/adapter/discoverable
func (s *server) handleDiscoverable(w http.ResponseWriter, r *http.Request) {
	if allowCORS(w, r, "POST") {
		return
	}
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req discoverableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.service.SetDiscoverable(req.Enabled); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /bluetooth/discovery/cancel
func (s *server) handleCancelDiscovery(w http.ResponseWriter, r *http.Request) {
	if allowCORS(w, r, "POST") {
		return
	}
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.service.CancelDiscovery(); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /bluetooth/restart
func (s *server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if allowCORS(w, r, "POST") {
		return
	}
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.service.Restart(); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// GET /ws upgrades to a websocket delivering broadcasts. Admin-tagged
// events need ?capability=admin.
func (s *server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	capability := broadcast.CapabilityStandard
	if r.URL.Query().Get("capability") == "admin" {
		capability = broadcast.CapabilityAdmin
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Error upgrading websocket: %v", err)
		return
	}

	s.hub.AddClient(conn, capability)

	go func() {
		defer s.hub.RemoveClient(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
