package sim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/flowmon/internal/model"
	"github.com/LeonardoBeccarini/flowmon/internal/model/messages"
	"github.com/LeonardoBeccarini/flowmon/pkg/store"
)

type pairingState int

const (
	pairingIdle pairingState = iota
	pairingOpen
	pairingFailed
)

// Provisioner is the pairing transport: a small HTTP service announced under
// the PROV_XXYYZZ service name.
//
//	POST /prov/credentials {"ssid": "...", "passphrase": "..."}
//	POST /prov/user        {"user_id": "..."}
//	GET  /prov/status
type Provisioner struct {
	addr     string
	deviceID model.DeviceIdentity
	verify   func(model.Credentials) error
	store    store.Store
	logger   *log.Logger
	events   chan messages.ProvisioningEvent

	mu    sync.Mutex
	state pairingState
	srv   *http.Server
	ln    net.Listener
}

func NewProvisioner(addr string, id model.DeviceIdentity, verify func(model.Credentials) error,
	st store.Store, logger *log.Logger) *Provisioner {
	if logger == nil {
		logger = log.Default()
	}
	return &Provisioner{
		addr:     addr,
		deviceID: id,
		verify:   verify,
		store:    st,
		logger:   logger,
		events:   make(chan messages.ProvisioningEvent, 16),
	}
}

func (p *Provisioner) Events() <-chan messages.ProvisioningEvent { return p.events }

// Addr is the bound listen address, useful with port 0.
func (p *Provisioner) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ln == nil {
		return ""
	}
	return p.ln.Addr().String()
}

func (p *Provisioner) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.srv != nil {
		p.state = pairingOpen
		return nil
	}
	ln, err := net.Listen("tcp", p.addr)
	if err != nil {
		return fmt.Errorf("pairing listen %s: %w", p.addr, err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/prov/credentials", p.handleCredentials)
	mux.HandleFunc("/prov/user", p.handleUser)
	mux.HandleFunc("/prov/status", p.handleStatus)
	p.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	p.ln = ln
	p.state = pairingOpen

	srv := p.srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Printf("pairing server: %v", err)
		}
	}()
	p.logger.Printf("provisioning service %s on %s", p.deviceID.ServiceName(), ln.Addr())
	p.emit(messages.ProvisioningEvent{Kind: messages.ProvisioningStarted})
	return nil
}

// Stop shuts the pairing service down and reports Ended once.
func (p *Provisioner) Stop() error {
	p.mu.Lock()
	srv := p.srv
	p.srv, p.ln = nil, nil
	p.state = pairingIdle
	p.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := srv.Shutdown(ctx)
	p.emit(messages.ProvisioningEvent{Kind: messages.ProvisioningEnded})
	return err
}

// Reset reopens a pairing session that failed on bad credentials.
func (p *Provisioner) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.srv == nil {
		return errors.New("sim: provisioning not running")
	}
	p.state = pairingOpen
	return nil
}

func (p *Provisioner) emit(ev messages.ProvisioningEvent) {
	select {
	case p.events <- ev:
	default:
		p.logger.Printf("provisioning event %s dropped", ev.Kind)
	}
}

func (p *Provisioner) handleCredentials(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var creds model.Credentials
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<12)).Decode(&creds); err != nil || creds.SSID == "" {
		http.Error(w, "invalid credentials", http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	state := p.state
	p.mu.Unlock()
	if state != pairingOpen {
		http.Error(w, "pairing session not accepting credentials", http.StatusConflict)
		return
	}

	p.emit(messages.ProvisioningEvent{Kind: messages.ProvisioningCredentialsReceived, Credentials: creds})
	if err := p.verify(creds); err != nil {
		p.mu.Lock()
		p.state = pairingFailed
		p.mu.Unlock()
		p.emit(messages.ProvisioningEvent{Kind: messages.ProvisioningCredentialsRejected, Reason: err.Error()})
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	p.emit(messages.ProvisioningEvent{Kind: messages.ProvisioningSucceeded})
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK", "device_id": p.deviceID.String()})
}

func (p *Provisioner) handleUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&body); err != nil || body.UserID == "" {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}
	if err := store.SetString(r.Context(), p.store, store.KeyUserID, body.UserID); err != nil {
		http.Error(w, "store user id", http.StatusInternalServerError)
		return
	}
	p.logger.Printf("bound to user %s", body.UserID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK", "device_id": p.deviceID.String()})
}

func (p *Provisioner) handleStatus(w http.ResponseWriter, _ *http.Request) {
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()
	names := map[pairingState]string{pairingIdle: "idle", pairingOpen: "open", pairingFailed: "failed"}
	writeJSON(w, http.StatusOK, map[string]string{
		"service":   p.deviceID.ServiceName(),
		"device_id": p.deviceID.String(),
		"state":     names[state],
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
