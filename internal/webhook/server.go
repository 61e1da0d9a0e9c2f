// Package webhook hosts the boundary routes push-based platforms deliver to.
// A route authenticates the push against the adapter's generated secret and
// acknowledges immediately; all real processing happens behind the ack.
package webhook

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/coopco/msgbridge/internal/bridge"
	"github.com/coopco/msgbridge/internal/store"
)

// secretHeaders maps each push-based platform to the header carrying its
// shared secret.
var secretHeaders = map[string]string{
	store.PlatformTelegram: "X-Telegram-Bot-Api-Secret-Token",
	store.PlatformIMessage: "X-Bridge-Password",
}

// Registry resolves bridge ids to live adapters; the bridge manager
// implements it.
type Registry interface {
	Get(bridgeID string) (bridge.Adapter, bool)
}

// Server is the HTTP boundary for webhook pushes.
type Server struct {
	registry Registry
	http     *http.Server
}

func NewServer(addr string, registry Registry) *Server {
	s := &Server{registry: registry}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/{platform}/{bridgeID}", s.handlePush)
	s.http = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("webhook server error", "error", err)
		}
	}()
	slog.Info("webhook server listening", "addr", s.http.Addr)
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	platform := r.PathValue("platform")
	bridgeID := r.PathValue("bridgeID")

	header, ok := secretHeaders[platform]
	if !ok {
		http.Error(w, "unknown platform", http.StatusNotFound)
		return
	}
	adapter, ok := s.registry.Get(bridgeID)
	if !ok {
		http.Error(w, "unknown bridge", http.StatusNotFound)
		return
	}
	handler, ok := adapter.(bridge.WebhookHandler)
	if !ok {
		http.Error(w, "bridge does not accept webhooks", http.StatusNotFound)
		return
	}

	// The secret check happens here, before the adapter ever sees the
	// payload; a mismatch leaves no trace in the message store.
	secret := handler.WebhookSecret()
	got := r.Header.Get(header)
	if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
		slog.Warn("webhook push rejected", "platform", platform, "bridge", bridgeID)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	// Ack fast: platforms retry slow webhooks, which would duplicate
	// inbound rows. Processing continues after the response is written.
	go handler.HandleWebhook(body)
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ok")
}

// Handler exposes the route mux, handy for httptest.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}
