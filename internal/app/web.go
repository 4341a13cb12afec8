package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relabs-tech/inertial_orientation/internal/config"
	"github.com/relabs-tech/inertial_orientation/internal/hub"
	"github.com/relabs-tech/inertial_orientation/internal/orientation"
)

const wsWriteTimeout = 2 * time.Second

// IntervalBody is the JSON body of GET and POST /api/interval.
type IntervalBody struct {
	IntervalMS int `json:"interval_ms"`
}

// AvailableBody is the JSON body of GET /api/available.
type AvailableBody struct {
	Available bool `json:"available"`
}

// webServer serves the fused orientation over HTTP. It holds one hub
// listener for /api/orientation; every websocket client adds its own.
type webServer struct {
	hub      *hub.Hub
	latest   latestPose
	upgrader websocket.Upgrader
}

func newWebServer(h *hub.Hub) *webServer {
	return &webServer{
		hub: h,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// track keeps /api/orientation current until the subscription is removed.
func (s *webServer) track() *hub.Subscription {
	return s.hub.AddListener(s.latest.set)
}

func (s *webServer) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/orientation", s.handleOrientation)
	mux.HandleFunc("/api/available", s.handleAvailable)
	mux.HandleFunc("/api/interval", s.handleInterval)
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/", http.FileServer(http.Dir("web")))
	return mux
}

func (s *webServer) handleOrientation(w http.ResponseWriter, r *http.Request) {
	pose, ok := s.latest.get()
	if !ok {
		http.Error(w, "no data yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, pose)
}

func (s *webServer) handleAvailable(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	ok, err := s.hub.Available(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, AvailableBody{Available: ok})
}

func (s *webServer) handleInterval(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var body IntervalBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, fmt.Sprintf("invalid body: %v", err), http.StatusBadRequest)
			return
		}
		if err := s.hub.SetUpdateInterval(body.IntervalMS); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, orientation.ErrInvalidInterval) {
				status = http.StatusBadRequest
			}
			http.Error(w, err.Error(), status)
			return
		}
		log.Printf("web: sample interval set to %d ms", body.IntervalMS)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, IntervalBody{IntervalMS: s.hub.UpdateInterval()})
}

// handleWS streams poses to one client for as long as it stays connected.
func (s *webServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("web: websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	poses := make(chan orientation.Pose, 1)
	sub := s.hub.AddListener(func(e orientation.EulerAngles) {
		offerLatest(poses, e.Pose())
	})
	defer sub.Remove()
	log.Printf("web: websocket client %s connected (%d listeners)", r.RemoteAddr, s.hub.ListenerCount())

	// The read loop only notices the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			log.Printf("web: websocket client %s disconnected", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		case p := <-poses:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(p); err != nil {
				log.Printf("web: websocket write error: %v", err)
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("json encode error: %v", err)
	}
}

// RunWeb serves the orientation API and static files from ./web.
func RunWeb(ctx context.Context) error {
	cfg := config.Get()
	if cfg == nil {
		return fmt.Errorf("config not initialized")
	}

	h, closeSources, err := BuildHub(ctx, cfg, "web")
	if err != nil {
		return err
	}
	defer closeSources()

	s := newWebServer(h)
	sub := s.track()
	defer sub.Remove()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.WebServerPort),
		Handler: s.routes(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("web server listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
