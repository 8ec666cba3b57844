package relay

import (
	"log/slog"
	"net"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/avickers/meshtalk/internal/signaling"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  maxMessageSize,
	WriteBufferSize: maxMessageSize,

	// The relay carries setup metadata only and identities are unverified
	// anyway; origin checks add nothing here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWs returns the handler that upgrades a request and hands the
// connection to the hub.
func ServeWs(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "err", err)
			return
		}

		client := &Client{
			hub:  hub,
			conn: conn,
			send: make(chan *signaling.Message, 256),
		}

		client.hub.register <- client

		go client.writePump()
		go client.readPump()
	}
}

// Handler builds the full relay HTTP mux: the websocket endpoint plus a
// health check.
func Handler(hub *Hub) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("relay is healthy"))
	})
	mux.HandleFunc("/ws", ServeWs(hub))
	return mux
}

// Server bundles the HTTP listener with its hub so Close can tear down the
// hijacked websocket connections the http package no longer tracks.
type Server struct {
	http *http.Server
	hub  *Hub
}

// Close shuts down the hub, drops every client connection, and stops the
// listener.
func (s *Server) Close() error {
	s.hub.Shutdown()
	return s.http.Close()
}

// Start runs a relay on the given address ("host:port"; port 0 picks a free
// one) and returns the server and its websocket URL. Used by the relay
// command and by in-process tests.
func Start(addr string) (*Server, string, error) {
	hub := NewHub()
	go hub.Run()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", err
	}

	srv := &http.Server{Handler: Handler(hub)}
	go srv.Serve(ln)

	return &Server{http: srv, hub: hub}, "ws://" + ln.Addr().String() + "/ws", nil
}
