// Package server exposes the message store over HTTP and streams live
// updates over a websocket. Handlers stay thin: query parsing and JSON
// encoding here, everything else in the store.
package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Napageneral/pulse/imessage"
	"github.com/Napageneral/pulse/internal/hub"
	"github.com/Napageneral/pulse/internal/live"
	"github.com/Napageneral/pulse/internal/recent"
)

// Listings default to a small page; search gets a much larger cap since
// its results are ranked and truncated rather than paginated.
const (
	defaultListLimit   = 20
	defaultSearchLimit = 200
)

// Server wires the store, the change hub, and the transcript cache
// behind a router.
type Server struct {
	store    *imessage.Store
	hub      *hub.Hub
	recent   *recent.Cache
	log      *zap.Logger
	pageSize int64
	hubBuf   int
	upgrader websocket.Upgrader
}

// Options tunes the server. Zero values pick defaults.
type Options struct {
	// LivePageSize bounds the page refetched per change tick.
	LivePageSize int64
	// HubBuffer is each websocket subscriber's tick buffer.
	HubBuffer int
}

// New creates a server. The hub feeds websocket sessions; the recent
// cache is cleared externally when the archive changes.
func New(store *imessage.Store, h *hub.Hub, rc *recent.Cache, opts Options, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.LivePageSize <= 0 {
		opts.LivePageSize = live.DefaultPageSize
	}
	if opts.HubBuffer <= 0 {
		opts.HubBuffer = 16
	}
	return &Server{
		store:    store,
		hub:      h,
		recent:   rc,
		log:      log,
		pageSize: opts.LivePageSize,
		hubBuf:   opts.HubBuffer,
		// Local desktop service, no cross-origin story.
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/chats", s.handleChats).Methods(http.MethodGet)
	r.HandleFunc("/chats/by-ids", s.handleChatsByIDs).Methods(http.MethodPost)
	r.HandleFunc("/chats/search", s.handleSearchChats).Methods(http.MethodGet)
	r.HandleFunc("/chats/{id:[0-9]+}/messages", s.handleMessages).Methods(http.MethodGet)
	r.HandleFunc("/chats/{id:[0-9]+}/transcript", s.handleTranscript).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleChats(w http.ResponseWriter, r *http.Request) {
	limit := queryInt64(r, "limit", defaultListLimit)
	offset := queryInt64(r, "offset", 0)

	page, err := s.store.Chats(limit, offset)
	if err != nil {
		s.log.Error("list chats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleChatsByIDs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []int64 `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	chats, err := s.store.ChatsByIDs(req.IDs)
	if err != nil {
		s.log.Error("chats by ids failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]imessage.Chat{"chats": chats})
}

func (s *Server) handleSearchChats(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	limit := queryInt64(r, "limit", defaultSearchLimit)

	chats, err := s.store.SearchChats(query, limit)
	if err != nil {
		s.log.Error("search chats failed", zap.String("query", query), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": chats, "query": query})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	chatID, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	limit := queryInt64(r, "limit", defaultListLimit)
	offset := queryInt64(r, "offset", 0)

	page, err := s.store.Messages(chatID, limit, offset)
	if err != nil {
		s.log.Error("list messages failed", zap.Int64("chat_id", chatID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	chatID, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)

	if msgs, ok := s.recent.Get(chatID); ok {
		writeJSON(w, http.StatusOK, map[string][]imessage.ExtractedMessage{"messages": msgs})
		return
	}

	msgs, err := s.store.MessagesForExtraction(chatID)
	if err != nil {
		s.log.Error("transcript failed", zap.Int64("chat_id", chatID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.recent.Put(chatID, msgs)
	writeJSON(w, http.StatusOK, map[string][]imessage.ExtractedMessage{"messages": msgs})
}

// handleWS upgrades the connection and runs a live session over it. A
// reader goroutine feeds client controls to the session; only the
// session goroutine writes to the socket.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := s.hub.Subscribe(s.hubBuf)
	session := live.NewSession(s.store, sub, s.pageSize, s.log)
	s.log.Info("websocket client connected", zap.String("session", session.ID()))

	controls := make(chan live.Control)
	go func() {
		defer close(controls)
		for {
			var ctrl live.Control
			if err := conn.ReadJSON(&ctrl); err != nil {
				return
			}
			select {
			case controls <- ctrl:
			case <-r.Context().Done():
				return
			}
		}
	}()

	session.Run(r.Context(), controls, live.PushFunc(conn.WriteJSON))
	s.log.Info("websocket client disconnected", zap.String("session", session.ID()))
}

func queryInt64(r *http.Request, key string, def int64) int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
