package remote

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Server exposes a Store over HTTP and WebSocket. It is the development
// emulator the daemon talks to through Client.
type Server struct {
	store    Store
	logger   *zap.Logger
	upgrader websocket.Upgrader
	router   *mux.Router
}

// NewServer wires the HTTP routes for store.
func NewServer(store Store, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:  store,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		router: mux.NewRouter(),
	}
	s.router.HandleFunc("/v1/query", s.handleQuery).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/documents/{path:.+}", s.handleUpsert).Methods(http.MethodPut)
	s.router.HandleFunc("/v1/listen", s.handleListen).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodGet, http.MethodHead)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		s.writeError(w, ErrInvalidArgument)
		return
	}
	docs, err := s.store.Query(r.Context(), req.Collection, decodeQuery(req.Query))
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := queryResponse{Documents: make([]Document, len(docs))}
	for i, d := range docs {
		resp.Documents[i] = encodeDocument(d)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpsert(w http.ResponseWriter, r *http.Request) {
	docPath := mux.Vars(r)["path"]
	var req upsertRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		s.writeError(w, ErrInvalidArgument)
		return
	}
	merge, _ := strconv.ParseBool(r.URL.Query().Get("merge"))
	if err := s.store.Upsert(r.Context(), docPath, decodeFields(req.Fields), UpsertOptions{Merge: merge}); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListen(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	var req queryRequest
	_, rd, err := conn.NextReader()
	if err == nil {
		err = decodeJSON(rd, &req)
	}
	if err != nil {
		_ = conn.WriteJSON(listenFrame{Error: "invalid listen request"})
		return
	}

	ctx := r.Context()
	stream, err := s.store.Subscribe(ctx, req.Collection, decodeQuery(req.Query))
	if err != nil {
		_ = conn.WriteJSON(listenFrame{Error: err.Error()})
		return
	}
	defer func() { _ = stream.Close() }()

	// The client never sends after the request; a read error means it left.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	log := s.logger.With(zap.String("collection", req.Collection))
	log.Debug("listener attached")
	for {
		select {
		case <-gone:
			log.Debug("listener detached")
			return
		case c, ok := <-stream.Changes():
			if !ok {
				if err := stream.Err(); err != nil {
					_ = conn.WriteJSON(listenFrame{Error: err.Error()})
				}
				return
			}
			enc := Change{Type: c.Type, Document: encodeDocument(c.Document)}
			if err := conn.WriteJSON(listenFrame{Change: &enc}); err != nil {
				log.Debug("listener write failed", zap.Error(err))
				return
			}
		}
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusServiceUnavailable
	switch {
	case errors.Is(err, ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, ErrPermissionDenied):
		code = http.StatusForbidden
	case errors.Is(err, ErrInvalidArgument):
		code = http.StatusBadRequest
	}
	s.writeJSON(w, code, errorResponse{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write response failed", zap.Error(err))
	}
}
