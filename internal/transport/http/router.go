package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"study-game-service/internal/app"
	"study-game-service/internal/domain"
	"study-game-service/internal/protocol"
)

// NewRouter wires the control-plane REST routes and the event-plane WebSocket endpoint.
func NewRouter(service *app.GameService, wsCfg WSConfig) http.Handler {
	api := &API{service: service}
	ws := NewWSHandler(service, wsCfg)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", api.Health)

	r.Route("/groups/{groupID}", func(r chi.Router) {
		r.Get("/leaderboard", api.GroupLeaderboard)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", api.CreateSession)
			r.Get("/", api.ListSessions)

			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", api.GetSession)
				r.Post("/join", api.Join)
				r.Post("/leave", api.Leave)
				r.Post("/start", api.command(domain.CmdStart))
				r.Post("/pause", api.command(domain.CmdPause))
				r.Post("/resume", api.command(domain.CmdResume))
				r.Post("/end", api.command(domain.CmdEnd))
				r.Get("/results", api.Results)
				r.Get("/ws", ws.ServeWS)
			})
		})
	})

	r.Route("/users/{userID}", func(r chi.Router) {
		r.Get("/stats", api.UserStats)
		r.Get("/history", api.UserHistory)
	})
	return r
}

// API holds the control-plane handlers.
type API struct {
	service *app.GameService
}

type createRequest struct {
	HostID     string            `json:"hostId"`
	HostName   string            `json:"hostName"`
	GameType   domain.GameType   `json:"gameType"`
	DocumentID string            `json:"documentId"`
	Config     domain.GameConfig `json:"config"`
}

type memberRequest struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

func (a *API) Health(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.HostID == "" {
		req.HostID = r.Header.Get(userHeader)
	}
	snap, err := a.service.Create(r.Context(), app.CreateRequest{
		GroupID:    chi.URLParam(r, "groupID"),
		HostID:     req.HostID,
		HostName:   req.HostName,
		GameType:   req.GameType,
		DocumentID: req.DocumentID,
		Config:     req.Config,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusCreated, snap)
}

func (a *API) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := a.service.List(r.Context(), chi.URLParam(r, "groupID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, sessions)
}

func (a *API) GetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := a.service.Get(r.Context(), chi.URLParam(r, "groupID"), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, snap)
}

func (a *API) Join(w http.ResponseWriter, r *http.Request) {
	req, err := memberFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	snap, err := a.service.Join(r.Context(), chi.URLParam(r, "groupID"), chi.URLParam(r, "sessionID"), req.UserID, req.DisplayName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, snap)
}

func (a *API) Leave(w http.ResponseWriter, r *http.Request) {
	req, err := memberFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	groupID, sessionID := chi.URLParam(r, "groupID"), chi.URLParam(r, "sessionID")
	snap, err := a.service.Leave(r.Context(), groupID, sessionID, req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, snap)
}

func (a *API) command(cmd domain.Command) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := memberFrom(r)
		if err != nil {
			writeError(w, err)
			return
		}
		snap, err := a.service.Command(r.Context(), chi.URLParam(r, "groupID"), chi.URLParam(r, "sessionID"), req.UserID, cmd)
		if err != nil {
			writeError(w, err)
			return
		}
		writeOK(w, http.StatusOK, snap)
	}
}

func (a *API) Results(w http.ResponseWriter, r *http.Request) {
	res, err := a.service.Results(r.Context(), chi.URLParam(r, "groupID"), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, res)
}

func (a *API) UserStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.service.UserStats(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, stats)
}

func (a *API) UserHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, err)
		return
	}
	history, err := a.service.UserHistory(r.Context(), chi.URLParam(r, "userID"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if history == nil {
		history = []domain.HistoryEntry{}
	}
	writeOK(w, http.StatusOK, history)
}

func (a *API) GroupLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, err)
		return
	}
	gameType := domain.GameType(r.URL.Query().Get("gameType"))
	if gameType != "" && !gameType.Valid() {
		writeError(w, errInvalid("unknown game type"))
		return
	}
	board, err := a.service.GroupLeaderboard(r.Context(), chi.URLParam(r, "groupID"), gameType, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if board == nil {
		board = []domain.GroupStanding{}
	}
	writeOK(w, http.StatusOK, board)
}

// userHeader carries the caller's id from the identity provider when the body omits it.
const userHeader = "X-User-ID"

func memberFrom(r *http.Request) (memberRequest, error) {
	var req memberRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			return memberRequest{}, err
		}
	}
	if req.UserID == "" {
		req.UserID = r.Header.Get(userHeader)
	}
	if req.UserID == "" {
		return memberRequest{}, errInvalid("userId is required")
	}
	return req, nil
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return errInvalid("malformed request body")
	}
	return nil
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 20, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > 100 {
		return 0, errInvalid("limit must be between 1 and 100")
	}
	return n, nil
}

type invalidError string

func (e invalidError) Error() string { return string(e) }
func (e invalidError) Unwrap() error { return domain.ErrInvalid }

func errInvalid(msg string) error { return invalidError(msg) }

func writeOK(w http.ResponseWriter, status int, data any) {
	resp, err := protocol.OK(data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, status, resp)
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, protocol.Fail(err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidPhase), errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrFull), errors.Is(err, domain.ErrAlreadyClaimed):
		return http.StatusConflict
	case errors.Is(err, domain.ErrClosed):
		return http.StatusGone
	case errors.Is(err, domain.ErrInvalid), errors.Is(err, domain.ErrDecode):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
