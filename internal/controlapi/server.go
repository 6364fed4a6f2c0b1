// Package controlapi is the local HTTP surface a UI uses to drive the match.
package controlapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/park285/cheese-lan/internal/app"
	"github.com/park285/cheese-lan/internal/broker"
	"github.com/park285/cheese-lan/internal/gameerr"
	"github.com/park285/cheese-lan/internal/session"
	"github.com/park285/cheese-lan/pkg/checkmatedto"
)

// Controller is the part of app.Controller the API drives.
type Controller interface {
	HostGame(ctx context.Context, username string) (broker.Hosting, error)
	JoinGame(ctx context.Context, req checkmatedto.JoinRequest) (session.State, error)
	SubmitMove(ctx context.Context, req checkmatedto.MoveRequest) error
	Resign(ctx context.Context) error
	Draw(ctx context.Context, req checkmatedto.DrawRequest) error
	Exit(ctx context.Context) error
	Resume(ctx context.Context) error
	RequestResync(ctx context.Context) error
	Regenerate() (broker.Hosting, error)
	State() checkmatedto.SessionState
	Hosting() (broker.Hosting, bool)
	RenderBoard(ctx context.Context, squareSize int) ([]byte, error)
	Subscribe(buffer int) (<-chan session.Event, func())
	EventDTO(ev session.Event) checkmatedto.Event
	ErrorDTO(err error) *checkmatedto.Error
}

var _ Controller = (*app.Controller)(nil)

const (
	maxBody       = 16 << 10
	qrSize        = 320
	writeTimeout  = 5 * time.Second
	requestBudget = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Server struct {
	ctrl Controller
	log  *zap.Logger
	mux  *httprouter.Router
}

func New(ctrl Controller, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{ctrl: ctrl, log: logger, mux: httprouter.New()}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() {
	s.mux.PanicHandler = func(w http.ResponseWriter, r *http.Request, v any) {
		s.log.Error("controlapi_panic", zap.String("path", r.URL.Path), zap.Any("panic", v))
		writeJSON(w, http.StatusInternalServerError, checkmatedto.Error{Code: "internal", Message: "internal error"})
	}

	s.mux.POST("/host", s.handleHost)
	s.mux.POST("/join", s.handleJoin)
	s.mux.POST("/move", s.handleMove)
	s.mux.POST("/resign", s.command(s.ctrl.Resign))
	s.mux.POST("/draw", s.handleDraw)
	s.mux.POST("/exit", s.command(s.ctrl.Exit))
	s.mux.POST("/resume", s.command(s.ctrl.Resume))
	s.mux.POST("/resync", s.command(s.ctrl.RequestResync))
	s.mux.POST("/regenerate", s.handleRegenerate)
	s.mux.GET("/state", s.handleState)
	s.mux.GET("/board.png", s.handleBoard)
	s.mux.GET("/joincode.png", s.handleQR)
	s.mux.GET("/events", s.handleEvents)
	s.mux.GET("/healthz", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok\n")
	})
}

// Serve runs the API on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       10 * time.Minute,
	}
	errs := make(chan error, 1)
	go func() { errs <- srv.Serve(ln) }()
	s.log.Info("controlapi_listen", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleHost(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req checkmatedto.HostRequest
	if !s.decode(w, r, &req) {
		return
	}
	if _, err := s.ctrl.HostGame(r.Context(), req.Username); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.State())
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req checkmatedto.JoinRequest
	if !s.decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestBudget)
	defer cancel()
	if _, err := s.ctrl.JoinGame(ctx, req); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.State())
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req checkmatedto.MoveRequest
	if !s.decode(w, r, &req) {
		return
	}
	// cancelling an ack wait ends the match, so it outlives the request
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), requestBudget)
	defer cancel()
	if err := s.ctrl.SubmitMove(ctx, req); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.State())
}

func (s *Server) handleDraw(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req checkmatedto.DrawRequest
	if !s.decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestBudget)
	defer cancel()
	if err := s.ctrl.Draw(ctx, req); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.State())
}

func (s *Server) command(fn func(context.Context) error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		ctx, cancel := context.WithTimeout(r.Context(), requestBudget)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, s.ctrl.State())
	}
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if _, err := s.ctrl.Regenerate(); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.State())
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.ctrl.State())
}

func (s *Server) handleBoard(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	size := 0
	if v := r.URL.Query().Get("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 8 || n > 256 {
			s.fail(w, r, gameerr.User(app.CodeBadRequest, "size must be between 8 and 256"))
			return
		}
		size = n
	}
	png, err := s.ctrl.RenderBoard(r.Context(), size)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

// handleQR encodes the join ticket so a phone or second screen can pick it up.
func (s *Server) handleQR(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	h, ok := s.ctrl.Hosting()
	if !ok || h.Ticket == "" {
		s.fail(w, r, gameerr.User(broker.CodeNotHosting, "not hosting"))
		return
	}
	png, err := qrcode.Encode(h.Ticket, qrcode.Medium, qrSize)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

// handleEvents streams session events as JSON text frames until either side goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("controlapi_upgrade_failed", zap.Error(err))
		return
	}
	defer conn.Close()

	events, cancel := s.ctrl.Subscribe(64)
	defer cancel()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.log.Debug("controlapi_events_open", zap.String("remote", r.RemoteAddr))
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"), time.Now().Add(time.Second))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(s.ctrl.EventDTO(ev)); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		s.fail(w, r, gameerr.User(app.CodeBadRequest, "invalid JSON body: "+err.Error()))
		return false
	}
	return true
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	body := s.ctrl.ErrorDTO(err)
	if body == nil {
		body = &checkmatedto.Error{Message: http.StatusText(status)}
	}
	if status >= http.StatusInternalServerError {
		s.log.Warn("controlapi_error", zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, body)
}

// StatusFor maps an error onto an HTTP status.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case gameerr.CodeOf(err) == app.CodeSessionActive:
		return http.StatusConflict
	case errors.Is(err, gameerr.ErrUser), errors.Is(err, gameerr.ErrIllegalMove):
		return http.StatusBadRequest
	case errors.Is(err, gameerr.ErrNetwork), errors.Is(err, gameerr.ErrProtocol):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
