// Package api provides the HTTP server for Mada.
//
// It exposes the REST endpoints used by the care-team UI (schedule
// generation, the call queue, manual execute, cancel and retry) and the
// webhook endpoints Twilio calls while a call is in progress.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/aloksinha3/Mada/internal/ivr"
	"github.com/aloksinha3/Mada/internal/models"
	"github.com/aloksinha3/Mada/internal/store"
	"github.com/aloksinha3/Mada/internal/telephony"
)

// Default server settings.
const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
	defaultReadTimeout     = 15 * time.Second
	defaultWriteTimeout    = 60 * time.Second
)

// Scheduler generates and creates calls for patients.
type Scheduler interface {
	Generate(ctx context.Context, patientID int64, horizon time.Duration) (store.SyncResult, error)
	ScheduleCall(ctx context.Context, patientID int64, ct models.CallType, at time.Time) (models.Call, error)
}

// Executor places calls on demand.
type Executor interface {
	Execute(ctx context.Context, id int64) (*models.Call, error)
	Retry(ctx context.Context, id int64) (models.Call, error)
}

// Voice handles telephony events.
type Voice interface {
	CallConnected(ctx context.Context, ref ivr.Ref) (telephony.Directive, error)
	KeyPressed(ctx context.Context, ref ivr.Ref, key string) (telephony.Directive, error)
	RecordingFinished(ctx context.Context, ref ivr.Ref, audioRef, transcript string) (telephony.Directive, error)
	TranscriptionReady(ctx context.Context, ref ivr.Ref, providerStatus, transcript string) error
	StatusChanged(ctx context.Context, ref ivr.Ref, providerStatus string) error
	InboundCall(ctx context.Context, from string) (telephony.Directive, error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
	// PublicBaseURL is where Twilio reaches the webhooks. Signature checks
	// are computed against it.
	PublicBaseURL string
	// AuthToken enables X-Twilio-Signature validation when non-empty.
	AuthToken string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithPublicBaseURL sets the public webhook base URL.
func WithPublicBaseURL(base string) Option {
	return func(o *Opts) { o.PublicBaseURL = base }
}

// WithSignatureValidation rejects webhooks not signed with authToken.
func WithSignatureValidation(authToken string) Option {
	return func(o *Opts) { o.AuthToken = authToken }
}

// Server serves the REST API and the Twilio webhooks.
type Server struct {
	st       store.Store
	sched    Scheduler
	exec     Executor
	voice    Voice
	renderer *telephony.TwiMLRenderer
	opts     Opts
	router   *mux.Router
}

// NewServer wires the handlers.
func NewServer(st store.Store, sched Scheduler, exec Executor, voice Voice, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	s := &Server{
		st:       st,
		sched:    sched,
		exec:     exec,
		voice:    voice,
		renderer: telephony.NewTwiMLRenderer(cfg.PublicBaseURL),
		opts:     cfg,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)

	r.HandleFunc("/patients/{id:[0-9]+}/schedule", s.generateScheduleHandler).Methods(http.MethodPost)
	r.HandleFunc("/patients/{id:[0-9]+}/calls", s.scheduleCallHandler).Methods(http.MethodPost)
	r.HandleFunc("/patients/{id:[0-9]+}/calls", s.deletePatientCallsHandler).Methods(http.MethodDelete)

	r.HandleFunc("/calls", s.listCallsHandler).Methods(http.MethodGet)
	r.HandleFunc("/calls/{id:[0-9]+}", s.getCallHandler).Methods(http.MethodGet)
	r.HandleFunc("/calls/{id:[0-9]+}/message", s.getMessageHandler).Methods(http.MethodGet)
	r.HandleFunc("/calls/{id:[0-9]+}/execute", s.executeCallHandler).Methods(http.MethodPost)
	r.HandleFunc("/calls/{id:[0-9]+}/cancel", s.cancelCallHandler).Methods(http.MethodPost)
	r.HandleFunc("/calls/{id:[0-9]+}/retry", s.retryCallHandler).Methods(http.MethodPost)

	hooks := r.PathPrefix("/twilio").Subrouter()
	hooks.Use(s.signatureMiddleware)
	hooks.HandleFunc(strings.TrimPrefix(telephony.VoicePath, "/twilio"), s.voiceWebhook).Methods(http.MethodPost)
	hooks.HandleFunc(strings.TrimPrefix(telephony.GatherPath, "/twilio"), s.gatherWebhook).Methods(http.MethodPost)
	hooks.HandleFunc(strings.TrimPrefix(telephony.RecordingPath, "/twilio"), s.recordingWebhook).Methods(http.MethodPost)
	hooks.HandleFunc(strings.TrimPrefix(telephony.TranscriptionPath, "/twilio"), s.transcriptionWebhook).Methods(http.MethodPost)
	hooks.HandleFunc(strings.TrimPrefix(telephony.StatusPath, "/twilio"), s.statusWebhook).Methods(http.MethodPost)
	hooks.HandleFunc(strings.TrimPrefix(telephony.InboundPath, "/twilio"), s.inboundWebhook).Methods(http.MethodPost)
	return r
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.router,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr, "signatureValidation", s.opts.AuthToken != "")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: graceful shutdown failed", "error", err)
		return err
	}
	return <-errCh
}
