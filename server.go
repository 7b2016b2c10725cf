package chainlog

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const maxBodyBytes = 4 << 20

// Server exposes the log, verification, audit and incident state over HTTP.
// Responses are JSON unless the client asks for application/x-protobuf.
type Server struct {
	log       *Log
	detector  *Detector
	logger    zerolog.Logger
	clock     func() time.Time
	tlsConfig *tls.Config
}

// NewServer creates a server over l and d.
func NewServer(l *Log, d *Detector, logger zerolog.Logger) *Server {
	return &Server{log: l, detector: d, logger: logger, clock: time.Now}
}

// SetTLSConfig clones cfg and stores it for use when serving HTTPS requests.
// If cfg is nil a default configuration will be used.
func (s *Server) SetTLSConfig(cfg *tls.Config) {
	if cfg == nil {
		s.tlsConfig = nil
		return
	}
	s.tlsConfig = cfg.Clone()
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(accessLog(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/log", s.HandleDocument)
		r.Get("/log/latest", s.HandleLatest)
		r.Get("/log/entries", s.HandleEntries)
		r.Get("/verify", s.HandleVerify)
		r.Post("/verify/entry", s.HandleVerifyEntry)
		r.Post("/audit", s.HandleAudit)
		r.Get("/incidents", s.HandleIncidents)
		r.Get("/incidents/{date}", s.HandleIncident)
		r.Get("/summary", s.HandleSummary)
	})
	return r
}

// wantsProtobuf checks whether the client accepts protobuf responses.
func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, ProtoContentType) || strings.Contains(accept, "application/protobuf")
}

// isProtobuf checks if the request content type is protobuf.
func isProtobuf(r *http.Request) bool {
	contentType := r.Header.Get("Content-Type")
	return strings.HasPrefix(contentType, ProtoContentType) ||
		strings.HasPrefix(contentType, "application/protobuf")
}

// respond writes v as JSON, or the message built by asProto when the client
// negotiated protobuf.
func respond[T any](w http.ResponseWriter, r *http.Request, v T, asProto func(T) (proto.Message, error)) {
	if asProto != nil && wantsProtobuf(r) {
		msg, err := asProto(v)
		if err != nil {
			writeError(w, r, err)
			return
		}
		data, err := proto.Marshal(msg)
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", ProtoContentType)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

func structMsg[T any](fn func(T) (*structpb.Struct, error)) func(T) (proto.Message, error) {
	return func(v T) (proto.Message, error) { return fn(v) }
}

func listMsg[T any](fn func(T) (*structpb.ListValue, error)) func(T) (proto.Message, error) {
	return func(v T) (proto.Message, error) { return fn(v) }
}

// statusFor maps error classes to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrEntryNotFound), errors.Is(err, ErrEmptyLog):
		return http.StatusNotFound
	case errors.Is(err, ErrDuplicateDate), errors.Is(err, ErrOutOfOrder), errors.Is(err, ErrImmutableEntry):
		return http.StatusConflict
	case errors.Is(err, ErrMissingInput):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func writeError(w http.ResponseWriter, _ *http.Request, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(err))
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// HandleDocument handles GET /api/v1/log.
func (s *Server) HandleDocument(w http.ResponseWriter, r *http.Request) {
	respond(w, r, s.log.Document(), structMsg(DocumentToProto))
}

// HandleLatest handles GET /api/v1/log/latest.
func (s *Server) HandleLatest(w http.ResponseWriter, r *http.Request) {
	e, ok := s.log.Latest()
	if !ok {
		writeError(w, r, ErrEmptyLog)
		return
	}
	respond(w, r, e, structMsg(EntryToProto))
}

// HandleEntries handles GET /api/v1/log/entries?from=&to=.
func (s *Server) HandleEntries(w http.ResponseWriter, r *http.Request) {
	from, to := r.URL.Query().Get("from"), r.URL.Query().Get("to")
	for _, d := range []string{from, to} {
		if d == "" {
			continue
		}
		if _, err := time.Parse(DateLayout, d); err != nil {
			writeError(w, r, badRequest("invalid date %q", d))
			return
		}
	}
	respond(w, r, s.log.Range(from, to), listMsg(EntriesToProto))
}

// HandleVerify handles GET /api/v1/verify.
func (s *Server) HandleVerify(w http.ResponseWriter, r *http.Request) {
	respond(w, r, s.log.Verify(), structMsg(ChainReportToProto))
}

type entryVerdict struct {
	Valid bool `json:"valid"`
}

func entryVerdictToProto(v entryVerdict) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{"valid": v.Valid})
}

// HandleVerifyEntry handles POST /api/v1/verify/entry. The body is a
// serialized entry, either a JSON object or a protobuf Struct.
func (s *Server) HandleVerifyEntry(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, badRequest("read body: %v", err))
		return
	}
	if isProtobuf(r) {
		var st structpb.Struct
		if err := proto.Unmarshal(body, &st); err != nil {
			writeError(w, r, badRequest("decode protobuf: %v", err))
			return
		}
		if body, err = EntryJSONFromProto(&st); err != nil {
			writeError(w, r, badRequest("convert protobuf: %v", err))
			return
		}
	}
	respond(w, r, entryVerdict{Valid: VerifySerializedEntry(body)}, structMsg(entryVerdictToProto))
}

// HandleAudit handles POST /api/v1/audit. The body is a reference export;
// raw_states=true maps position labels through PublicState.
func (s *Server) HandleAudit(w http.ResponseWriter, r *http.Request) {
	var mapState func(string) string
	if raw, _ := strconv.ParseBool(r.URL.Query().Get("raw_states")); raw {
		mapState = PublicState
	}
	ref, err := LoadReference(io.LimitReader(r.Body, maxBodyBytes), mapState)
	if err != nil {
		writeError(w, r, badRequest("%v", err))
		return
	}
	respond(w, r, Compare(ref, s.log), structMsg(AuditReportToProto))
}

// HandleIncidents handles GET /api/v1/incidents.
func (s *Server) HandleIncidents(w http.ResponseWriter, r *http.Request) {
	incs, err := s.detector.Incidents(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	respond(w, r, incs, listMsg(IncidentsToProto))
}

// HandleIncident handles GET /api/v1/incidents/{date}.
func (s *Server) HandleIncident(w http.ResponseWriter, r *http.Request) {
	date := chi.URLParam(r, "date")
	inc, ok, err := s.detector.Incident(r.Context(), date)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !ok {
		writeError(w, r, fmt.Errorf("incident %s: %w", date, ErrEntryNotFound))
		return
	}
	respond(w, r, inc, structMsg(IncidentToProto))
}

// HandleSummary handles GET /api/v1/summary?end=&days=.
func (s *Server) HandleSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	end := q.Get("end")
	if end == "" {
		end = s.clock().UTC().Format(DateLayout)
	}
	days := DefaultSummaryDays
	if v := q.Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 366 {
			writeError(w, r, badRequest("invalid days %q", v))
			return
		}
		days = n
	}
	sum, err := s.detector.Summary(r.Context(), end, days)
	if err != nil {
		writeError(w, r, badRequest("%v", err))
		return
	}
	respond(w, r, sum, structMsg(WindowSummaryToProto))
}

func (s *Server) tlsConfigWithDefaults() *tls.Config {
	if s.tlsConfig == nil {
		return &tls.Config{MinVersion: tls.VersionTLS12}
	}
	cfg := s.tlsConfig.Clone()
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	return cfg
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
// TLS is used when certFile and keyFile are both set.
func (s *Server) ListenAndServe(ctx context.Context, addr, certFile, keyFile string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig:         s.tlsConfigWithDefaults(),
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("http listening")
		var err error
		if certFile != "" && keyFile != "" {
			err = srv.ListenAndServeTLS(certFile, keyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	}
}
