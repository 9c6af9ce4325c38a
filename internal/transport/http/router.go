// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adiadia/visual-replay/internal/domain"
	"github.com/adiadia/visual-replay/internal/events"
	"github.com/adiadia/visual-replay/internal/metrics"
	"github.com/adiadia/visual-replay/internal/storeclient"
	"github.com/adiadia/visual-replay/internal/transport/middleware"
)

const (
	maxBodyBytes      = 1 << 20
	sseKeepAlive      = 15 * time.Second
	sseSubscribeQueue = 64
)

type startTeachRequest struct {
	WorkflowName string `json:"workflow_name"`
}

type stopTeachRequest struct {
	Save *bool `json:"save"`
}

type transcriptRequest struct {
	Text string `json:"text"`
}

type startExecutionRequest struct {
	WorkflowID string `json:"workflow_id"`
}

type recoveryRequest struct {
	StepIndex  *int   `json:"step_index"`
	Resolution string `json:"resolution"`
}

type Deps struct {
	Workflows       WorkflowLister
	Recorder        Recorder
	Executor        Executor
	Recovery        RecoveryResolver
	Events          EventStreamer
	Health          HealthChecker
	Logger          *slog.Logger
	ControlToken    string
	RateLimitPerMin int
	Version         string
	Commit          string
	BuildDate       string
}

func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics.Init()
	version := valueOrDefault(deps.Version, "dev")
	commit := valueOrDefault(deps.Commit, "none")
	buildDate := valueOrDefault(deps.BuildDate, "unknown")

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger))

	// ---------------- HEALTH ----------------

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Health != nil {
			if err := deps.Health.Check(r.Context()); err != nil {
				logger.Warn("health check failed", "error", err)
				http.Error(w, "session store unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// ---------------- METRICS ----------------

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// ---------------- VERSION ----------------

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"commit":     commit,
			"build_date": buildDate,
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.ControlTokenAuth(deps.ControlToken, logger))

		// ---------------- READS ----------------

		r.Get("/workflows", func(w http.ResponseWriter, r *http.Request) {
			list, err := deps.Workflows.ListWorkflows(r.Context())
			if err != nil {
				writeError(w, logger, "list workflows", err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"workflows": list})
		})

		r.Get("/teach", func(w http.ResponseWriter, r *http.Request) {
			state, s := deps.Recorder.Snapshot()
			writeJSON(w, http.StatusOK, map[string]any{
				"state":   state,
				"session": s,
			})
		})

		r.Get("/executions/current", func(w http.ResponseWriter, r *http.Request) {
			resp := struct {
				Snapshot any                     `json:"execution"`
				Recovery *domain.RecoveryRequest `json:"pending_recovery,omitempty"`
			}{Snapshot: deps.Executor.Snapshot()}
			if req, ok := deps.Recovery.Pending(); ok {
				resp.Recovery = &req
			}
			writeJSON(w, http.StatusOK, resp)
		})

		// ---------------- STREAM EVENTS (SSE) ----------------

		r.Get("/events", func(w http.ResponseWriter, r *http.Request) {
			serveEvents(w, r, deps.Events, logger)
		})

		// ---------------- MUTATIONS ----------------

		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(deps.RateLimitPerMin))

			r.Post("/teach/start", func(w http.ResponseWriter, r *http.Request) {
				var req startTeachRequest
				if err := decodeJSON(w, r, &req); err != nil {
					writeError(w, logger, "start teach", err)
					return
				}
				s, err := deps.Recorder.StartSession(r.Context(), req.WorkflowName)
				if err != nil {
					writeError(w, logger, "start teach", err)
					return
				}
				logger.Info("teach started via API", "session_id", s.SessionID)
				writeJSON(w, http.StatusOK, s)
			})

			r.Post("/teach/stop", func(w http.ResponseWriter, r *http.Request) {
				var req stopTeachRequest
				if err := decodeJSON(w, r, &req); err != nil {
					writeError(w, logger, "stop teach", err)
					return
				}
				save := req.Save == nil || *req.Save
				summary, err := deps.Recorder.StopSession(r.Context(), save)
				if err != nil {
					writeError(w, logger, "stop teach", err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{
					"saved":   save,
					"summary": summary,
				})
			})

			r.Post("/teach/transcript", func(w http.ResponseWriter, r *http.Request) {
				var req transcriptRequest
				if err := decodeJSON(w, r, &req); err != nil {
					writeError(w, logger, "append transcript", err)
					return
				}
				if err := deps.Recorder.AppendTranscript(r.Context(), req.Text); err != nil {
					writeError(w, logger, "append transcript", err)
					return
				}
				w.WriteHeader(http.StatusNoContent)
			})

			r.Post("/executions", func(w http.ResponseWriter, r *http.Request) {
				var req startExecutionRequest
				if err := decodeJSON(w, r, &req); err != nil {
					writeError(w, logger, "start execution", err)
					return
				}
				s, err := deps.Executor.Start(r.Context(), req.WorkflowID)
				if err != nil {
					writeError(w, logger, "start execution", err)
					return
				}
				logger.Info("execution started via API", "execution_id", s.ExecutionID, "workflow_id", s.WorkflowID)
				writeJSON(w, http.StatusAccepted, s)
			})

			r.Post("/executions/stop", func(w http.ResponseWriter, r *http.Request) {
				if err := deps.Executor.Stop(r.Context()); err != nil {
					writeError(w, logger, "stop execution", err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]string{"status": string(domain.ExecutionStopped)})
			})

			r.Post("/executions/recovery", func(w http.ResponseWriter, r *http.Request) {
				var req recoveryRequest
				if err := decodeJSON(w, r, &req); err != nil {
					writeError(w, logger, "submit resolution", err)
					return
				}
				if req.StepIndex == nil {
					writeError(w, logger, "submit resolution", domain.Validationf("step_index is required"))
					return
				}
				if err := deps.Recovery.SubmitResolution(r.Context(), *req.StepIndex, req.Resolution); err != nil {
					writeError(w, logger, "submit resolution", err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"accepted": true, "step_index": *req.StepIndex})
			})
		})
	})

	return r
}

func serveEvents(w http.ResponseWriter, r *http.Request, stream EventStreamer, logger *slog.Logger) {
	if stream == nil {
		logger.Error("sse event stream is not configured")
		http.Error(w, "failed to stream events", http.StatusInternalServerError)
		return
	}

	since := strings.TrimSpace(r.URL.Query().Get("since_id"))
	if since == "" {
		since = strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	}
	cursor, err := parseCursor(since)
	if err != nil {
		http.Error(w, "invalid since_id", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// Subscribe before replaying history so nothing falls in between.
	live, cancel := stream.Subscribe(sseSubscribeQueue)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	write := func(env events.Envelope) error {
		if env.Seq <= cursor {
			return nil
		}
		payload, err := json.Marshal(env)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", env.Seq, env.Type, payload); err != nil {
			return err
		}
		flusher.Flush()
		cursor = env.Seq
		return nil
	}

	for _, env := range stream.Since(cursor) {
		if err := write(env); err != nil {
			logger.Error("sse initial write failed", "error", err)
			return
		}
	}

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case env, ok := <-live:
			if !ok {
				return
			}
			if err := write(env); err != nil {
				logger.Error("sse write failed", "error", err)
				return
			}
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

var errInvalidSinceID = errors.New("invalid since_id")

func parseCursor(since string) (int64, error) {
	if since == "" {
		return 0, nil
	}
	seq, err := strconv.ParseInt(since, 10, 64)
	if err != nil || seq < 0 {
		return 0, errInvalidSinceID
	}
	return seq, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Stale bool   `json:"stale,omitempty"`
}

// writeError maps the domain error taxonomy onto status codes.
func writeError(w http.ResponseWriter, logger *slog.Logger, op string, err error) {
	var upstream *storeclient.Error
	switch {
	case errors.Is(err, domain.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, domain.ErrStaleRecovery):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Stale: true})
	case errors.Is(err, domain.ErrWrongState),
		errors.Is(err, domain.ErrSessionActive),
		errors.Is(err, domain.ErrSessionConflict):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	case errors.As(err, &upstream):
		logger.Error(op+" failed", "error", err, "retryable", upstream.Retryable)
		writeJSON(w, http.StatusBadGateway, errorBody{Error: err.Error()})
	default:
		logger.Error(op+" failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "failed to " + op})
	}
}

// decodeJSON reads exactly one JSON object. An empty body leaves v at its
// zero value.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return domain.Validationf("invalid request body: %v", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return domain.Validationf("request body must contain exactly one JSON object")
	}
	return nil
}

func valueOrDefault(value, defaultValue string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultValue
	}
	return trimmed
}
