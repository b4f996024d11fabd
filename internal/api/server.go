// Package api exposes the runtime over HTTP: a readiness/progress probe,
// a streaming generate endpoint, and cancellation.
package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/emberml/ember/internal/fault"
	"github.com/emberml/ember/internal/logger"
	"github.com/emberml/ember/internal/logits"
	"github.com/emberml/ember/internal/session"
	"github.com/emberml/ember/internal/version"
)

type Server struct {
	session *session.Session
	dir     string
	log     logger.Logger
}

func NewServer(sess *session.Session, dir string, log logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		session: sess,
		dir:     dir,
		log:     log.With("component", "api"),
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/api/health", s.handleHealth)
	e.GET("/api/models", s.handleModels)
	e.POST("/api/generate", s.handleGenerate)
	e.POST("/api/cancel", s.handleCancel)
}

func (s *Server) handleHealth(c *echo.Context) error {
	snap := s.session.Snapshot()
	resp := HealthResponse{
		Status:       snap.State.String(),
		Progress:     snap.Progress,
		Degraded:     snap.Degraded,
		MissingSlots: snap.MissingSlots,
		Version:      version.String(),
	}
	if snap.Err != nil {
		resp.Error = snap.Err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleModels(c *echo.Context) error {
	cfg := s.session.Config()
	if cfg == nil {
		return writeError(c, http.StatusServiceUnavailable, "not_loaded", "no model loaded")
	}
	info := ModelInfo{
		Directory:        s.dir,
		HiddenSize:       cfg.HiddenSize,
		LayerCount:       cfg.LayerCount,
		HeadCount:        cfg.HeadCount,
		VocabSize:        cfg.VocabSize,
		IntermediateSize: cfg.IntermediateSize,
		MaxPosition:      cfg.MaxPosition,
	}
	if report := s.session.Report(); report != nil {
		info.Degraded = report.Degraded()
		info.TiedOutput = report.TiedOutput
	}
	return c.JSON(http.StatusOK, info)
}

func (s *Server) handleGenerate(c *echo.Context) error {
	var req GenerateRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_request", "malformed request body")
	}
	if req.Prompt == "" {
		return writeError(c, http.StatusBadRequest, "invalid_request", "prompt is required")
	}

	// Temperature is literal once set (0 requests greedy decoding), so the
	// default applies only when the field is absent from the body.
	cfg := session.GenerationConfig{
		MaxTokens:   session.DefaultMaxTokens,
		Temperature: logits.DefaultTemperature,
	}
	if req.MaxTokens != nil {
		cfg.MaxTokens = *req.MaxTokens
	}
	if req.Temperature != nil {
		cfg.Temperature = float32(*req.Temperature)
	}
	if req.TopK != nil {
		cfg.TopK = *req.TopK
	}
	if req.TopP != nil {
		cfg.TopP = float32(*req.TopP)
	}
	if req.Seed != nil {
		cfg.Seed = *req.Seed
	}

	ctx := c.Request().Context()
	stream, err := s.session.Generate(ctx, req.Prompt, cfg)
	if err != nil {
		var busy *fault.BusyError
		var notLoaded *fault.NotLoadedError
		switch {
		case errors.As(err, &busy):
			return writeError(c, http.StatusConflict, "busy", err.Error())
		case errors.As(err, &notLoaded):
			return writeError(c, http.StatusServiceUnavailable, "not_loaded", err.Error())
		default:
			return writeError(c, http.StatusInternalServerError, "generate_failed", err.Error())
		}
	}

	w, err := newSSEWriter(c)
	if err != nil {
		s.session.CancelGeneration()
		return writeError(c, http.StatusInternalServerError, "stream_unsupported", err.Error())
	}

	s.log.Info("generation stream opened", "stream", stream.ID, "prompt_len", len(req.Prompt))

	for frag := range stream.Fragments() {
		if err := w.emitFragment(frag); err != nil {
			// Client went away; stop the model instead of generating
			// into the void.
			s.session.CancelGeneration()
			for range stream.Fragments() {
			}
			break
		}
	}

	<-stream.Done()
	if err := w.emitDone(stream); err != nil {
		return err
	}
	s.log.Info("generation stream closed",
		"stream", stream.ID,
		"tokens", stream.Stats().TokensGenerated,
		"error", stream.Err())
	return nil
}

func (s *Server) handleCancel(c *echo.Context) error {
	s.session.CancelGeneration()
	return c.JSON(http.StatusOK, map[string]string{"status": "cancelled"})
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return c.JSON(status, map[string]any{
		"error": apiError{Message: msg, Type: errType},
	})
}
