// Package api exposes the knowledge service over HTTP with echo.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	echoMiddleware "github.com/labstack/echo/v4/middleware"

	"kbrag/internal/domain"
	"kbrag/internal/embedding"
	"kbrag/internal/events"
	"kbrag/internal/service"
)

// KnowledgePort is the subset of the knowledge service the API needs.
type KnowledgePort interface {
	CreateKnowledgeBase(ctx context.Context, p service.CreateParams) (*domain.KnowledgeBase, error)
	GetKnowledgeBase(ctx context.Context, id string) (*domain.KnowledgeBase, error)
	ListKnowledgeBases(ctx context.Context) ([]domain.KnowledgeBase, error)
	UpdateKnowledgeBase(ctx context.Context, id string, u service.UpdateParams) (*domain.KnowledgeBase, error)
	DeleteKnowledgeBase(ctx context.Context, id string) (bool, error)
	AddDocument(ctx context.Context, p service.AddDocumentParams) ([]domain.Document, error)
	GetDocuments(ctx context.Context, knowledgeBaseID string) ([]domain.Document, error)
	DeleteDocument(ctx context.Context, id string) (bool, error)
	Search(ctx context.Context, p service.SearchParams) (*service.SearchResponse, error)
}

// Subscriber hands out event streams; *events.Bus implements it.
type Subscriber interface {
	Subscribe(buffer int) (<-chan events.Event, func())
}

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ModelLister lists the configured embedding models; *embedding.Provider implements it.
type ModelLister interface {
	Models() []embedding.Model
}

var appStart = time.Now()

// Server holds the handlers.
type Server struct {
	svc    KnowledgePort
	subs   Subscriber
	ping   Pinger
	models ModelLister
	log    *slog.Logger
}

// New creates the handlers. subs, ping and models may be nil.
func New(svc KnowledgePort, subs Subscriber, ping Pinger, models ModelLister, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{svc: svc, subs: subs, ping: ping, models: models, log: log}
}

// Echo builds an echo instance with every route registered.
func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(echoMiddleware.Recover())
	e.Use(s.requestLog)
	s.Register(e)
	return e
}

// Register adds the routes to e.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/health", s.Health)
	e.GET("/events", s.Events)
	e.GET("/models", s.ListModels)

	g := e.Group("/knowledge-bases")
	g.GET("", s.ListKnowledgeBases)
	g.POST("", s.CreateKnowledgeBase)
	g.GET("/:id", s.GetKnowledgeBase)
	g.PATCH("/:id", s.UpdateKnowledgeBase)
	g.DELETE("/:id", s.DeleteKnowledgeBase)
	g.GET("/:id/documents", s.ListDocuments)
	g.POST("/:id/documents", s.AddDocument)
	g.POST("/:id/search", s.Search)

	e.DELETE("/documents/:id", s.DeleteDocument)
}

func (s *Server) requestLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		s.log.Debug("http request",
			"method", c.Request().Method,
			"path", c.Path(),
			"status", c.Response().Status,
			"duration", time.Since(start))
		return err
	}
}

func errorJSON(c echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]any{"error": msg})
}

// fail maps service errors onto status codes.
func (s *Server) fail(c echo.Context, err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return errorJSON(c, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalid), errors.Is(err, domain.ErrConfig):
		return errorJSON(c, http.StatusBadRequest, err.Error())
	default:
		s.log.Error("request failed", "path", c.Path(), "err", err)
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 800*time.Millisecond)
	defer cancel()

	type sub struct {
		OK  bool   `json:"ok"`
		Err string `json:"err,omitempty"`
	}
	store := sub{OK: true}
	if s.ping != nil {
		if err := s.ping.Ping(ctx); err != nil {
			store = sub{Err: "ping: " + err.Error()}
		}
	}
	status := http.StatusOK
	if !store.OK {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, map[string]any{
		"status":     map[string]any{"ok": store.OK},
		"uptime_sec": int(time.Since(appStart).Seconds()),
		"checks":     map[string]any{"store": store},
		"time":       time.Now().Format(time.RFC3339),
	})
}

// ListModels returns the embedding models a knowledge base can use.
// API keys are never serialized.
func (s *Server) ListModels(c echo.Context) error {
	if s.models == nil {
		return c.JSON(http.StatusOK, []embedding.Model{})
	}
	return c.JSON(http.StatusOK, s.models.Models())
}

func (s *Server) ListKnowledgeBases(c echo.Context) error {
	kbs, err := s.svc.ListKnowledgeBases(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, kbs)
}

func (s *Server) CreateKnowledgeBase(c echo.Context) error {
	var req service.CreateParams
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid json: "+err.Error())
	}
	if strings.TrimSpace(req.Name) == "" {
		return errorJSON(c, http.StatusBadRequest, "name is required")
	}
	kb, err := s.svc.CreateKnowledgeBase(c.Request().Context(), req)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, kb)
}

func (s *Server) GetKnowledgeBase(c echo.Context) error {
	kb, err := s.svc.GetKnowledgeBase(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	if kb == nil {
		return errorJSON(c, http.StatusNotFound, "knowledge base not found")
	}
	return c.JSON(http.StatusOK, kb)
}

func (s *Server) UpdateKnowledgeBase(c echo.Context) error {
	var req service.UpdateParams
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid json: "+err.Error())
	}
	kb, err := s.svc.UpdateKnowledgeBase(c.Request().Context(), c.Param("id"), req)
	if err != nil {
		return s.fail(c, err)
	}
	if kb == nil {
		return errorJSON(c, http.StatusNotFound, "knowledge base not found")
	}
	return c.JSON(http.StatusOK, kb)
}

func (s *Server) DeleteKnowledgeBase(c echo.Context) error {
	ok, err := s.svc.DeleteKnowledgeBase(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	if !ok {
		return errorJSON(c, http.StatusInternalServerError, "delete failed")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) ListDocuments(c echo.Context) error {
	docs, err := s.svc.GetDocuments(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, docs)
}

type addDocumentReq struct {
	Content  string          `json:"content"`
	Metadata domain.Metadata `json:"metadata"`
}

func (s *Server) AddDocument(c echo.Context) error {
	var req addDocumentReq
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid json: "+err.Error())
	}
	if strings.TrimSpace(req.Content) == "" {
		return errorJSON(c, http.StatusBadRequest, "content is required")
	}
	docs, err := s.svc.AddDocument(c.Request().Context(), service.AddDocumentParams{
		KnowledgeBaseID: c.Param("id"),
		Content:         req.Content,
		Metadata:        req.Metadata,
	})
	if err != nil {
		return s.fail(c, err)
	}
	fallback := 0
	for _, d := range docs {
		if d.Fallback {
			fallback++
		}
	}
	return c.JSON(http.StatusCreated, map[string]any{"documents": docs, "count": len(docs), "fallback": fallback})
}

func (s *Server) DeleteDocument(c echo.Context) error {
	ok, err := s.svc.DeleteDocument(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	if !ok {
		return errorJSON(c, http.StatusNotFound, "document not found")
	}
	return c.NoContent(http.StatusNoContent)
}

type searchReq struct {
	Query     string   `json:"query"`
	Threshold *float64 `json:"threshold"`
	Limit     *int     `json:"limit"`
}

func (s *Server) Search(c echo.Context) error {
	var req searchReq
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid json: "+err.Error())
	}
	if q := c.QueryParam("q"); req.Query == "" && q != "" {
		req.Query = q
	}
	if v := c.QueryParam("limit"); v != "" && req.Limit == nil {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errorJSON(c, http.StatusBadRequest, "bad limit")
		}
		req.Limit = &n
	}
	if strings.TrimSpace(req.Query) == "" {
		return errorJSON(c, http.StatusBadRequest, "query is required")
	}
	resp, err := s.svc.Search(c.Request().Context(), service.SearchParams{
		KnowledgeBaseID: c.Param("id"),
		Query:           req.Query,
		Threshold:       req.Threshold,
		Limit:           req.Limit,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// Events streams lifecycle events as server-sent events until the client
// disconnects.
func (s *Server) Events(c echo.Context) error {
	if s.subs == nil {
		return errorJSON(c, http.StatusNotImplemented, "events are not enabled")
	}
	ch, stop := s.subs.Subscribe(64)
	defer stop()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			data, err := json.Marshal(e.Payload)
			if err != nil {
				s.log.Error("encode event", "event", e.Name, "err", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Name, data); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}
