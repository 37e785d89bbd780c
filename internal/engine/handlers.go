package engine

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/domainlens/internal/activity"
	"github.com/mbd888/domainlens/internal/aggregate"
	"github.com/mbd888/domainlens/internal/logging"
	"github.com/mbd888/domainlens/internal/pagination"
	"github.com/mbd888/domainlens/internal/session"
	"github.com/mbd888/domainlens/internal/urlx"
	"github.com/mbd888/domainlens/internal/validation"
)

// Handler provides HTTP endpoints for the classification engine.
type Handler struct {
	service *Service
}

// NewHandler creates a new engine handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the query and management routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/classify", h.Classify)
	r.GET("/tabs/:id/context", h.GetTabContext)
	r.GET("/domains", h.ListDomains)

	domains := r.Group("/domains/:domain")
	domains.Use(validation.DomainParamMiddleware())
	domains.GET("", h.GetDomain)
	domains.POST("/risk", h.RecomputeRisk)
	domains.PUT("/override", h.SetOverride)
}

// RegisterEventRoutes sets up the probe event routes. Callers put these
// behind the rate limiter.
func (h *Handler) RegisterEventRoutes(r *gin.RouterGroup) {
	r.POST("/events/navigation", h.Navigation)
	r.POST("/events/opener", h.Opener)
	r.POST("/events/dom", h.DOMSignal)
	r.DELETE("/tabs/:id", h.CloseTab)
}

// ClassifyContext is the caller-supplied context of a classify request.
type ClassifyContext struct {
	TabID      int64 `json:"tab_id"`
	VisitCount int   `json:"visit_count"`
	IsPinned   bool  `json:"is_pinned"`
}

// ClassifyBody is the body of POST /v1/classify.
type ClassifyBody struct {
	URL          string          `json:"url"`
	Signals      []string        `json:"signals"`
	Context      ClassifyContext `json:"context"`
	ActionDomain string          `json:"action_domain,omitempty"`
}

// NavigationBody is the body of POST /v1/events/navigation.
type NavigationBody struct {
	TabID     int64  `json:"tab_id"`
	URL       string `json:"url"`
	FrameID   int    `json:"frame_id"`
	EventKind string `json:"event_kind,omitempty"`
}

// OpenerBody is the body of POST /v1/events/opener.
type OpenerBody struct {
	NewTabID      int64 `json:"new_tab_id"`
	OpenerTabID   int64 `json:"opener_tab_id"`
	Authoritative bool  `json:"authoritative"`
}

// DOMBody is the body of POST /v1/events/dom.
type DOMBody struct {
	TabID          int64  `json:"tab_id"`
	URL            string `json:"url,omitempty"`
	Signal         string `json:"signal"`
	ActionDomain   string `json:"action_domain,omitempty"`
	ActionPathHash string `json:"action_path_hash,omitempty"`
}

// Classify handles POST /v1/classify
func (h *Handler) Classify(c *gin.Context) {
	var req ClassifyBody
	if !bindJSON(c, &req) {
		return
	}
	if !validate(c,
		validation.Required("url", req.URL),
		validation.MaxLength("url", req.URL, validation.MaxURLLength),
		validation.ValidSignals("signals", req.Signals),
	) {
		return
	}

	est, err := h.service.Classify(c.Request.Context(), ClassifyRequest{
		URL:          req.URL,
		Signals:      req.Signals,
		TabID:        session.TabID(req.Context.TabID),
		VisitCount:   req.Context.VisitCount,
		Pinned:       req.Context.IsPinned,
		ActionDomain: req.ActionDomain,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"estimation": est})
}

// Navigation handles POST /v1/events/navigation
func (h *Handler) Navigation(c *gin.Context) {
	var req NavigationBody
	if !bindJSON(c, &req) {
		return
	}
	if !validate(c,
		validation.Required("url", req.URL),
		validation.MaxLength("url", req.URL, validation.MaxURLLength),
		validation.ValidTabID("tab_id", req.TabID),
	) {
		return
	}

	est, err := h.service.HandleNavigation(c.Request.Context(), NavigationEvent{
		TabID:   session.TabID(req.TabID),
		URL:     req.URL,
		FrameID: req.FrameID,
		Kind:    session.EventKind(req.EventKind),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"estimation": est})
}

// Opener handles POST /v1/events/opener
func (h *Handler) Opener(c *gin.Context) {
	var req OpenerBody
	if !bindJSON(c, &req) {
		return
	}
	if !validate(c,
		validation.ValidTabID("new_tab_id", req.NewTabID),
		validation.ValidTabID("opener_tab_id", req.OpenerTabID),
	) {
		return
	}

	linked, err := h.service.HandleOpener(c.Request.Context(), OpenerEvent{
		TabID:         session.TabID(req.NewTabID),
		OpenerTabID:   session.TabID(req.OpenerTabID),
		Authoritative: req.Authoritative,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"linked": linked})
}

// DOMSignal handles POST /v1/events/dom
func (h *Handler) DOMSignal(c *gin.Context) {
	var req DOMBody
	if !bindJSON(c, &req) {
		return
	}
	if !validate(c,
		validation.ValidTabID("tab_id", req.TabID),
		validation.Required("signal", req.Signal),
		validation.MaxLength("url", req.URL, validation.MaxURLLength),
		validation.ValidDigest("action_path_hash", req.ActionPathHash),
	) {
		return
	}

	est, err := h.service.HandleDOMSignal(c.Request.Context(), DOMEvent{
		TabID:          session.TabID(req.TabID),
		URL:            req.URL,
		Signal:         req.Signal,
		ActionDomain:   req.ActionDomain,
		ActionPathHash: req.ActionPathHash,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"estimation": est})
}

// CloseTab handles DELETE /v1/tabs/:id
func (h *Handler) CloseTab(c *gin.Context) {
	tab, ok := tabParam(c)
	if !ok {
		return
	}
	if err := h.service.HandleTabClosed(c.Request.Context(), tab); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"closed": true})
}

// GetTabContext handles GET /v1/tabs/:id/context
func (h *Handler) GetTabContext(c *gin.Context) {
	tab, ok := tabParam(c)
	if !ok {
		return
	}
	root, events := h.service.TabContext(tab)
	if events == nil {
		events = []session.Event{}
	}
	c.JSON(http.StatusOK, gin.H{
		"tab_id":     tab,
		"context_id": root,
		"events":     events,
	})
}

// ListDomains handles GET /v1/domains?limit=&cursor=
func (h *Handler) ListDomains(c *gin.Context) {
	limit, err := pagination.ParseLimit(c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_limit",
			"message": "limit must be a positive integer",
		})
		return
	}
	after, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is malformed",
		})
		return
	}

	domains, err := h.service.Domains(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	page, next := pagination.Page(domains, after, limit, func(d string) string { return d })
	if page == nil {
		page = []string{}
	}
	resp := gin.H{"domains": page, "count": len(page), "has_more": next != ""}
	if next != "" {
		resp["next_cursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// GetDomain handles GET /v1/domains/:domain
func (h *Handler) GetDomain(c *gin.Context) {
	view, err := h.service.Domain(c.Request.Context(), c.GetString("domain"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"domain": view})
}

// RecomputeRisk handles POST /v1/domains/:domain/risk
func (h *Handler) RecomputeRisk(c *gin.Context) {
	rec, err := h.service.RecomputeRisk(c.Request.Context(), c.GetString("domain"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"risk": rec})
}

// SetOverride handles PUT /v1/domains/:domain/override
func (h *Handler) SetOverride(c *gin.Context) {
	var req activity.Override
	if !bindJSON(c, &req) {
		return
	}
	rec, err := h.service.SetOverride(c.Request.Context(), c.GetString("domain"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"override": req, "risk": rec})
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return false
	}
	return true
}

func validate(c *gin.Context, validators ...func() *validation.ValidationError) bool {
	errs := validation.Validate(validators...)
	if len(errs) == 0 {
		return true
	}
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
	return false
}

func tabParam(c *gin.Context) (session.TabID, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_tab",
			"message": "tab id must be a positive integer",
		})
		return session.NoTab, false
	}
	return session.TabID(id), true
}

// errorStatus maps engine errors onto an HTTP status and error code.
var errorStatus = []struct {
	err    error
	status int
	code   string
}{
	{ErrInvalidTab, http.StatusBadRequest, "invalid_tab"},
	{ErrInvalidCategory, http.StatusBadRequest, "invalid_category"},
	{urlx.ErrInvalidURL, http.StatusUnprocessableEntity, "invalid_url"},
	{ErrMalformedEvent, http.StatusUnprocessableEntity, "malformed_event"},
	{aggregate.ErrNotFound, http.StatusNotFound, "not_found"},
	{ErrQueueFull, http.StatusServiceUnavailable, "queue_full"},
	{ErrQueueClosed, http.StatusServiceUnavailable, "shutting_down"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
}

func writeError(c *gin.Context, err error) {
	if errors.Is(err, ErrIgnored) {
		c.JSON(http.StatusAccepted, gin.H{"ignored": true})
		return
	}
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			if e.status == http.StatusServiceUnavailable {
				c.Header("Retry-After", "1")
			}
			c.JSON(e.status, gin.H{
				"error":   e.code,
				"message": err.Error(),
			})
			return
		}
	}
	logging.L(c.Request.Context()).Error("engine request failed",
		"path", c.FullPath(),
		"error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Failed to process request",
	})
}
