// Package httpapi implements the HTTP boot-dispatch surface (C5): the
// `/api/v1/next`, `/api/v1/report`, `/api/v1/menus/*.ipxe`, and
// partition/disk-scan endpoints named in spec.md §6, routed with
// gin-gonic/gin the way hegel/hegel.go wires its own frontends.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pureboot/pureboot/internal/agentchannel"
	"github.com/pureboot/pureboot/internal/approvalsvc"
	"github.com/pureboot/pureboot/internal/arbiter"
	"github.com/pureboot/pureboot/internal/bootproto/menu"
	"github.com/pureboot/pureboot/internal/data"
	"github.com/pureboot/pureboot/internal/decision"
	"github.com/pureboot/pureboot/internal/engineerr"
	"github.com/pureboot/pureboot/internal/identity"
)

// API wires the Identity Resolver, Decision Engine, Agent Channel,
// Concurrency Arbiter's request dedup, and Approval Gate's vote surface
// into gin routes.
type API struct {
	Identity  *identity.Resolver
	Decision  *decision.Engine
	Channel   *agentchannel.Channel
	Arbiter   *arbiter.Arbiter
	Approvals approvalsvc.ApprovalService
	Log       logr.Logger
	StartTime time.Time
}

// Router builds the gin engine. Gin's own panic recovery is kept; request
// logging is bridged through go-logr, matching hegel.Config.Start's
// middleware stack.
func (a *API) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), a.logging())

	r.GET("/healthz", a.handleHealthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	v1.GET("/next", a.handleNext)
	v1.POST("/report", a.handleReport)
	v1.GET("/menus/:nodeID", a.handleMenu)
	v1.POST("/nodes/:id/disks/report", a.handleDiskScanSubmit)
	v1.GET("/nodes/:id/disks/report", a.handleDiskScanGet)
	v1.POST("/nodes/:id/disks/:device/operations", a.handlePartitionOpsCreate)
	v1.GET("/nodes/:id/disks/:device/operations", a.handlePartitionOpsList)
	v1.POST("/nodes/:id/partition-operations/:opID/status", a.handlePartitionOpStatus)
	v1.POST("/approvals/:id/vote", a.handleApprovalVote)

	return r
}

func (a *API) logging() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.Log.V(1).Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// handleHealthz reports uptime and goroutine count, the same shape
// pkg/http/handler.go's HealthCheck encodes (minus a build revision this
// module has no equivalent of).
func (a *API) handleHealthz(c *gin.Context) {
	res := struct {
		UptimeSeconds string `json:"uptime_seconds"`
		Goroutines    int    `json:"goroutines"`
	}{
		UptimeSeconds: fmt.Sprintf("%.2f", time.Since(a.StartTime).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
	}
	c.Header("Content-Type", "application/json")
	if err := json.NewEncoder(c.Writer).Encode(&res); err != nil {
		a.Log.Error(err, "httpapi: failed to encode healthz response")
	}
}

// bootDecisionResponse mirrors spec.md §6's `/next` response shape.
type bootDecisionResponse struct {
	Decision  decision.Kind       `json:"decision"`
	Artifacts []artifactResponse  `json:"artifacts,omitempty"`
	Cmdline   string              `json:"cmdline,omitempty"`
	SessionID string              `json:"session_id,omitempty"`
	Reason    string              `json:"reason,omitempty"`
}

type artifactResponse struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

func toResponse(d decision.Decision) bootDecisionResponse {
	resp := bootDecisionResponse{
		Decision:  d.Kind,
		Cmdline:   d.Cmdline,
		SessionID: d.SessionID,
		Reason:    d.Reason,
	}
	for _, art := range d.Artifacts {
		resp.Artifacts = append(resp.Artifacts, artifactResponse{Name: art.Name, URL: art.URL})
	}
	return resp
}

// handleNext implements `GET /api/v1/next?mac={mac}`. Identical requests for
// the same node within the dedup window get byte-identical responses
// (spec.md §5, Testable Property 6) via arbiter.Arbiter.Dedup, keyed on the
// resolved node id so it coalesces regardless of MAC casing/delimiter form.
func (a *API) handleNext(c *gin.Context) {
	mac := c.Query("mac")
	piSerial := c.Query("pi_serial")
	archHint := data.Arch(c.Query("arch"))
	fwHint := data.Firmware(c.Query("firmware"))

	n, err := a.Identity.Resolve(c.Request.Context(), identity.Request{
		MAC:          mac,
		PiSerial:     piSerial,
		ArchHint:     archHint,
		FirmwareHint: fwHint,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	v, err := a.Arbiter.Dedup("next:"+n.ID, func() (any, error) {
		return a.Decision.Decide(c.Request.Context(), n.ID)
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, toResponse(v.(decision.Decision)))
}

// handleMenu implements `GET /api/v1/menus/{node-id}.ipxe`: a deterministic
// rendering of the same decision handleNext would return, as an iPXE
// script body rather than JSON.
func (a *API) handleMenu(c *gin.Context) {
	nodeID := strings.TrimSuffix(c.Param("nodeID"), ".ipxe")
	d, err := a.Decision.Decide(c.Request.Context(), nodeID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", menu.RenderIPXE(nodeID, d))
}

type reportRequest struct {
	SessionID string             `json:"session_id" binding:"required"`
	Ordinal   int                `json:"ordinal"`
	Kind      agentchannel.ReportKind `json:"kind" binding:"required"`
	Sequence  uint64             `json:"sequence"`
	ReportID  string             `json:"report_id" binding:"required"`
}

// handleReport implements `POST /api/v1/report`, multiplexing progress,
// completion, and failure reports onto agentchannel.Channel.Report
// (spec.md §4.6).
func (a *API) handleReport(c *gin.Context) {
	var req reportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := a.Channel.Report(c.Request.Context(), agentchannel.Report{
		SessionID: req.SessionID,
		Ordinal:   req.Ordinal,
		Kind:      req.Kind,
		Sequence:  req.Sequence,
		ReportID:  req.ReportID,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) handleDiskScanSubmit(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.Channel.SubmitDiskScan(c.Request.Context(), c.Param("id"), body); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) handleDiskScanGet(c *gin.Context) {
	report, err := a.Channel.GetDiskScan(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", report)
}

type partitionOpRequest struct {
	Type   data.PartitionOpType `json:"type" binding:"required"`
	Params map[string]string    `json:"params,omitempty"`
}

func (a *API) handlePartitionOpsCreate(c *gin.Context) {
	var reqs []partitionOpRequest
	if err := c.ShouldBindJSON(&reqs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ops := make([]data.PartitionOperation, 0, len(reqs))
	for _, r := range reqs {
		ops = append(ops, data.PartitionOperation{Type: r.Type, Params: r.Params})
	}

	created, err := a.Channel.RequestPartitionOperations(c.Request.Context(), c.Param("id"), c.Param("device"), ops)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (a *API) handlePartitionOpsList(c *gin.Context) {
	ops, err := a.Channel.PartitionOperations(c.Request.Context(), c.Param("id"), c.Param("device"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ops)
}

func (a *API) handlePartitionOpStatus(c *gin.Context) {
	status := data.PartitionOpStatus(c.Query("status"))
	if status == "" {
		var body struct {
			Status data.PartitionOpStatus `json:"status" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		status = body.Status
	}
	if err := a.Channel.ReportOperationStatus(c.Request.Context(), c.Param("opID"), status); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type approvalVoteRequest struct {
	Voter   string `json:"voter" binding:"required"`
	Approve bool   `json:"approve"`
	Comment string `json:"comment,omitempty"`
}

// handleApprovalVote implements `POST /api/v1/approvals/:id/vote`
// (spec.md §8 S3): an admin casts a vote on a pending gated-transition
// approval. approvalsvc.ErrSelfVote is translated to
// engineerr.ErrSelfApprovalForbidden here, at the transport boundary,
// since approvalsvc's own error set is package-local and not part of the
// engine's closed error-kind set (spec.md §7).
func (a *API) handleApprovalVote(c *gin.Context) {
	var req approvalVoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	approval, err := a.Approvals.Vote(c.Request.Context(), c.Param("id"), req.Voter, req.Approve, req.Comment)
	if err != nil {
		switch {
		case errors.Is(err, approvalsvc.ErrSelfVote):
			writeError(c, fmt.Errorf("%w: %v", engineerr.ErrSelfApprovalForbidden, err))
		case errors.Is(err, approvalsvc.ErrNotFound):
			writeError(c, fmt.Errorf("%w: %v", engineerr.ErrUnknownNode, err))
		case errors.Is(err, approvalsvc.ErrAlreadyResolved):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			writeError(c, err)
		}
		return
	}
	c.JSON(http.StatusOK, approval)
}

// writeError maps the engine's closed error-kind set (spec.md §7) onto HTTP
// status codes.
func writeError(c *gin.Context, err error) {
	var rej *engineerr.Rejected
	var approvalPending *engineerr.RequiresApproval

	switch {
	case errors.As(err, &rej):
		c.JSON(http.StatusConflict, gin.H{"error": rej.Error()})
	case errors.As(err, &approvalPending):
		c.JSON(http.StatusAccepted, gin.H{"error": approvalPending.Error(), "approval_id": approvalPending.ApprovalID})
	case errors.Is(err, engineerr.ErrMalformedRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, engineerr.ErrUnknownNode):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, engineerr.ErrSelfApprovalForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, engineerr.ErrBusy):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, engineerr.ErrTemplateError):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, engineerr.ErrStoreUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
