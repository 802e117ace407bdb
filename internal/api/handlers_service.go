package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nebula/svcbridge/internal/output"
	"github.com/nebula/svcbridge/internal/service"
)

// Services is what the HTTP surface needs from the supervisor
type Services interface {
	List(ctx context.Context) ([]output.ServiceStatus, error)
	Info(ctx context.Context, name string) (output.ServiceInfo, error)
	Targets(names []string, all bool) ([]service.Descriptor, error)
	Do(ctx context.Context, verb string, d service.Descriptor, opts service.Options) (service.Outcome, error)
	Cleanup(ctx context.Context) (service.Report, error)
}

// ServiceHandler handles service endpoints
type ServiceHandler struct {
	services Services

	// mu keeps verbs sequential inside the server process
	mu sync.Mutex
}

// NewServiceHandler creates a new service handler
func NewServiceHandler(services Services) *ServiceHandler {
	return &ServiceHandler{services: services}
}

// verbRequest is the optional JSON body of a verb request
type verbRequest struct {
	File        string `json:"file"`
	ServiceUser string `json:"service_user"`
	NoWait      bool   `json:"no_wait"`
	MaxWait     string `json:"max_wait"`
}

func (r verbRequest) options() (service.Options, error) {
	opts := service.Options{File: r.File, ServiceUser: r.ServiceUser, NoWait: r.NoWait}
	if r.MaxWait != "" {
		d, err := time.ParseDuration(r.MaxWait)
		if err != nil {
			return opts, err
		}
		opts.MaxWait = &d
	}
	return opts, nil
}

// List returns the status of every installed service
func (h *ServiceHandler) List(c *gin.Context) {
	services, err := h.services.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, services)
}

// Get returns detailed information about one service
func (h *ServiceHandler) Get(c *gin.Context) {
	info, err := h.services.Info(c.Request.Context(), c.Param("name"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

// Start installs and starts a service
func (h *ServiceHandler) Start(c *gin.Context) { h.verb(c, service.VerbStart) }

// Stop stops a service and removes its installed definition
func (h *ServiceHandler) Stop(c *gin.Context) { h.verb(c, service.VerbStop) }

// Run starts a service without registering it for autostart
func (h *ServiceHandler) Run(c *gin.Context) { h.verb(c, service.VerbRun) }

// Restart stops and starts a service
func (h *ServiceHandler) Restart(c *gin.Context) { h.verb(c, service.VerbRestart) }

// Kill signals a service's running process
func (h *ServiceHandler) Kill(c *gin.Context) { h.verb(c, service.VerbKill) }

func (h *ServiceHandler) verb(c *gin.Context, verb string) {
	var req verbRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	opts, err := req.options()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid max_wait: " + err.Error()})
		return
	}

	targets, err := h.services.Targets([]string{c.Param("name")}, false)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	out, err := h.services.Do(c.Request.Context(), verb, targets[0], opts)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, out)
	case service.IsWarning(err):
		out.Warnings = append(out.Warnings, err.Error())
		c.JSON(http.StatusOK, out)
	default:
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "warnings": out.Warnings})
	}
}

// Cleanup runs the reconciliation sweep
func (h *ServiceHandler) Cleanup(c *gin.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	report, err := h.services.Cleanup(c.Request.Context())
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

// statusFor maps lifecycle errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrNotInstalled):
		return http.StatusNotFound
	case errors.Is(err, service.ErrAlreadyStarted),
		errors.Is(err, service.ErrNotRunning),
		errors.Is(err, service.ErrKeepAlive),
		errors.Is(err, service.ErrOwnershipConflict),
		errors.Is(err, service.ErrPrivilegedRun):
		return http.StatusConflict
	case errors.Is(err, service.ErrOverrideMissing),
		errors.Is(err, service.ErrNoDefinition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrBusy):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
