// Package health serves the liveness and readiness probes.
//
// /healthz answers 200 while the process can serve HTTP. /readyz answers 200
// only when every registered Checker passes; failures are logged and reported
// by name without detail.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"voice-platform/pkg/logger"
)

const checkTimeout = 3 * time.Second

// Checker probes one dependency (database, redis).
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

type Handler struct {
	checkers []Checker
}

func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, result{Status: "ok"})
}

func (h *Handler) Readyz(c *gin.Context) {
	log := logger.FromGin(c)
	res := result{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	status := http.StatusOK

	for _, chk := range h.checkers {
		ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
		err := chk.Check(ctx)
		cancel()
		if err != nil {
			log.Warn("readiness check failed", "check", chk.Name, "err", err)
			res.Checks[chk.Name] = "fail"
			res.Status = "fail"
			status = http.StatusServiceUnavailable
			continue
		}
		res.Checks[chk.Name] = "ok"
	}
	c.JSON(status, res)
}

// Register mounts both probes on r.
func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/healthz", h.Healthz)
	r.GET("/readyz", h.Readyz)
}
