package controller

import (
	"net/http"

	"go.uber.org/zap"
)

// HandleHealth reports liveness plus the state of the sweep scheduler.
func (c *Controller) HandleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if err := c.App.Ready(r.Context()); err != nil {
		body["status"] = "degraded"
		body["error"] = err.Error()
	}
	if c.App.Scheduler != nil {
		if last, ok := c.App.Scheduler.LastResult(); ok {
			body["lastSweep"] = last.FinishedAt
			body["lastSweepFailed"] = last.Failed
		}
		body["inFlight"] = len(c.App.Scheduler.InFlight())
	}
	writeJSON(w, http.StatusOK, body)
}

func (c *Controller) HandleAlive(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (c *Controller) HandleReady(w http.ResponseWriter, r *http.Request) {
	if err := c.App.Ready(r.Context()); err != nil {
		c.App.Logger.Warn("Not ready", zap.Error(err))
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}
