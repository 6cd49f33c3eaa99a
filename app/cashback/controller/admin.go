package controller

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-jose/go-jose/v4/json"
	ctypes "github.com/socialtag/cashback/app/cashback/controller/types"
	"github.com/socialtag/cashback/pkg/rewards"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// HandleAdminLogin handles admin login
func (c *Controller) HandleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var in ctypes.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	u, ok := c.Users[in.Username]
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword(u.Hash, []byte(in.Password)); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	role := u.Role
	if role == "" {
		role = roleAdmin
	}
	if err := c.IssueSession(w, in.Username, role); err != nil {
		writeError(w, http.StatusInternalServerError, "could not issue session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "1"})
}

// HandleAdminLogout handles admin logout
func (c *Controller) HandleAdminLogout(w http.ResponseWriter, _ *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
	})
	w.WriteHeader(http.StatusNoContent)
}

// HandleSweep runs a sweep now and returns its result. The sweep outlives the request.
func (c *Controller) HandleSweep(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	c.App.Logger.Info("Manual sweep requested", zap.String("by", p.Subject))

	res := c.App.SweepNow(context.WithoutCancel(r.Context()))
	if res.Skipped {
		writeJSON(w, http.StatusConflict, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (c *Controller) HandleLastSweep(w http.ResponseWriter, _ *http.Request) {
	res, ok := c.App.Scheduler.LastResult()
	if !ok {
		writeError(w, http.StatusNotFound, "no sweep has run yet")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleSweepHistory lists published sweep summaries, newest first.
func (c *Controller) HandleSweepHistory(w http.ResponseWriter, r *http.Request) {
	limit := int64(20)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if n > 200 {
			n = 200
		}
		limit = n
	}
	history, err := c.App.SweepHistory(r.Context(), limit)
	if err != nil {
		c.App.Logger.Warn("Failed to read sweep history", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "sweep history unavailable")
		return
	}
	if history == nil {
		history = []map[string]interface{}{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sweeps": history, "inFlight": c.App.Scheduler.InFlight()})
}

// HandlePools reports each configured pool and how much of its cap is spent.
func (c *Controller) HandlePools(w http.ResponseWriter, r *http.Request) {
	stats, err := c.App.Store.GetPoolStatistics(r.Context())
	if err != nil {
		c.App.Logger.Error("Failed to load pool statistics", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load pool statistics")
		return
	}
	distributed := rewards.DistributedByPool(stats)

	out := make([]ctypes.PoolResponse, 0, len(c.App.Config.Pools))
	for _, p := range c.App.Config.Pools {
		spent := distributed[p.Token]
		var remaining uint64
		if spent < p.TotalCap {
			remaining = p.TotalCap - spent
		}
		out = append(out, ctypes.PoolResponse{
			Pool:             p.Token,
			AssetID:          p.AssetID,
			Rate:             p.RatePerSourceUnit.String(),
			TotalCap:         p.TotalCap,
			DistributedTotal: spent,
			Remaining:        remaining,
			CapEnforced:      c.App.Config.EnforcePoolCaps,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
