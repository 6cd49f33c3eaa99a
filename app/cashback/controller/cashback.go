package controller

import (
	"net/http"
	"strings"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/mux"
	ctypes "github.com/socialtag/cashback/app/cashback/controller/types"
	"github.com/socialtag/cashback/pkg/rewards"
	"go.uber.org/zap"
)

// targetUser resolves which user a request acts on. Users may only act on themselves.
func targetUser(p Principal, requested string) (string, bool) {
	requested = strings.TrimSpace(requested)
	if p.Admin {
		return requested, requested != ""
	}
	if requested != "" && requested != p.Subject {
		return "", false
	}
	return p.Subject, true
}

// HandleRegister enrolls the caller and snapshots their transfer history.
func (c *Controller) HandleRegister(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())

	var in ctypes.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	userID, ok := targetUser(p, in.UserID)
	if !ok {
		if p.Admin {
			writeError(w, http.StatusBadRequest, "userId is required")
		} else {
			writeError(w, http.StatusForbidden, "forbidden")
		}
		return
	}

	n, err := c.App.Registrar.Register(r.Context(), userID, in.SourceAddress, in.RewardAddress)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			c.App.Logger.Error("Registration failed", zap.String("user_id", userID), zap.Error(err))
		}
		writeError(w, status, err.Error())
		return
	}
	if c.App.OptIn != nil {
		c.App.OptIn.Forget(strings.TrimSpace(in.RewardAddress))
	}
	writeJSON(w, http.StatusCreated, ctypes.RegisterResponse{UserID: userID, BackfillCount: n})
}

// HandleUnregister removes the caller's registration and ledger.
func (c *Controller) HandleUnregister(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	userID, ok := targetUser(p, r.URL.Query().Get("userId"))
	if !ok {
		if p.Admin {
			writeError(w, http.StatusBadRequest, "userId is required")
		} else {
			writeError(w, http.StatusForbidden, "forbidden")
		}
		return
	}

	if err := c.App.Registrar.Unregister(r.Context(), userID); err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			c.App.Logger.Error("Unregister failed", zap.String("user_id", userID), zap.Error(err))
		}
		writeError(w, status, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRewards returns the user's registration, ledger and paid totals.
func (c *Controller) HandleRewards(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	userID, ok := targetUser(p, mux.Vars(r)["userId"])
	if !ok {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	user, err := c.App.Registrar.GetUser(r.Context(), userID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	ledger, err := c.App.Registrar.GetLedger(r.Context(), userID)
	if err != nil {
		c.App.Logger.Error("Failed to load ledger", zap.String("user_id", userID), zap.Error(err))
		writeError(w, statusFor(err), "could not load ledger")
		return
	}

	out := ctypes.RewardsResponse{
		UserID:        user.UserID,
		Registered:    user.Registered(),
		SourceAddress: user.SourceAddress,
		RewardAddress: user.RewardAddress,
		Totals:        map[string]uint64{},
		Entries:       ledger,
	}
	if !user.LastProcessedAt.IsZero() {
		out.LastProcessedAt = &user.LastProcessedAt
	}
	if !user.RegisteredAt.IsZero() {
		out.RegisteredAt = &user.RegisteredAt
	}
	if out.Entries == nil {
		out.Entries = []rewards.LedgerEntry{}
	}
	for _, e := range ledger {
		if !e.Processed {
			out.Pending++
			continue
		}
		for _, it := range e.RewardLineItems {
			out.Totals[it.Pool] += it.Amount
		}
	}
	writeJSON(w, http.StatusOK, out)
}
