package controller

import (
	"errors"
	"net/http"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	ctypes "github.com/socialtag/cashback/app/cashback/controller/types"
	"github.com/socialtag/cashback/app/cashback/types"
	"github.com/socialtag/cashback/pkg/rewards"
	"github.com/socialtag/cashback/pkg/utils"
)

type Controller struct {
	App        *types.App
	AdminToken string
	Users      map[string]ctypes.User
	JWTSecret  []byte
}

// NewController returns a new controller.
func NewController(app *types.App) *Controller {
	adminToken := utils.Env("ADMIN_TOKEN", "devtoken")
	adminUser := utils.Env("ADMIN_USER", "admin")
	adminUsersJSON := utils.Env("ADMIN_USERS", "")
	adminPass := utils.Env("ADMIN_PASSWORD", "admin")
	jwtSecret := []byte(utils.Env("SESSION_SECRET", "change-me-please"))

	phash, _ := utils.HashOrRead(adminPass)
	users := map[string]ctypes.User{}
	users[adminUser] = ctypes.User{Username: adminUser, Hash: phash, Role: roleAdmin}
	if adminUsersJSON != "" {
		_ = json.Unmarshal([]byte(adminUsersJSON), &users)
	}

	return &Controller{
		App:        app,
		AdminToken: adminToken,
		Users:      users,
		JWTSecret:  jwtSecret,
	}
}

// WithCORS is a middleware that adds CORS headers to the response.
func WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", http.MethodGet+", "+http.MethodPost+", "+http.MethodDelete+", "+http.MethodOptions)

		// Fast-path the preflight
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// NewRouter returns a new router with all the routes defined in this file.
func (c *Controller) NewRouter() (*mux.Router, error) {
	r := mux.NewRouter()

	r.Handle("/api/health", http.HandlerFunc(c.HandleHealth)).Methods(http.MethodGet)
	r.Handle("/healthz", http.HandlerFunc(c.HandleAlive)).Methods(http.MethodGet)
	r.Handle("/readyz", http.HandlerFunc(c.HandleReady)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/api/auth/login", c.HandleAdminLogin).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/logout", c.HandleAdminLogout).Methods(http.MethodPost)

	// user routes act on the session's subject; admins may name any user
	r.Handle("/api/cashback/register", c.RequireAuth(http.HandlerFunc(c.HandleRegister))).Methods(http.MethodPost)
	r.Handle("/api/cashback/register", c.RequireAuth(http.HandlerFunc(c.HandleUnregister))).Methods(http.MethodDelete)
	r.Handle("/api/cashback/rewards/{userId}", c.RequireAuth(http.HandlerFunc(c.HandleRewards))).Methods(http.MethodGet)

	r.Handle("/api/admin/sweep", c.RequireAdmin(http.HandlerFunc(c.HandleSweep))).Methods(http.MethodPost)
	r.Handle("/api/admin/sweep/last", c.RequireAdmin(http.HandlerFunc(c.HandleLastSweep))).Methods(http.MethodGet)
	r.Handle("/api/admin/sweep/history", c.RequireAdmin(http.HandlerFunc(c.HandleSweepHistory))).Methods(http.MethodGet)
	r.Handle("/api/admin/pools", c.RequireAdmin(http.HandlerFunc(c.HandlePools))).Methods(http.MethodGet)

	return r, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps rewards errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, rewards.ErrMissingUserID), errors.Is(err, rewards.ErrInvalidAddress):
		return http.StatusBadRequest
	case errors.Is(err, rewards.ErrAlreadyRegistered):
		return http.StatusConflict
	case errors.Is(err, rewards.ErrUserNotFound), errors.Is(err, rewards.ErrNotRegistered):
		return http.StatusNotFound
	case rewards.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
