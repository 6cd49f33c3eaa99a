package cashback

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/socialtag/cashback/app/cashback/controller"
	"github.com/socialtag/cashback/app/cashback/types"
	"github.com/socialtag/cashback/pkg/utils"
)

// NewServer builds the HTTP server on app.Server.
func NewServer(app *types.App) error {
	ctler := controller.NewController(app)
	router, err := ctler.NewRouter()
	if err != nil {
		return err
	}

	// use <ip>:<port> to bind to a specific interface or :<port> to bind to all interfaces
	addr := utils.Env("ADDR", ":3000")

	app.Server = &http.Server{
		Addr:              addr,
		Handler:           controller.WithCORS(router),
		ReadHeaderTimeout: 10 * time.Second,
	}
	app.Logger.Info("Starting server", zap.String("addr", addr))

	return nil
}
