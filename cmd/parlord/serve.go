package main

import (
	"log"
	"net/http"

	"github.com/spf13/cobra"

	"parlor/games"
	"parlor/internal/auth"
	"parlor/internal/gateway"
	"parlor/internal/lobby"
	"parlor/internal/rating"
	"parlor/internal/store"
)

// newServeCmd creates the "parlord serve" subcommand.
func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the lobby server",
		Long: `Starts the websocket gateway and HTTP API. Storage is selected by
STORE_MODE (memory, sqlite, postgres) and authentication by AUTH_MODE
(open, local).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, storeMode, err := store.NewFromEnv()
			if err != nil {
				return err
			}
			defer st.Close()

			authService, authMode, err := auth.NewServiceFromEnv(st)
			if err != nil {
				return err
			}

			lby := lobby.New(st, rating.NewService(st))
			lby.RegisterService(games.Brownie())
			lby.RegisterService(games.Guess())

			gw := gateway.New(lby, authService)
			mux := http.NewServeMux()
			gw.RegisterRoutes(mux)
			mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("ok"))
			})

			log.Printf("[Server] Store mode: %s", storeMode)
			log.Printf("[Server] Auth mode: %s", authMode)
			log.Printf("[Server] Starting on %s", addr)
			return http.ListenAndServe(addr, mux)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	return cmd
}
