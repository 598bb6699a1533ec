package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"orbita/internal/app"
	"orbita/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var requireAuth, devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, websocket and SSE streams",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := app.Bootstrap(ctx, app.Options{
				Workspace: viper.GetString("workspace"),
				LogMode:   viper.GetString("log-mode"),
			})
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("addr") {
				addr = rt.Config.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") {
				basePath = rt.Config.Server.BasePath
			}
			if !cmd.Flags().Changed("require-auth") {
				requireAuth = rt.Config.Auth.RequireAuth
			}
			secret := viper.GetString("jwt-secret")
			if requireAuth && secret == "" && !rt.Engine.Persistent() {
				rt.Log.Warn("auth required but neither ORBITA_JWT_SECRET nor API keys are available; control routes will reject every call")
			}

			handler, err := server.New(server.Config{
				Engine:   rt.Engine,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:     secret,
					RequireAuth:   requireAuth,
					AllowDevLogin: devLogin,
				},
				Log: rt.Log,
			})
			if err != nil {
				rt.Close()
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				err := rt.Engine.Run(gctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
				defer done()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				rt.Log.Info("listening", "addr", addr, "base_path", basePath, "require_auth", requireAuth, "persistence", rt.Engine.Persistent())
				fmt.Printf("ORBITA listening on http://%s%s (docs at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				cancel()
				return nil
			})
			runErr := g.Wait()
			return errors.Join(runErr, rt.Close())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8000", "listen address (config server.addr when unset)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "URL prefix for every route")
	cmd.Flags().BoolVar(&requireAuth, "require-auth", false, "require a bearer token or API key for control routes")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login (local development only)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}
