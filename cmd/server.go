/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caddyserver/certmagic"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/posthog/posthog-go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/blnkfinance/settle/api"
	"github.com/blnkfinance/settle/config"
	"github.com/blnkfinance/settle/internal/search"
	trace "github.com/blnkfinance/settle/internal/traces"
)

/*
newServer builds the HTTP server for the router. With SSL enabled CertMagic
manages the certificate for the configured domain, or localhost when none is set.
*/
func newServer(ctx context.Context, r *gin.Engine, conf config.ServerConfig) (*http.Server, error) {
	server := &http.Server{
		Addr:              ":" + conf.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if !conf.SSL {
		return server, nil
	}

	certmagic.DefaultACME.Agreed = true
	certmagic.DefaultACME.Email = conf.Email
	cfg := certmagic.NewDefault()
	cfg.Storage = &certmagic.FileStorage{Path: "./certmagic"}

	domains := []string{conf.Domain}
	if conf.Domain == "" {
		log.Println("No domain specified, defaulting to localhost")
		domains = []string{"localhost"}
	}
	if err := cfg.ManageSync(ctx, domains); err != nil {
		return nil, err
	}
	server.TLSConfig = cfg.TLSConfig()
	return server, nil
}

// sendHeartbeat reports a liveness event to PostHog every five minutes.
func sendHeartbeat(ctx context.Context, client posthog.Client, heartbeatID string) {
	ticker := time.NewTicker(5 * time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := client.Enqueue(posthog.Capture{
					DistinctId: heartbeatID,
					Event:      "server_heartbeat",
					Properties: map[string]interface{}{
						"timestamp": time.Now().UTC(),
					},
				}); err != nil {
					log.Printf("Failed to send heartbeat: %v", err)
				}
			}
		}
	}()
}

func initializeRouter(s *settleInstance) (*gin.Engine, error) {
	a := api.NewAPI(s.settle)
	if a == nil {
		return nil, errors.New("failed to build api: configuration not loaded")
	}
	return a.Router(), nil
}

func initializeTracing(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	shutdown, err := trace.SetupOTelSDK(ctx, serviceName)
	if err != nil {
		return nil, fmt.Errorf("error setting up OTel SDK: %v", err)
	}
	return shutdown, nil
}

// initializeTypeSense creates the search collections and applies any schema
// fields added since they were created.
func initializeTypeSense(ctx context.Context, cfg *config.Configuration) error {
	if cfg.TypeSense.Dns == "" {
		logrus.Info("typesense not configured, search is disabled")
		return nil
	}
	client := search.NewTypesenseClient(cfg.TypeSenseKey, []string{cfg.TypeSense.Dns})
	if err := client.EnsureCollectionsExist(ctx); err != nil {
		return fmt.Errorf("failed to ensure collections exist: %v", err)
	}
	for _, c := range search.Collections() {
		if err := client.MigrateTypeSenseSchema(ctx, c); err != nil {
			return fmt.Errorf("failed to migrate typesense schema: %v", err)
		}
	}
	return nil
}

func initializePostHog(ctx context.Context, key string) posthog.Client {
	if key == "" {
		return nil
	}
	client, err := posthog.NewWithConfig(key, posthog.Config{Endpoint: "https://us.i.posthog.com"})
	if err != nil {
		log.Printf("Failed to create posthog client: %v", err)
		return nil
	}
	sendHeartbeat(ctx, client, uuid.New().String())
	return client
}

// initializeObservability sets up tracing and the PostHog heartbeat when
// telemetry is enabled. The returned shutdown function is never nil.
func initializeObservability(ctx context.Context, cfg *config.Configuration, serviceName string) (posthog.Client, func(context.Context) error, error) {
	if !cfg.EnableTelemetry {
		return nil, func(context.Context) error { return nil }, nil
	}

	shutdown, err := initializeTracing(ctx, serviceName)
	if err != nil {
		return nil, nil, err
	}

	return initializePostHog(ctx, cfg.PostHogKey), shutdown, nil
}

// runServer serves until ctx is cancelled, then drains in-flight requests.
func runServer(ctx context.Context, server *http.Server, ssl bool) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if ssl {
			log.Printf("Starting HTTPS server on %s\n", server.Addr)
			err = server.ListenAndServeTLS("", "")
		} else {
			log.Printf("Starting server on http://localhost%s", server.Addr)
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	logrus.Info("shutting down http server")
	return server.Shutdown(shutdownCtx)
}

/*
serverCommands returns the command that starts the HTTP API. It sets up
tracing and the search collections before listening.
*/
func serverCommands(s *settleInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start settle server",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			defer s.publisher.Close()

			router, err := initializeRouter(s)
			if err != nil {
				log.Fatal(err)
			}

			phClient, shutdown, err := initializeObservability(ctx, s.cnf, "SETTLE")
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()
			if phClient != nil {
				defer phClient.Close()
			}

			if err := initializeTypeSense(ctx, s.cnf); err != nil {
				log.Printf("TypeSense initialization error: %v", err)
			}

			server, err := newServer(ctx, router, s.cnf.Server)
			if err != nil {
				log.Fatal(err)
			}
			if err := runServer(ctx, server, s.cnf.Server.SSL); err != nil {
				log.Fatal(err)
			}
		},
	}

	return cmd
}
