package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"admin-auth/internal/config"
	"admin-auth/internal/factory"
	"admin-auth/internal/handler"
	"admin-auth/internal/util"
)

func main() {
	// Initialize factory (which loads config and initializes all clients)
	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	cfg := f.Config()

	router := setupRouter(f, cfg)

	var serverAddr string
	if cfg.Server.EnableTLS {
		serverAddr = fmt.Sprintf(":%d", cfg.Server.TLSPort)
	} else {
		serverAddr = cfg.GetServerAddress()
	}

	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if cfg.Server.EnableTLS {
		tlsManager := f.TLSManager()
		server.TLSConfig = tlsManager.GetTLSConfig()

		if cfg.IsProduction() && cfg.Server.AutoCert {
			runProductionServerWithAutoCert(ctx, f, server, cfg, router)
			return
		}

		util.Info("Starting HTTPS server",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.TLSPort),
			util.Bool("auto_cert", cfg.Server.AutoCert),
		)
	} else {
		util.Warn("Starting HTTP server - TLS is disabled",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.Port),
		)
	}

	runServers(ctx, f, cfg, serverStarter(server, cfg))
}

// setupRouter creates the HTTP router with all handlers using Chi
func setupRouter(f *factory.Factory, cfg *config.Config) http.Handler {
	authHandler := handler.NewAuthHandler(f.Gateway(), f.TOTPManager(), util.Get())
	return handler.NewRouter(authHandler, util.Get(), cfg.Server.EnableTLS)
}

type namedServer struct {
	name   string
	server *http.Server
	listen func() error
}

func serverStarter(server *http.Server, cfg *config.Config) namedServer {
	listen := server.ListenAndServe
	if cfg.Server.EnableTLS {
		listen = func() error {
			if cfg.Server.CertFile != "" && cfg.Server.KeyFile != "" {
				return server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
			}
			// TLSConfig.GetCertificate supplies the cert
			return server.ListenAndServeTLS("", "")
		}
	}
	return namedServer{name: "api", server: server, listen: listen}
}

func runProductionServerWithAutoCert(ctx context.Context, f *factory.Factory, server *http.Server, cfg *config.Config, router http.Handler) {
	autoCertManager := f.TLSManager().GetAutocertManager()
	if autoCertManager == nil {
		util.Fatal("AutoCert manager is not available in production")
	}

	// HTTP server for ACME challenge and redirect only
	httpServer := &http.Server{
		Addr:    ":80",
		Handler: autoCertManager.HTTPHandler(nil),
	}

	// HTTPS server for API
	httpsServer := &http.Server{
		Addr:      ":443",
		Handler:   router,
		TLSConfig: server.TLSConfig,
	}

	util.Info("Starting HTTPS server with AutoCert on port 443",
		util.String("domain", cfg.Server.Domain),
	)

	runServers(ctx, f, cfg,
		namedServer{name: "acme-redirect", server: httpServer, listen: httpServer.ListenAndServe},
		namedServer{name: "api", server: httpsServer, listen: func() error {
			return httpsServer.ListenAndServeTLS("", "")
		}},
	)
}

// runServers runs the listeners and a shutdown watcher in one errgroup: a
// listener failing or the signal context firing drains everything.
func runServers(ctx context.Context, f *factory.Factory, cfg *config.Config, servers ...namedServer) {
	g, gctx := errgroup.WithContext(ctx)

	for _, s := range servers {
		s := s
		g.Go(func() error {
			util.Info("Server listening",
				util.String("server", s.name),
				util.String("address", s.server.Addr),
				util.Bool("tls_enabled", cfg.Server.EnableTLS),
			)
			if err := s.listen(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("%s server failed: %w", s.name, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		util.Info("Shutdown requested")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		for _, s := range servers {
			if err := s.server.Shutdown(shutdownCtx); err != nil {
				util.Error("Failed to shutdown server gracefully",
					util.String("server", s.name), util.ErrorField(err))
			} else {
				util.Info("Server shutdown completed", util.String("server", s.name))
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		util.Error("Server exited with error", util.ErrorField(err))
	}
	f.Close()
}
