package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/muxrpc/kv"
	"github.com/gosuda/muxrpc/muxrpc"
)

var (
	flagListen string
	flagAdmin  string
	flagDBPath string
)

var rootCmd = &cobra.Command{
	Use:   "kv-server",
	Short: "A pebble-backed key/value store served over muxrpc",
	RunE:  runServer,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagListen, "listen", ":7070", "RPC listen address")
	flags.StringVar(&flagAdmin, "admin", ":7071", "HTTP admin/stats address (empty to disable)")
	flags.StringVar(&flagDBPath, "db", "kv-data", "pebble database directory")
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute root command")
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := kv.OpenStore(flagDBPath)
	if err != nil {
		return err
	}
	defer store.Close()
	log.Info().Str("path", flagDBPath).Msg("[kv] store opened")

	service := kv.NewService(store)
	server := muxrpc.NewServer(service, service.Codec())
	server.SetOnConnection(func(peer *muxrpc.ServerPeer) {
		log.Info().Str("host", peer.Host()).Int("port", peer.Port()).Msg("[kv] client connected")
	})

	if err := server.Start(flagListen); err != nil {
		return err
	}
	defer server.Stop()

	var adminSrv *http.Server
	if flagAdmin != "" {
		adminSrv = serveAdmin(flagAdmin, server, service, stop)
	}

	<-ctx.Done()
	log.Info().Msg("[kv] shutting down...")

	if adminSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := adminSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("[kv] admin server shutdown error")
		}
	}
	return nil
}

func serveAdmin(addr string, server *muxrpc.Server, service *kv.Service, stop func()) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"active_connections": server.ActiveConnections(),
			"requests":           service.Requests(),
			"errors":             service.Errors(),
		})
	})

	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		log.Info().Str("addr", addr).Msg("[kv] admin endpoint listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("[kv] admin server error")
			stop()
		}
	}()
	return srv
}
