package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/routeros/internal/env"
	"github.com/luma/routeros/internal/meta"
	"github.com/luma/routeros/storage"
	"github.com/luma/routeros/transport"
)

var (
	// The host to listen on
	host string

	// The port to listen for http requests on
	httpPort string

	// The port to listen for API clients on
	port int

	// TOML file with users and initial menu rows
	seedPath string

	// Certificate and key to serve API-SSL with
	certFile string
	keyFile  string

	trace bool
)

func init() {
	flags := EmulateCmd.PersistentFlags()

	flags.IntVarP(&port, "port", "p", transport.DefaultPort, "The port to listen for API connections on")
	flags.StringVar(&httpPort, "http-port", "7362", "The port to listen to HTTP requests on")
	flags.StringVarP(&host, "host", "a", "0.0.0.0", "The host to listen on")
	flags.StringVar(&seedPath, "seed", "", "TOML file describing users, identity and initial menu rows")
	flags.StringVar(&certFile, "cert", "", "Certificate to serve API-SSL with")
	flags.StringVar(&keyFile, "key", "", "Key of the certificate")
	flags.BoolVar(&trace, "trace", false, "Log every sentence")
}

var EmulateCmd = &cobra.Command{
	Use:   "emulate",
	Short: "Run an emulated RouterOS device",
	Long: `Run an emulated RouterOS device

The device answers logins, keeps menus like /ip/arp in memory and streams
changes to listen requests. An HTTP side channel serves /ping, /backup and
Prometheus /metrics.

Usage
	routeros emulate --seed device.toml

`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer signalStop()

		conf, err := env.LoadConfig(ctx)
		if err != nil {
			return err
		}

		log, err := env.MakeLogger(conf.LogLevel)
		if err != nil {
			return err
		}

		fileLimit, err := setFileLimit()
		if err != nil {
			return err
		}

		log.Info("Set file limit", zap.Uint64("fileLimit", fileLimit))

		seed := env.DefaultDeviceSeed()
		if seedPath != "" {
			if seed, err = env.LoadDeviceSeed(seedPath); err != nil {
				return err
			}
		}

		store := storage.NewInmemoryStore()
		defer store.Close()

		if err := seedStore(ctx, store, seed); err != nil {
			return err
		}

		var tlsConfig *tls.Config
		if certFile != "" {
			cert, err := tls.LoadX509KeyPair(certFile, keyFile)
			if err != nil {
				return err
			}
			tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
		}

		router := setupRouter(conf.DebugHTTP, log)

		// Ping test
		router.GET("/ping", func(c *gin.Context) {
			c.String(http.StatusOK, "pong")
		})

		router.GET("/backup", func(c *gin.Context) {
			backup, err := store.Backup()
			if err != nil {
				c.String(http.StatusInternalServerError, err.Error())
				return
			}

			c.Data(http.StatusOK, "application/json", backup)
		})

		router.GET("/metrics", gin.WrapH(promhttp.Handler()))

		s := &http.Server{
			Addr:    net.JoinHostPort(host, httpPort),
			Handler: router,
		}

		// Initializing the server in a goroutine so that
		// it won't block the graceful shutdown handling below
		go func() {
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Http server errored", zap.Error(err))
			}
		}()

		tcp := transport.NewTCP(transport.Options{
			Host:        host,
			Port:        port,
			Reuseport:   true,
			Trace:       trace,
			TLS:         tlsConfig,
			Store:       store,
			Users:       seed.Users,
			LegacyLogin: seed.LegacyLogin,
			Identity:    seed.Identity,
			Log:         log.Named("transport"),
		})

		if err := tcp.Start(ctx); err != nil {
			return err
		}

		log.Info("Listening",
			zap.Stringer("build", meta.GetInfo()),
			zap.String("identity", seed.Identity),
			zap.Bool("legacyLogin", seed.LegacyLogin),
			zap.Bool("tls", tlsConfig != nil),
			zap.String("host", host),
			zap.Int("port", port),
			zap.String("httpPort", httpPort))

		// Listen for the interrupt signal.
		<-ctx.Done()

		// Restore default behavior on the interrupt signal and notify user of shutdown.
		signalStop()
		log.Info("Shutting down gracefully, press Ctrl+C again to force")

		// The context is used to inform the server it has 5 seconds to finish
		// the request it is currently handling
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.SetKeepAlivesEnabled(false)

		if err := s.Shutdown(ctx); err != nil {
			log.Error("Http server forced to shutdown", zap.Error(err))
		}

		if err := tcp.Close(); err != nil {
			log.Error("TCP server forced to shutdown", zap.Error(err))
		}

		log.Info("Exiting")
		return nil
	},
}

func seedStore(ctx context.Context, store storage.Store, seed env.DeviceSeed) error {
	for menu, rows := range seed.Menus {
		for _, row := range rows {
			if _, err := store.Add(ctx, menu, row); err != nil {
				return err
			}
		}
	}

	return nil
}

func setupRouter(debugHTTP bool, log *zap.Logger) *gin.Engine {
	gin.DisableConsoleColor()
	if !debugHTTP {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// Logs all requests, like a combined access and error log, in UTC.
	r.Use(ginzap.GinzapWithConfig(log, &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		SkipPaths:  []string{"/ping", "/metrics"},
	}))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	r.Use(ginzap.RecoveryWithZap(log, true))

	return r
}

func setFileLimit() (uint64, error) {
	var rLimit syscall.Rlimit

	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	rLimit.Cur = rLimit.Max
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	return rLimit.Cur, nil
}
