package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/berfenger/wappgw/internal/config"
	"github.com/berfenger/wappgw/internal/server"
	"github.com/berfenger/wappgw/internal/util/actorutil"
	"github.com/berfenger/wappgw/pkg/wappclient"

	"github.com/carlmjohnson/versioninfo"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func gracefulShutdown(apiServer *http.Server, done chan bool) {
	// Create context that listens for the interrupt signal from the OS.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Listen for the interrupt signal.
	<-ctx.Done()

	log.Println("shutting down gracefully, press Ctrl+C again to force")

	// The context is used to inform the server it has 5 seconds to finish
	// the request it is currently handling
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown with error: %v", err)
	}

	log.Println("Server exiting")

	// Notify the main goroutine that the shutdown is complete
	done <- true
}

func main() {

	slog.Info("wappgw", "version", versioninfo.Short())

	// load and print config
	cfg, err := initConfig()
	if err != nil {
		slog.Error("config errors", "error", err)
		return
	}
	safePrintConfig(*cfg)

	// zap logger
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel)

	logger := zap.Must(zapCfg.Build())
	defer logger.Sync()

	// init actor system
	as := actorutil.NewActorSystemWithZapLogger(logger)
	ctx := as.Root

	// build the client: model tree, persistence, session
	client, err := wappclient.New(*cfg, logger)
	if err != nil {
		logger.Error("client init failed", zap.Error(err))
		return
	}
	client.UseActorSystem(as)
	if err := client.Start(); err != nil {
		logger.Error("client start failed", zap.Error(err))
		return
	}

	server := server.NewServer(*cfg, ctx, client.SessionPID())
	// Create a done channel to signal when the shutdown is complete
	done := make(chan bool, 1)

	// Run graceful shutdown in a separate goroutine
	go gracefulShutdown(server, done)

	err = server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		panic(fmt.Sprintf("http server error: %s", err))
	}

	// Wait for the graceful shutdown to complete
	<-done
	log.Println("Graceful shutdown complete.")

	if err := client.Stop(10 * time.Second); err != nil {
		logger.Warn("session stop", zap.Error(err))
	}
	as.Shutdown()
}

func initConfig() (*config.Config, error) {

	// alias PORT => WAPPGW_PORT
	if port := os.Getenv("PORT"); port != "" {
		os.Setenv("WAPPGW_PORT", port)
	}

	setConfigDefaults()

	viper.SetEnvPrefix("wappgw")
	viper.AutomaticEnv()

	// if defined, try to load config from yaml file
	if cfgFile := os.Getenv("CONFIG_FILE"); cfgFile != "" {
		if _, err := os.Stat(cfgFile); err == nil {
			slog.Info("Using config", "file", cfgFile)
			viper.SetConfigFile(cfgFile)

			err = viper.ReadInConfig()
			if err != nil {
				slog.Error("Error reading config file", "error", err)
			}
		}
	}

	var cfg config.Config

	err := viper.Unmarshal(&cfg)
	if err != nil {
		return nil, err
	}

	// parse log level
	switch viper.GetString("log_level") {
	case "trace":
		cfg.LogLevel = zap.DebugLevel
	case "debug":
		cfg.LogLevel = zap.DebugLevel
	case "info":
		cfg.LogLevel = zap.InfoLevel
	case "error":
		cfg.LogLevel = zap.ErrorLevel
	case "warn":
		cfg.LogLevel = zap.WarnLevel
	case "fatal":
		cfg.LogLevel = zap.FatalLevel
	default:
		cfg.LogLevel = zap.InfoLevel
	}

	// check and fix bridge base topic
	if cfg.Bridge.Enable {
		baseTopic, err := config.CheckBaseTopic(cfg.Bridge.BaseTopic)
		if err != nil {
			return nil, errors.New("invalid base topic. can only contain letters, numbers and underscores")
		}
		cfg.Bridge.BaseTopic = baseTopic
	}

	// check bounds
	if cfg.Model.File == "" && !cfg.Model.LoadFromSave {
		return nil, errors.New("config param model.file is required unless model.load_from_save is set")
	}
	if cfg.Session.BulkSize == 0 || cfg.Session.BulkSize > 100 {
		return nil, errors.New("config param session.bulk_size should be in 1..100")
	}
	if cfg.Session.MaxInFlight < cfg.Session.BulkSize {
		return nil, errors.New("config param session.max_in_flight should be >= session.bulk_size")
	}
	if cfg.Session.AckTimeoutMillis < 1000 {
		return nil, errors.New("config param session.ack_timeout_millis should be >= 1000")
	}

	return &cfg, nil
}

func setConfigDefaults() {
	viper.SetDefault("log_level", "warn")
	viper.SetDefault("server.host", "collector.wappsto.com")
	viper.SetDefault("server.port", 11006)
	viper.SetDefault("server.use_websocket", false)
	viper.SetDefault("server.ca_cert_file", "ca.crt")
	viper.SetDefault("server.client_cert_file", "client.crt")
	viper.SetDefault("server.client_key_file", "client.key")
	viper.SetDefault("model.save_dir", "saved_instances")
	viper.SetDefault("model.load_from_save", true)
	viper.SetDefault("model.save_on_stop", true)
	viper.SetDefault("session.backoff_min_millis", 1000)
	viper.SetDefault("session.backoff_max_millis", 60000)
	viper.SetDefault("session.ack_timeout_millis", 30000)
	viper.SetDefault("session.max_send_retries", 3)
	viper.SetDefault("session.bulk_size", 10)
	viper.SetDefault("session.max_in_flight", 10)
	viper.SetDefault("session.stop_flush_millis", 2000)
	viper.SetDefault("mqtt_bridge.enable", false)
	viper.SetDefault("mqtt_bridge.base_topic", "wappgw")
	viper.SetDefault("port", 8080)
}

func safePrintConfig(cfg config.Config) {
	cfg.Bridge.Username = "*redacted*"
	cfg.Bridge.Password = "*redacted*"
	slog.Info("Using", "config", cfg)
}
