package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"voice-relay/pkg/config"
	"voice-relay/pkg/errors"
	apphttp "voice-relay/pkg/http"
	"voice-relay/pkg/messaging"
	"voice-relay/pkg/metrics"
	"voice-relay/pkg/realtime"
	"voice-relay/pkg/relay"
	"voice-relay/pkg/telephony"
	"voice-relay/pkg/tools"
	"voice-relay/pkg/version"
)

type serveOptions struct {
	envFile         string
	assistantFile   string
	shutdownTimeout time.Duration
}

// components is everything runServe wires together.
type components struct {
	server    *apphttp.Server
	relay     *relay.Relay
	publisher messaging.Publisher
	amqp      *messaging.AMQPClient
}

func runServe(ctx context.Context, logger *logrus.Logger, opts serveOptions) error {
	cfg, err := config.Load(logger, config.LoadOptions{
		EnvFile:       opts.envFile,
		AssistantFile: opts.assistantFile,
	})
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	if err := cfg.ApplyLogging(logger); err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"version": version.Version,
		"model":   cfg.OpenAI.Model,
		"voice":   cfg.Assistant.Voice,
		"tools":   cfg.Assistant.Tools,
	}).Info("Starting voice relay")

	app, err := build(cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	if err := app.server.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("Received shutdown signal, cleaning up...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.shutdownTimeout)
	defer cancel()
	if err := app.server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Error shutting down HTTP server")
	}
	logger.Info("Voice relay stopped")
	return nil
}

// build wires configuration into the relay and HTTP server.
func build(cfg *config.Config, logger *logrus.Logger) (*components, error) {
	metrics.SetMetricsPath(cfg.Metrics.Path)
	metrics.StartMetrics(logger, cfg.Metrics.Enabled)

	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, cfg.Assistant.Tools, nil); err != nil {
		return nil, errors.Wrap(err, "failed to register assistant tools")
	}

	client := realtime.NewClient(cfg.OpenAI.APIKey, logger,
		realtime.WithURL(cfg.OpenAI.URL),
		realtime.WithModel(cfg.OpenAI.Model),
		realtime.WithHandshakeTimeout(cfg.OpenAI.HandshakeTimeout),
		realtime.WithWriteTimeout(cfg.OpenAI.WriteTimeout),
	)

	app := &components{publisher: messaging.NopPublisher{}}
	if cfg.Messaging.Enabled() {
		app.amqp = messaging.NewAMQPClient(logger, messaging.AMQPConfig{
			URL:            cfg.Messaging.AMQPUrl,
			QueueName:      cfg.Messaging.QueueName,
			ExchangeName:   cfg.Messaging.ExchangeName,
			RoutingKey:     cfg.Messaging.RoutingKey,
			ConnectTimeout: cfg.Messaging.ConnectTimeout,
		})
		if err := app.amqp.Connect(); err != nil {
			logger.WithError(err).Warn("AMQP unavailable, retrying in the background; call events are dropped until it connects")
		}
		app.publisher = messaging.NewAsyncPublisher(app.amqp, logger, cfg.Messaging.QueueSize)
	}

	app.relay = relay.New(relay.RealtimeOpener(client), logger, relay.Config{
		Session:        cfg.SessionConfig(registry.Definitions()),
		ToolTimeout:    cfg.Relay.ToolTimeout,
		ClearOnBargeIn: cfg.Relay.ClearOnBargeIn,
	}, relay.WithTools(registry), relay.WithPublisher(app.publisher))

	streamOpts := telephony.DefaultOptions()
	streamOpts.WriteTimeout = cfg.Relay.MediaWriteTimeout

	httpConfig := apphttp.DefaultConfig()
	httpConfig.Port = cfg.HTTP.Port
	httpConfig.ReadTimeout = cfg.HTTP.ReadTimeout
	httpConfig.WriteTimeout = cfg.HTTP.WriteTimeout
	httpConfig.PublicHost = cfg.HTTP.PublicHost
	httpConfig.Greeting = cfg.Assistant.Greeting
	httpConfig.EnableMetrics = cfg.Metrics.Enabled
	httpConfig.Stream = streamOpts

	app.server = apphttp.NewServer(logger, httpConfig, app.relay)
	if app.amqp != nil {
		app.server.SetAMQPClient(app.amqp)
	}
	return app, nil
}

func (a *components) close() {
	a.publisher.Close()
	if a.amqp != nil {
		a.amqp.Disconnect()
	}
}
