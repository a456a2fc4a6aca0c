// Package registry provides the registry's command line surface: serving
// the HTTP API and running the offline garbage collector.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ghandlers "github.com/gorilla/handlers"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/stowage/stowage/configuration"
	"github.com/stowage/stowage/internal/dcontext"
	"github.com/stowage/stowage/registry/handlers"
	"github.com/stowage/stowage/version"
)

// shutdownTimeout bounds how long a draining server waits for in-flight
// requests before exiting anyway.
const shutdownTimeout = 10 * time.Second

// ServeCmd is a cobra command for running the registry.
var ServeCmd = &cobra.Command{
	Use:   "serve <config>",
	Short: "`serve` stores and distributes container images",
	Long:  "`serve` stores and distributes container images",
	Run: func(cmd *cobra.Command, args []string) {
		config, err := resolveConfiguration(args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			cmd.Usage()
			os.Exit(1)
		}

		ctx := configureLogging(cmd.Context(), config)

		if err := serve(ctx, config); err != nil {
			dcontext.GetLogger(ctx).Fatal(err)
		}
	},
}

func serve(ctx context.Context, config *configuration.Configuration) error {
	dcontext.GetLogger(ctx).Infof("starting registry %s", version.Version)

	app, err := handlers.NewApp(ctx, config)
	if err != nil {
		return err
	}
	defer app.Shutdown()

	server := &http.Server{
		Addr:    config.HTTP.Addr,
		Handler: ghandlers.CombinedLoggingHandler(os.Stdout, app),
	}

	serveErr := make(chan error, 1)
	go func() {
		dcontext.GetLogger(ctx).Infof("listening on %s", config.HTTP.Addr)
		serveErr <- server.ListenAndServe()
	}()

	signalCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serveErr:
		return err
	case <-signalCtx.Done():
	}

	dcontext.GetLogger(ctx).Info("stopping registry")

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(drainCtx); err != nil {
		return err
	}
	if err := <-serveErr; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// resolveConfiguration loads the configuration named by the arguments or
// the REGISTRY_CONFIGURATION_PATH environment variable. Without either, the
// built-in defaults are used.
func resolveConfiguration(args []string) (*configuration.Configuration, error) {
	var configurationPath string

	if len(args) > 0 {
		configurationPath = args[0]
	} else if os.Getenv("REGISTRY_CONFIGURATION_PATH") != "" {
		configurationPath = os.Getenv("REGISTRY_CONFIGURATION_PATH")
	}

	if configurationPath == "" {
		return configuration.Default(), nil
	}

	fp, err := os.Open(configurationPath)
	if err != nil {
		return nil, err
	}
	defer fp.Close()

	config, err := configuration.Parse(fp)
	if err != nil {
		return nil, fmt.Errorf("error parsing %s: %w", configurationPath, err)
	}

	return config, nil
}

// configureLogging sets up the standard logrus logger from the
// configuration and returns a context carrying an entry with any
// configured static fields.
func configureLogging(ctx context.Context, config *configuration.Configuration) context.Context {
	level := logrus.InfoLevel
	if config.Log.Level != "" {
		parsed, err := logrus.ParseLevel(string(config.Log.Level))
		if err == nil {
			level = parsed
		}
	}
	logrus.SetLevel(level)

	switch config.Log.Formatter {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	case "text", "":
		logrus.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	default:
		logrus.Warnf("unsupported log formatter %q, using text", config.Log.Formatter)
	}

	entry := logrus.NewEntry(logrus.StandardLogger())
	if len(config.Log.Fields) > 0 {
		entry = entry.WithFields(logrus.Fields(config.Log.Fields))
	}

	dcontext.SetDefaultLogger(entry)
	return dcontext.WithLogger(ctx, entry)
}
