/*
Copyright © 2025 Mulga Defense Corporation

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
package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mulgadc/mqless/internal/awsclient"
	"github.com/mulgadc/mqless/internal/broker"
	"github.com/mulgadc/mqless/internal/config"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/automaxprocs/maxprocs"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the mqless broker",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("host", "", "listen host (overrides config/env)")
	serveCmd.Flags().Int("port", 0, "listen port (overrides config/env)")

	serveCmd.Flags().String("region", "", "AWS region (overrides config/env)")
	serveCmd.Flags().String("access-key", "", "AWS access key (overrides config/env)")
	serveCmd.Flags().String("secret", "", "AWS secret key (overrides config/env)")
	serveCmd.Flags().String("endpoint", "", "Lambda base URL override, for local emulators")
	serveCmd.Flags().String("role", "", "IMDS instance role hint (overrides config/env)")

	serveCmd.Flags().Bool("debug", false, "enable /healthz and /debug/mailboxes")
	serveCmd.Flags().String("log-level", "", "debug|info|warn|error")

	viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("aws.region", serveCmd.Flags().Lookup("region"))
	viper.BindPFlag("aws.access_key", serveCmd.Flags().Lookup("access-key"))
	viper.BindPFlag("aws.secret", serveCmd.Flags().Lookup("secret"))
	viper.BindPFlag("aws.endpoint", serveCmd.Flags().Lookup("endpoint"))
	viper.BindPFlag("aws.role", serveCmd.Flags().Lookup("role"))
	viper.BindPFlag("debug.enabled", serveCmd.Flags().Lookup("debug"))
	viper.BindPFlag("log.level", serveCmd.Flags().Lookup("log-level"))

	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return err
	}

	setupLogging(cfg.Log)

	undo, err := maxprocs.Set(maxprocs.Logger(log.Printf))
	if err != nil {
		slog.Warn("serve: failed to set GOMAXPROCS", "err", err)
	} else {
		defer undo()
	}

	awsClient := awsclient.New(awsclient.Config{
		Region:        cfg.AWS.Region,
		AccessKey:     cfg.AWS.AccessKey,
		Secret:        cfg.AWS.Secret,
		Role:          cfg.AWS.Role,
		Endpoint:      cfg.AWS.Endpoint,
		LambdaTimeout: cfg.AWS.LambdaTimeout(),
	})

	if !cfg.AWS.HasStaticCredentials() {
		bootCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := awsClient.RefreshCredentialsSync(bootCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("serve: IMDS credential bootstrap failed: %w", err)
		}
	}

	endpoint := computeEndpoint(awsClient, cfg.Server.Port)
	srv := broker.NewServer(awsClient, endpoint)
	app := srv.SetupRoutes(cfg.Debug.Enabled)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go srv.Run(ctx)

	listenAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	pterm.Success.Printfln("mqless serving on %s", pterm.Bold.Sprint(listenAddr))
	pterm.Info.Printfln("endpoint: %s  bootstrap: %s  debug: %v", endpoint, awsClient.BootstrapState(), cfg.Debug.Enabled)

	go func() {
		if err := app.Listen(listenAddr); err != nil {
			slog.Error("serve: listener stopped", "err", err)
		}
	}()

	<-ctx.Done()
	pterm.Info.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		slog.Error("serve: error during shutdown", "err", err)
	}

	return nil
}

func setupLogging(lc config.LogConfig) {
	var level slog.Level
	switch lc.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if lc.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
