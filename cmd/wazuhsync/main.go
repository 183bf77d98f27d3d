package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/HerbHall/wazuhsync/internal/server"
	"github.com/HerbHall/wazuhsync/internal/version"
	"github.com/HerbHall/wazuhsync/internal/ws"
	"github.com/HerbHall/wazuhsync/pkg/models"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "wazuhsync",
		Short:         "Synchronize Wazuh agents and findings into the local inventory",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")

	rootCmd.AddCommand(
		serveCmd(),
		syncCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the sync scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	ctx, stop := signal.NotifyContext(contextOrBackground(parent), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx, configPath)
	if err != nil {
		return err
	}
	logger := a.logger

	if err := a.reg.StartAll(ctx); err != nil {
		_ = a.Close(context.Background())
		return fmt.Errorf("start plugins: %w", err)
	}

	srvCfg := server.ConfigFromViper(a.viper)
	wsHandler := ws.NewHandler(a.bus, logger.Named("ws"), srvCfg.WSOrigins...)
	readyCheck := server.ReadinessChecker(func(ctx context.Context) error {
		if err := a.db.DB().PingContext(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
		for name, h := range a.reg.Health(ctx) {
			if h.Status == "unhealthy" {
				return fmt.Errorf("plugin %s unhealthy: %s", name, h.Message)
			}
		}
		return nil
	})
	srv := server.New(srvCfg, a.reg, logger, readyCheck, wsHandler)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	logger.Info("wazuhsync server ready", zap.String("addr", srvCfg.Addr()))

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", zap.Error(err))
		}
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	wsHandler.Close()
	if err := a.Close(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	logger.Info("wazuhsync server stopped")
	return nil
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass and exit",
	}
	cmd.AddCommand(syncAgentsCmd(), syncFindingsCmd())
	return cmd
}

func syncAgentsCmd() *cobra.Command {
	var profileID int64
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Pull agents from every active profile (or one with --profile)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if profileID > 0 {
					ok, res, err := a.agents.SyncProfile(ctx, profileID)
					if err != nil {
						return err
					}
					printJSON(res)
					return failedUnless(ok, "agent sync failed")
				}
				ok, results, err := a.agents.SyncAll(ctx)
				if err != nil {
					return err
				}
				printJSON(results)
				return failedUnless(ok, "agent sync had failures")
			})
		},
	}
	cmd.Flags().Int64Var(&profileID, "profile", 0, "connection profile id")
	return cmd
}

func syncFindingsCmd() *cobra.Command {
	var (
		kind     string
		deviceID string
		types    []string
	)
	cmd := &cobra.Command{
		Use:   "findings",
		Short: "Fetch vulnerabilities and alerts for linked devices",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var findingKinds []models.FindingKind
			for _, t := range types {
				fk := models.FindingKind(t)
				if fk != models.FindingVulnerability && fk != models.FindingAlert {
					return fmt.Errorf("unknown finding type %q", t)
				}
				findingKinds = append(findingKinds, fk)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if deviceID == "" {
					outs, err := a.findings.SyncAll(ctx)
					printJSON(outs)
					return err
				}
				id, err := strconv.ParseInt(deviceID, 10, 64)
				if err != nil || id <= 0 {
					return fmt.Errorf("--device must be a positive integer")
				}
				dk := models.DeviceKind(kind)
				if !dk.Valid() {
					return fmt.Errorf("unknown device kind %q", kind)
				}
				outs, err := a.findings.SyncDevice(ctx, dk, id, findingKinds...)
				printJSON(outs)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(models.DeviceKindComputer), "device kind (computer or network_equipment)")
	cmd.Flags().StringVar(&deviceID, "device", "", "local device id; omit to walk every linked device")
	cmd.Flags().StringSliceVar(&types, "type", nil, "finding types to fetch (vulnerability, alert)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(*cobra.Command, []string) {
			fmt.Println(version.Info())
		},
	}
}

// withApp bootstraps without starting the scheduler or the HTTP server,
// runs fn and tears everything down.
func withApp(parent context.Context, fn func(context.Context, *app) error) error {
	ctx, stop := signal.NotifyContext(contextOrBackground(parent), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx, configPath)
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)

	closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return errors.Join(runErr, a.Close(closeCtx))
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func failedUnless(ok bool, msg string) error {
	if ok {
		return nil
	}
	return errors.New(msg)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
