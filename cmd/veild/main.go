// main.go - veild, the confidential balance ledger daemon.
//
// veild runs the manager side of the protocol against a settlement store:
//   - accepts off-ledger transfer and payout requests over HTTP
//   - periodically drains them into a batch together with on-ledger deposits
//   - serves the public leaf-update feed over websocket
//
// Usage:
//   veild init              generate a master secret file
//   veild run               start the daemon
//   veild status            print the settlement counters
package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"veilledger/internal/confidential"
	"veilledger/internal/manager"
	"veilledger/internal/settlement"
)

const version = "0.3.1"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:     "veild",
		Short:   "Confidential balance ledger daemon",
		Version: version,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "veild.json", "path to the config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "init",
			Short: "Generate a master secret file",
			RunE: func(*cobra.Command, []string) error {
				return runInit(configPath)
			},
		},
		&cobra.Command{
			Use:   "run",
			Short: "Start the daemon",
			RunE: func(*cobra.Command, []string) error {
				return runDaemon(configPath)
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Print the settlement counters",
			RunE: func(*cobra.Command, []string) error {
				return runStatus(configPath)
			},
		},
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runInit(configPath string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfg.MasterSecretFile); err == nil {
		return fmt.Errorf("refusing to overwrite existing %s", cfg.MasterSecretFile)
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("entropy unavailable: %w", err)
	}
	if err := os.WriteFile(cfg.MasterSecretFile, secret, 0600); err != nil {
		return fmt.Errorf("failed to write master secret: %w", err)
	}
	fmt.Printf("wrote %s (32 bytes). Losing this file loses every balance.\n", cfg.MasterSecretFile)
	return nil
}

func runDaemon(configPath string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log, logCloser, err := newLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	secret, err := cfg.readMasterSecret()
	if err != nil {
		return err
	}
	mctx, err := confidential.NewManagerContext(secret)
	if err != nil {
		return err
	}

	sim, err := settlement.NewSim(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("failed to open settlement store: %w", err)
	}
	defer sim.Close()

	mgr := manager.New(mctx, sim, manager.Config{
		ChaffMultiplier: cfg.ChaffMultiplier,
		DomainTag:       cfg.DomainTag,
	}, log)

	srv := newServer(cfg, log, mctx, sim, mgr)
	srv.health.RegisterComponent("settlement_store", func() error {
		_, err := sim.Status()
		return err
	})
	srv.health.RegisterComponent("batch_loop", nil)

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Str("store", cfg.StorePath).Msg("veild listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	go func() {
		ticker := time.NewTicker(time.Duration(cfg.SyncIntervalSeconds) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				srv.syncOnce()
			}
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	// Drain one last time so accepted requests are not lost across restarts
	// of a quiet daemon.
	srv.syncOnce()
	return nil
}

func runStatus(configPath string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	sim, err := settlement.NewSim(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("failed to open settlement store: %w", err)
	}
	defer sim.Close()

	st, err := sim.Status()
	if err != nil {
		return err
	}
	head, err := sim.HeadBlock()
	if err != nil {
		return err
	}
	out := struct {
		settlement.Status
		HeadBlock uint64 `json:"head_block"`
	}{Status: st, HeadBlock: head}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}
