package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"trustplane.org/internal/audit"
	"trustplane.org/internal/config"
	"trustplane.org/internal/grant"
	"trustplane.org/internal/keys"
	"trustplane.org/internal/monitor"
	"trustplane.org/internal/obs"
	"trustplane.org/internal/policy"
	"trustplane.org/internal/session"
	"trustplane.org/internal/store/memory"
	"trustplane.org/internal/store/pg"
	"trustplane.org/internal/token"
)

// version is set by ldflags at build time.
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "trustd",
		Short:   "authorization and session-trust core",
		Version: version,
	}
	root.AddCommand(serveCmd(), verifyChainCmd(), purgeAuditCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

type backend struct {
	sessions session.Store
	devices  session.DeviceStore
	policies policy.Store
	grants   grant.Store
	auditlog audit.Store
	tokens   token.Store
	close    func() error
}

// openBackend picks Postgres when TRUSTPLANE_PG_DSN is set, in-memory
// otherwise.
func openBackend(ctx context.Context) (*backend, error) {
	dsn := os.Getenv("TRUSTPLANE_PG_DSN")
	if dsn == "" {
		mem := memory.New()
		return &backend{
			sessions: mem, devices: mem, policies: mem,
			grants: mem, auditlog: mem, tokens: mem,
			close: func() error { return nil },
		}, nil
	}
	st, err := pg.Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return &backend{
		sessions: st, devices: st, policies: st,
		grants: st, auditlog: st, tokens: st,
		close: st.Close,
	}, nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func serveCmd() *cobra.Command {
	var configPath string
	var expiryInterval, riskInterval time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the trust core with background sweeps",
		RunE: func(cmd *cobra.Command, args []string) error {
			obs.Init()
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			reloadable := config.NewReloadable(cfg)
			if configPath != "" {
				go func() {
					if err := reloadable.Watch(ctx, configPath); err != nil {
						log.Printf("config watch: %v", err)
					}
				}()
			}

			be, err := openBackend(ctx)
			if err != nil {
				return err
			}
			defer be.close()

			provider, err := keys.NewStatic()
			if err != nil {
				return err
			}
			signer := audit.NewTailSigner(be.auditlog, provider)
			go signer.Run(ctx)

			chain := audit.NewChain(be.auditlog,
				audit.WithSigner(signer),
				audit.WithRetention(cfg.Defaults.AuditRetention),
			)

			stream := monitor.NewStream()
			sessions := session.NewManager(be.sessions, be.devices, chain, reloadable,
				session.WithRevocationSink(stream))

			// Sessions created before a compromised key's cutoff cannot be
			// trusted any longer.
			provider.Subscribe(func(note keys.Compromise) {
				if err := sessions.InvalidateCreatedBefore(ctx, note.At, "signing key compromised"); err != nil {
					log.Printf("key compromise invalidation: %v", err)
				}
			})

			go sessions.RunExpirySweep(ctx, expiryInterval)
			go sessions.RunRiskSweep(ctx, riskInterval)

			mux := http.NewServeMux()
			mux.Handle("/metrics", obs.Handler())
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
			srv := &http.Server{
				Addr:              cfg.Listen,
				Handler:           mux,
				ReadTimeout:       15 * time.Second,
				ReadHeaderTimeout: 15 * time.Second,
				WriteTimeout:      15 * time.Second,
				IdleTimeout:       60 * time.Second,
			}

			log.Printf("starting trustd %s on %s", version, srv.Addr)
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatalf("listen: %v", err)
				}
			}()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop
			log.Println("shutting down...")
			cancel()

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
			log.Println("stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to YAML config")
	cmd.Flags().DurationVar(&expiryInterval, "expiry-sweep", time.Minute, "expiry sweep interval")
	cmd.Flags().DurationVar(&riskInterval, "risk-sweep", 5*time.Minute, "risk sweep interval")
	return cmd
}

func verifyChainCmd() *cobra.Command {
	var tenantID string
	var fromSeq, toSeq uint64

	cmd := &cobra.Command{
		Use:   "verify-chain",
		Short: "recompute audit hashes over a range and report the first break",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			be, err := openBackend(ctx)
			if err != nil {
				return err
			}
			defer be.close()

			chain := audit.NewChain(be.auditlog)
			ok, broken, err := chain.VerifyChain(ctx, tenantID, fromSeq, toSeq)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("chain broken at sequence %d: %w", broken, audit.ErrChainBroken)
			}
			fmt.Println("chain intact")
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant identifier")
	cmd.Flags().Uint64Var(&fromSeq, "from", 1, "first sequence number")
	cmd.Flags().Uint64Var(&toSeq, "to", 0, "last sequence number (0 = tail)")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func purgeAuditCmd() *cobra.Command {
	var tenantID string
	var retention time.Duration

	cmd := &cobra.Command{
		Use:   "purge-audit",
		Short: "remove expired, non-held audit events for one tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			be, err := openBackend(ctx)
			if err != nil {
				return err
			}
			defer be.close()

			chain := audit.NewChain(be.auditlog, audit.WithRetention(retention))
			removed, err := chain.Purge(ctx, tenantID)
			if err != nil {
				return err
			}
			fmt.Printf("purged %d events\n", removed)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant identifier")
	cmd.Flags().DurationVar(&retention, "retention", 90*24*time.Hour, "retention window")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}
