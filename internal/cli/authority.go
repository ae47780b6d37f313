package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lazypower/clawsync/internal/authority"
)

var authorityCmd = &cobra.Command{
	Use:   "authority",
	Short: "Run the in-memory development authority",
	Long:  "Runs a remote authority that keeps claws in memory and deduplicates requests by idempotency key. For development and demos only.",
	RunE:  runAuthority,
}

func runAuthority(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	auth := authority.New(authority.Config{
		Secret:    []byte(cfg.Authority.TokenSecret),
		ClawLimit: cfg.Authority.ClawLimit,
		Logger:    logger.Named("authority"),
	})
	httpServer := &http.Server{
		Addr:              cfg.AuthorityAddr(),
		Handler:           auth,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return listenUntil(ctx, httpServer, logger, "authority serving", zap.Int("claw_limit", cfg.Authority.ClawLimit))
}
