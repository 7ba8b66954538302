package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/punchamoorthee/settleops/internal/config"
	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/punchamoorthee/settleops/internal/logger"
	"github.com/punchamoorthee/settleops/internal/store"
)

func main() {
	orgs := flag.Int("orgs", 10, "number of organizations")
	links := flag.Int("links", 1000, "open payment links per organization")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	if cfg.DBSource == "" {
		log.Fatal("DB_SOURCE is required for seeding")
	}

	ctx := context.Background()
	pg, err := store.NewPostgres(ctx, cfg.DBSource, cfg.DBMaxConns)
	if err != nil {
		log.Fatal("unable to connect to database", zap.Error(err))
	}
	defer pg.Close()

	for _, acct := range domain.DefaultChartOfAccounts() {
		if err := pg.UpsertLedgerAccount(ctx, acct); err != nil {
			log.Fatal("seed ledger account", zap.String("code", acct.Code), zap.Error(err))
		}
	}
	log.Info("chart of accounts seeded", zap.Int("accounts", len(domain.DefaultChartOfAccounts())))

	total := *orgs * *links

	var count int
	if err := pg.Db.QueryRow(ctx, "SELECT COUNT(*) FROM payment_links WHERE status = 'OPEN'").Scan(&count); err != nil {
		log.Fatal("count payment links", zap.Error(err))
	}
	if count >= total {
		log.Info("database already seeded, skipping", zap.Int("open_links", count))
		return
	}

	now := time.Now().UTC()
	expires := now.Add(7 * 24 * time.Hour)
	rows := make([][]any, 0, total)
	for o := 0; o < *orgs; o++ {
		org := uuid.New()
		for i := 0; i < *links; i++ {
			// 1.00 to 500.00
			amount := decimal.New(int64(100+rand.Intn(49901)), -2)
			rows = append(rows, []any{
				uuid.New(), org, string(domain.LinkStatusOpen), amount, "USD",
				fmt.Sprintf("seed link %d", i), expires, now, now,
			})
		}
	}

	copied, err := pg.Db.CopyFrom(
		ctx,
		pgx.Identifier{"payment_links"},
		[]string{"id", "organization_id", "status", "amount", "currency", "description", "expires_at", "created_at", "updated_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		log.Fatal("bulk insert failed", zap.Error(err))
	}
	log.Info("payment links seeded", zap.Int64("links", copied), zap.Int("organizations", *orgs))
}
