// Package main - утилита обслуживания базы: миграции схемы и загрузка
// каталога игровых правил из YAML.
//
// Использование:
//
//	migrate up                       применить новые миграции
//	migrate down                     откатить последнюю миграцию
//	migrate status                   показать состояние миграций
//	migrate import-rules -file x.yml загрузить правила
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/lingokids/progression-hub/config"
	"github.com/lingokids/progression-hub/internal/application/command"
	"github.com/lingokids/progression-hub/internal/infrastructure/persistence/postgres"
	"github.com/lingokids/progression-hub/internal/infrastructure/ruleset"
	"github.com/lingokids/progression-hub/pkg/logger"
	"github.com/lingokids/progression-hub/pkg/retry"
	"github.com/lingokids/progression-hub/pkg/timeutil"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: migrate <up|down|status|import-rules> [-file rules.yaml]")
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		usage()
		return fmt.Errorf("command required")
	}
	cmdName, args := args[0], args[1:]

	switch cmdName {
	case "up", "down", "status", "import-rules":
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmdName)
	}

	fs := flag.NewFlagSet(cmdName, flag.ContinueOnError)
	rulesFile := fs.String("file", "rules.yaml", "path to the game rules YAML file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Storage.Backend != config.StoragePostgres {
		return fmt.Errorf("storage backend %q has no schema", cfg.Storage.Backend)
	}

	log := logger.New(logger.Options{Level: logger.ParseLevel(cfg.Observability.LogLevel)}).
		With(logger.Component("migrate"))

	// Правила разбираются до подключения: ошибка в файле не трогает базу.
	var importCmd command.ImportGameRulesCommand
	if cmdName == "import-rules" {
		if importCmd.Rules, err = ruleset.LoadFile(*rulesFile); err != nil {
			return err
		}
	}

	conn, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	migrator := postgres.NewMigrator(conn)

	switch cmdName {
	case "up":
		applied, err := migrator.Migrate(ctx)
		if err != nil {
			return err
		}
		log.Info("migrations applied", logger.Int("count", applied))

	case "down":
		rolledBack, err := migrator.Rollback(ctx)
		if err != nil {
			return err
		}
		log.Info("migrations rolled back", logger.Int("count", rolledBack))

	case "status":
		migrations, err := migrator.Status(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "VERSION\tNAME\tAPPLIED AT")
		for _, m := range migrations {
			appliedAt := "pending"
			if m.IsApplied {
				appliedAt = m.AppliedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\n", m.Version, m.Name, appliedAt)
		}
		return tw.Flush()

	case "import-rules":
		if _, err := migrator.Migrate(ctx); err != nil {
			return err
		}
		// Кэш правил истекает по TTL: инвалидатор здесь не нужен.
		handler := command.NewImportGameRulesHandler(postgres.NewUnitOfWork(conn), nil,
			timeutil.SystemClock{}, nil, log)
		result, err := handler.Handle(ctx, importCmd)
		if err != nil {
			return err
		}
		log.Info("game rules imported",
			logger.String("file", *rulesFile),
			logger.Int("count", result.Imported),
			logger.String("fingerprint", ruleset.Fingerprint(importCmd.Rules)),
		)
	}

	return nil
}

func connect(ctx context.Context, cfg *config.Config) (*postgres.Connection, error) {
	pgCfg := postgres.DefaultConfig()
	pgCfg.URL = cfg.Database.URL
	pgCfg.Host = cfg.Database.Host
	pgCfg.Port = cfg.Database.Port
	pgCfg.Database = cfg.Database.Name
	pgCfg.User = cfg.Database.User
	pgCfg.Password = cfg.Database.Password
	pgCfg.SSLMode = cfg.Database.SSLMode
	pgCfg.MaxConns = 2
	pgCfg.MinConns = 1
	pgCfg.ConnectTimeout = cfg.Database.ConnectTimeout

	var conn *postgres.Connection
	err := retry.Do(ctx, func(ctx context.Context) error {
		var err error
		conn, err = postgres.NewConnection(ctx, pgCfg)
		return err
	}, retry.WithMaxAttempts(cfg.Database.ConnectAttempts))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return conn, nil
}
