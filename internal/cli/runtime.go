package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/conductor/internal/config"
	"github.com/roach88/conductor/internal/deploy"
	"github.com/roach88/conductor/internal/jobexec"
	"github.com/roach88/conductor/internal/metrics"
	"github.com/roach88/conductor/internal/store"
	"github.com/roach88/conductor/internal/uow"
)

// runtime is the engine wiring shared by the commands that touch the
// database.
type runtime struct {
	cfg       *config.Config
	store     *store.Store
	exec      *uow.Executor
	collector *metrics.Collector
}

// openRuntime loads the configuration, with flags in bind overriding the
// keys they name, and opens the store.
func openRuntime(cmd *cobra.Command, opts *RootOptions, bind map[string]string) (*runtime, error) {
	v := config.Viper()
	for key, flag := range bind {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, setupError(ErrCodeConfig, "bind flag "+flag, err)
		}
	}
	if err := config.ReadFile(v, opts.ConfigPath); err != nil {
		return nil, setupError(ErrCodeConfig, "configuration", err)
	}
	cfg, err := config.Decode(v)
	if err != nil {
		return nil, setupError(ErrCodeConfig, "invalid configuration", err)
	}

	st, err := store.OpenWith(cmd.Context(), cfg.StoreOptions())
	if err != nil {
		return nil, setupError(ErrCodeDatabase, "open database", err)
	}
	slog.Debug("database opened", "driver", cfg.Database.Driver, "dsn", cfg.Database.DSN)

	collector := metrics.NewCollector()
	exec := uow.NewExecutor(st,
		uow.WithObserver(collector),
		uow.WithMaxAttempts(cfg.Command.MaxAttempts))

	return &runtime{cfg: cfg, store: st, exec: exec, collector: collector}, nil
}

func (r *runtime) versioner() *deploy.Versioner {
	return deploy.NewVersioner(r.exec)
}

func (r *runtime) management() *jobexec.Management {
	return jobexec.NewManagement(r.exec, r.cfg.RetryPolicy())
}

func (r *runtime) Close() error {
	return r.store.Close()
}
