package app

import (
	"context"
	"errors"

	"rate-cache/internal/rates"
	"rate-cache/internal/service"
	"rate-cache/internal/storage"
)

// Backfill fetches every uncached bucket in [From, To) and saves the result.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	r := rates.TimeRange{Start: rates.FromTime(opts.From), End: rates.FromTime(opts.To)}
	if r.Start >= r.End {
		return errors.New("回填范围为空，请检查 --from/--to")
	}

	var store storage.SnapshotStore
	if opts.DryRun {
		a.Logger.Warn().Msg("回填 dry-run：不会写入数据库")
	} else {
		opened, closeStore, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		if opened == nil {
			return errors.New("database.dsn 未配置，无法回填")
		}
		defer closeStore()
		store = opened
	}

	svc := service.New(service.OptionsFromConfig(a.Config), nil, a.newSource(), store, a.Logger)
	if err := svc.Restore(ctx); err != nil {
		return err
	}

	result, err := svc.Backfill(ctx, r)
	if err != nil {
		return err
	}

	if err := svc.Save(ctx); err != nil {
		return err
	}

	a.Logger.Info().
		Int("calls", result.Calls).
		Int("committed", result.Committed).
		Int("failed", result.Failed).
		Msg("回填完成")
	if result.Failed > 0 {
		return errors.New("部分请求回填失败，请检查日志")
	}
	return nil
}
