package app

import (
	"context"
	"errors"

	"enerx-readmodel/internal/storage"
)

// BackfillOptions configure the backfill job.
type BackfillOptions struct {
	DryRun  bool
	Migrate bool
}

// Backfill 执行一次完整扫描并写入数据库和缓存，不启动调度器。
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	if opts.DryRun {
		a.Logger.Warn().Msg("回填 dry-run：不会写入数据库和缓存")
	} else {
		if a.Config.Database.DSN == "" && a.Config.Redis.Addr == "" {
			return errors.New("database.dsn 与 redis.addr 均未配置，无法回填")
		}
		if opts.Migrate && a.Config.Database.DSN != "" {
			if err := storage.RunMigrations(a.Config.Database.DSN, a.Config.Database.MigrationsPath); err != nil {
				return err
			}
		}
	}

	rt, closeAll, err := a.build(ctx, buildOptions{store: !opts.DryRun, cache: !opts.DryRun})
	defer closeAll()
	if err != nil {
		return err
	}

	report, err := rt.readModel.RefreshOnce(ctx)
	if err != nil {
		return err
	}
	if report.Skipped {
		a.Logger.Warn().Msg("另一个实例持有刷新锁，本次回填跳过")
		return nil
	}

	a.Logger.Info().
		Uint64("generation", report.Generation).
		Uint64("block", report.Block).
		Int("active", report.Active).
		Int("failed_listings", len(report.FailedIDs)).
		Int("profiles", report.Profiles).
		Int("failed_profiles", len(report.FailedProfiles)).
		Msg("回填完成")
	if len(report.FailedIDs) > 0 || len(report.FailedProfiles) > 0 {
		return errors.New("部分挂单或资料读取失败，请检查日志")
	}
	return nil
}
