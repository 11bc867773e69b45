package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xiaoxuxiansheng/goxa/config"
	"github.com/xiaoxuxiansheng/goxa/example"
	"github.com/xiaoxuxiansheng/goxa/example/pkg"
	"github.com/xiaoxuxiansheng/goxa/log"
	"github.com/xiaoxuxiansheng/goxa/recoverylog"
	"github.com/xiaoxuxiansheng/goxa/recoverylog/gormlog"
	"github.com/xiaoxuxiansheng/goxa/txmanager"
)

type app struct {
	cfgPath string
	cfg     *config.Config
}

func newRootCommand() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "goxa",
		Short:         "goxa XA transaction manager tooling",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := config.New()
			if err := v.BindPFlag("log.level", cmd.Flags().Lookup("log-level")); err != nil {
				return err
			}
			cfg, err := config.Load(v, a.cfgPath)
			if err != nil {
				return err
			}
			if err := log.Init(cfg.Log); err != nil {
				return fmt.Errorf("init log: %w", err)
			}
			a.cfg = cfg
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&a.cfgPath, "config", "c", "", "config file (defaults to ./goxa.yaml or /etc/goxa/goxa.yaml)")
	cmd.PersistentFlags().String("log-level", "info", "log level: debug/info/warn/error")

	cmd.AddCommand(newRecoverCommand(a))
	cmd.AddCommand(newPartnersCommand(a))
	return cmd
}

// openLogs 两份恢复日志. mysql 时共用一个连接
func (a *app) openLogs(ctx context.Context) (recoverylog.Log, recoverylog.Log, error) {
	s := a.cfg.Storage
	if s.Driver != config.StorageMySQL {
		return recoverylog.NewMemoryLog(s.TranLogName), recoverylog.NewMemoryLog(s.PartnerLogName), nil
	}

	tranLog, err := gormlog.Open(s.DSN, s.TranLogName)
	if err != nil {
		return nil, nil, err
	}
	partnerLog := gormlog.New(tranLog.DB(), s.PartnerLogName)
	if s.AutoMigrate {
		if err := tranLog.AutoMigrate(ctx); err != nil {
			return nil, nil, fmt.Errorf("auto migrate: %w", err)
		}
	}
	return tranLog, partnerLog, nil
}

// newManager 按配置构造 TX Manager 并注册 redis 资源管理器工厂
func (a *app) newManager(ctx context.Context) (*txmanager.TXManager, error) {
	tranLog, partnerLog, err := a.openLogs(ctx)
	if err != nil {
		return nil, err
	}
	logger, err := log.New(a.cfg.Log)
	if err != nil {
		return nil, err
	}

	opts := append(a.cfg.Options(),
		txmanager.WithRecoveryLog(tranLog),
		txmanager.WithPartnerLog(partnerLog),
		txmanager.WithLogger(logger),
	)
	r := a.cfg.Redis
	var factory txmanager.Factory
	if r.Address != "" {
		client := pkg.NewRedisClient(r.Network, r.Address, r.Password)
		opts = append(opts, txmanager.WithLocker(txmanager.NewRedisLocker(client, r.LockKey)))
		factory = example.NewFactory(client)
	} else {
		factory = example.NewFactory(nil)
	}

	m := txmanager.NewTXManager(opts...)
	if err := m.RegisterFactory(factory); err != nil {
		m.Stop()
		return nil, err
	}
	return m, nil
}
