package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/Hara602/captureSentry/internal/alert"
	"github.com/Hara602/captureSentry/internal/analysis"
	"github.com/Hara602/captureSentry/internal/config"
	"github.com/Hara602/captureSentry/internal/cryptoutil"
	"github.com/Hara602/captureSentry/internal/delivery"
	"github.com/Hara602/captureSentry/internal/detector"
	"github.com/Hara602/captureSentry/internal/device"
	"github.com/Hara602/captureSentry/internal/dispatch"
	"github.com/Hara602/captureSentry/internal/forensic"
	"github.com/Hara602/captureSentry/internal/ledger"
	"github.com/Hara602/captureSentry/internal/model"
	"github.com/Hara602/captureSentry/internal/monitor"
	"github.com/Hara602/captureSentry/internal/sensor"
	"github.com/Hara602/captureSentry/internal/server"
	"github.com/Hara602/captureSentry/internal/spool"
	"github.com/Hara602/captureSentry/internal/supervisor"
	"github.com/Hara602/captureSentry/internal/sysutil"
	"github.com/Hara602/captureSentry/internal/tagging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// 捕获操作系统信号，优雅关闭
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			defer sysutil.Log.Sync()
			return runAgent(ctx, opts.cfg)
		},
	}
}

// flushFunc 让控制面先于 RetryWorker 构建
type flushFunc func()

func (f flushFunc) FlushNow() { f() }

func runAgent(ctx context.Context, cfg *config.Config) error {
	log := sysutil.Log
	log.Info("🛡️ Capture Sentry Agent Starting...", zap.String("version", cfg.Agent.Version))

	if err := os.MkdirAll(filepath.Dir(cfg.Agent.LockFile), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	release, err := sysutil.AcquireSingleInstance(cfg.Agent.LockFile)
	if err != nil {
		return err
	}
	defer release()

	cipher, err := cryptoutil.NewAESGCM(cfg.Forensic.CryptoKey)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}

	store, err := spool.NewFileStore(cfg.Spool.Dir, cipher, cfg.Spool.EncryptAtRest, log.Named("spool"))
	if err != nil {
		return fmt.Errorf("open spool: %w", err)
	}
	if _, err := store.RecoverOrphanedSending(); err != nil {
		return fmt.Errorf("recover spool: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Ledger.Path), 0o700); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}
	led, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		return err
	}
	defer led.Close()

	payloads, err := forensic.NewService(forensic.Options{
		AppID:       cfg.Agent.AppID,
		TokenSecret: cfg.Forensic.TokenSecret,
		DeviceSalt:  cfg.Forensic.DeviceSalt,
		TokenLength: cfg.Forensic.TokenLength,
		Cipher:      cipher,
	})
	if err != nil {
		return fmt.Errorf("init forensic service: %w", err)
	}
	payloads.BindUser(cfg.Agent.UserID)

	verifier := forensic.NewVerifier(forensic.VerifierOptions{
		TokenSecret: cfg.Forensic.TokenSecret,
		TokenLength: cfg.Forensic.TokenLength,
		Cipher:      cipher,
		Store:       led,
		TraceWindow: cfg.Forensic.TraceWindow.Duration,
		Log:         log.Named("verifier"),
	})

	var worker *delivery.RetryWorker
	srv := server.New(flushFunc(func() { worker.FlushNow() }), verifier, payloads, server.Options{
		Host:           cfg.Server.Host,
		PortStart:      cfg.Server.PortStart,
		PortEnd:        cfg.Server.PortEnd,
		Version:        cfg.Agent.Version,
		Cipher:         cipher,
		EventRateLimit: cfg.Server.EventRateLimit,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Log:            log.Named("server"),
	})
	if _, err := srv.Listen(); err != nil {
		return err
	}

	baseURL := cfg.Delivery.BaseURL
	if baseURL == "" {
		baseURL = srv.URL()
	}
	var wire cryptoutil.Cipher
	if cfg.Delivery.EncryptTransport {
		wire = cipher
	}

	transport := delivery.NewHTTPTransport(delivery.HTTPOptions{
		BaseURL:         baseURL,
		Path:            cfg.Delivery.LogPath,
		ConnectTimeout:  cfg.Delivery.ConnectTimeout.Duration,
		ReadTimeout:     cfg.Delivery.ReadTimeout.Duration,
		Cipher:          wire,
		BreakerFailures: cfg.Delivery.BreakerFailures,
		BreakerOpenFor:  cfg.Delivery.BreakerOpenFor.Duration,
		Log:             log.Named("transport"),
	})
	sender := delivery.NewEventSender(delivery.EventSenderOptions{
		BaseURL:        baseURL,
		Path:           cfg.Delivery.EventPath,
		ConnectTimeout: cfg.Delivery.ConnectTimeout.Duration,
		ReadTimeout:    cfg.Delivery.ReadTimeout.Duration,
		Cipher:         wire,
		AgentVersion:   cfg.Agent.Version,
		Log:            log.Named("forensic-sender"),
	})
	worker = delivery.NewRetryWorker(store, transport, delivery.RetryOptions{
		BatchSize:    cfg.Delivery.BatchSize,
		InitialDelay: cfg.Delivery.InitialDelay.Duration,
		BaseDelay:    cfg.Delivery.BaseDelay.Duration,
		MaxDelay:     cfg.Delivery.MaxDelay.Duration,
		Log:          log.Named("retry"),
	})
	// 启动时立即投递上次遗留的记录
	worker.FlushNow()
	log.Info("📤 delivery target", zap.String("url", transport.URL()))

	alerts := alert.NewDispatcher(store, worker, sender, log.Named("alert"))
	alerts.Attach(detector.New(detector.FromConfig(cfg.Detector), alerts, nil, log.Named("detector")))

	fp := device.NewCollector().Collect()
	log.Info("🖥️ device fingerprint",
		zap.String("deviceId", device.DeviceID(fp, cfg.Forensic.DeviceSalt)),
		zap.String("macQuality", string(fp.MacQuality)),
		zap.Bool("vm", fp.VMSuspect),
	)

	orch := dispatch.New(analysis.NewTypeInspector(), tagging.NewChecker(led), payloads, tagging.NewEncoder(),
		led, alerts, dispatch.Options{
			MaxAttempts:     cfg.Dispatch.MaxAttempts,
			RetryDelay:      cfg.Dispatch.RetryDelay.Duration,
			DedupTTL:        cfg.Dispatch.DedupTTL.Duration,
			DedupCapacity:   cfg.Dispatch.DedupCapacity,
			Opacity:         cfg.Dispatch.WatermarkOpacity,
			WatermarkPrefix: cfg.Dispatch.WatermarkPrefix,
			Fingerprint:     fp,
			Log:             log.Named("dispatch"),
		})

	fileMon, err := monitor.New(log.Named("monitor"))
	if err != nil {
		return fmt.Errorf("monitor init failed: %w", err)
	}
	fileMon.Start()
	defer fileMon.Stop()
	for _, dir := range watchDirs(cfg) {
		if err := fileMon.AddWatch(dir); err != nil {
			log.Error("Failed to watch dir", zap.String("path", dir), zap.Error(err))
			continue
		}
		log.Info("👀 Monitoring started", zap.String("path", dir))
	}

	tree := supervisor.NewTree(log.Named("supervisor"), supervisor.DefaultTreeConfig())
	tree.AddAPI(srv)
	tree.AddPipeline(worker)
	tree.AddPipeline(orch)
	tree.AddPipeline(&monitor.Forwarder{
		Monitor: fileMon,
		Handle:  func(ev model.FileEvent) { orch.Process(ev.FilePath) },
	})
	if cfg.Sensor.Enabled {
		tree.AddPipeline(sensor.New(alerts, sensor.Options{
			ProcRoot:       cfg.Sensor.ProcRoot,
			Interval:       cfg.Sensor.PollInterval.Duration,
			CaptureTools:   cfg.Sensor.CaptureTools,
			RecordingTools: cfg.Sensor.RecordingTools,
			Subject:        payloads.BoundUser,
			Log:            log.Named("sensor"),
		}))
	}

	err = tree.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("👋 agent stopped")
	return nil
}

// watchDirs 配置目录，为空时回退到用户常见目录；可选追加可移动介质挂载点
func watchDirs(cfg *config.Config) []string {
	dirs := append([]string(nil), cfg.Dispatch.WatchDirs...)
	if len(dirs) == 0 {
		if home, err := os.UserHomeDir(); err == nil {
			dirs = sysutil.DefaultWatchDirs(home)
		}
	}
	if cfg.Dispatch.WatchRemovable {
		mounts, err := sysutil.RemovableMounts("/proc/mounts", sysutil.RemovableRoots)
		if err != nil {
			sysutil.Log.Debug("list removable mounts", zap.Error(err))
		}
		dirs = append(dirs, mounts...)
	}
	return dirs
}
