package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	goeen_log "github.com/eencloud/goeen/log"

	"github.com/Unlocker/ecomkassa-frws/internal/api"
	"github.com/Unlocker/ecomkassa-frws/internal/backend"
	"github.com/Unlocker/ecomkassa-frws/internal/core"
	"github.com/Unlocker/ecomkassa-frws/internal/dispatch"
	"github.com/Unlocker/ecomkassa-frws/internal/fiscal"
	_ "github.com/Unlocker/ecomkassa-frws/internal/fiscal/mock"
	_ "github.com/Unlocker/ecomkassa-frws/internal/fiscal/qkkm"
	_ "github.com/Unlocker/ecomkassa-frws/internal/fiscal/umka"
	"github.com/Unlocker/ecomkassa-frws/internal/settings"
)

// deviceRef lets a settings reload swap the active device gateway under the
// running server and poller.
type deviceRef struct {
	mu sync.RWMutex
	gw fiscal.Gateway
}

func (r *deviceRef) get() fiscal.Gateway {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gw
}

func (r *deviceRef) set(gw fiscal.Gateway) {
	r.mu.Lock()
	r.gw = gw
	r.mu.Unlock()
}

// governorRef tracks the breaker of the current scheduler for the API.
type governorRef struct {
	mu  sync.RWMutex
	gov *core.PollGovernor
}

func (r *governorRef) set(gov *core.PollGovernor) {
	r.mu.Lock()
	r.gov = gov
	r.mu.Unlock()
}

func (r *governorRef) GetStats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.gov == nil {
		return map[string]interface{}{}
	}
	return r.gov.GetStats()
}

func buildDevice(logger *goeen_log.Logger, cfg settings.Settings) (fiscal.Gateway, error) {
	return fiscal.New(cfg.Fiscal.Kind, logger, fiscal.Config{
		Host:       cfg.Fiscal.Host,
		Port:       cfg.Fiscal.Port,
		AppVersion: cfg.App.Version,
		Encoding:   cfg.Fiscal.Encoding,
	})
}

func main() {
	logger := goeen_log.NewContext(os.Stdout, "", goeen_log.LevelInfo).GetLogger("ecomkassa-frws", goeen_log.LevelInfo)
	logger.Info("Starting fiscal registrar web service...")

	settingsManager, err := settings.NewManager(logger)
	if err != nil {
		logger.Fatalf("Failed to load settings: %v", err)
	}
	cfg := settingsManager.Current()

	dataDir := cfg.Storage.DataDir
	if dataDir == "" {
		dataDir = core.GetDataDirectory()
	}

	roundStore, err := core.NewRoundStore(filepath.Join(dataDir, "badger_db"), cfg.Storage.StoreMaxSizeGB, logger)
	if err != nil {
		logger.Fatalf("Failed to create round store: %v", err)
	}
	defer func() {
		if err := roundStore.Close(); err != nil {
			logger.Errorf("Failed to close round store: %v", err)
		}
	}()

	auditLogger := core.NewAuditLogger(filepath.Join(dataDir, "audit"), cfg.Storage.AuditMaxSizeMB, logger)

	device, err := buildDevice(logger, cfg)
	if err != nil {
		logger.Fatalf("Failed to create %s device: %v", cfg.Fiscal.Kind, err)
	}
	devices := &deviceRef{}
	devices.set(device)
	governors := &governorRef{}

	bg := backend.NewRestGateway(logger, cfg.Backend.RootURL,
		&http.Client{Timeout: cfg.Backend.Timeout}).WithAudit(auditLogger)

	// pollMu guards pollCancel: the settings-change goroutine swaps it while
	// shutdown reads it.
	var (
		pollMu     sync.Mutex
		pollCancel context.CancelFunc
	)
	restartPolling := func(cfg settings.Settings) {
		pollMu.Lock()
		defer pollMu.Unlock()
		if pollCancel != nil {
			pollCancel()
		}
		ctx, cancel := context.WithCancel(context.Background())
		pollCancel = cancel
		task := dispatch.NewTask(logger, devices.get(), bg, cfg.Poll.CcmIDs).
			WithJournal(roundStore)
		scheduler := dispatch.NewScheduler(logger, task, cfg.Poll.Interval)
		governors.set(scheduler.Governor())
		go scheduler.Run(ctx)
	}
	restartPolling(cfg)

	server := api.NewServer(cfg.HTTP.Address(), logger, settingsManager, devices.get, roundStore, governors)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("Management server failed: %v", err)
		}
	}()

	// SIGHUP re-reads the environment, rebuilds the device and restarts the
	// polling loop with the new settings.
	go func() {
		for range settingsManager.Changes() {
			next := settingsManager.Current()
			newDevice, err := buildDevice(logger, next)
			if err != nil {
				logger.Errorf("Failed to rebuild %s device, keeping the old one: %v", next.Fiscal.Kind, err)
				continue
			}
			devices.set(newDevice)
			restartPolling(next)
			logger.Infof("Applied new settings: device %s, %d machines", next.Fiscal.Kind, len(next.Poll.CcmIDs))
		}
	}()

	reloadCh := make(chan os.Signal, 1)
	signal.Notify(reloadCh, syscall.SIGHUP)
	go func() {
		for range reloadCh {
			if err := settingsManager.Reload(); err != nil {
				logger.Errorf("Settings reload failed: %v", err)
			}
		}
	}()

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)
	<-stopCh

	pollMu.Lock()
	pollCancel()
	pollMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	if err := server.Stop(ctx); err != nil {
		logger.Errorf("Management server stop failed: %v", err)
	}
	cancel()
	logger.Info("Fiscal registrar web service stopped")
}
