// Package cli implements the jaskledger subcommands.
package cli

import (
	"database/sql"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/jask/jaskledger/internal/config"
	"github.com/jask/jaskledger/internal/database"
	"github.com/jask/jaskledger/internal/database/repository"
	"github.com/jask/jaskledger/internal/dedup"
	"github.com/jask/jaskledger/internal/extract"
	"github.com/jask/jaskledger/internal/lock"
	"github.com/jask/jaskledger/internal/logging"
	"github.com/jask/jaskledger/internal/service"
	"github.com/jask/jaskledger/internal/workspace"
)

// App holds the services one command invocation works with.
type App struct {
	Config config.Config
	Logger *zap.Logger
	Out    io.Writer

	db       *sql.DB
	store    *service.Store
	ingest   *service.IngestService
	recon    *service.Reconciler
	undo     *service.UndoService
	rederive *service.Rederiver
	mapping  *service.MappingService
	maint    *service.MaintenanceService
}

// Open builds the service graph for cfg.
func Open(cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, err
	}
	policy, err := cfg.DedupPolicy()
	if err != nil {
		return nil, err
	}
	ws, err := workspace.Open(cfg.Workspace.Root)
	if err != nil {
		return nil, err
	}
	formats, err := extract.LoadFormats(cfg.Workspace.Formats)
	if err != nil {
		return nil, err
	}
	reg := extract.NewRegistry()
	for _, f := range formats {
		reg.Register(extract.NewCSV(f))
	}
	db, err := database.OpenCatalog(cfg.Workspace.Catalog)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	store := &service.Store{
		WS:         ws,
		Locks:      lock.NewManager(ws.LocksDir(), cfg.Lock.Owner, lock.WithWait(cfg.Lock.Wait), lock.WithLogger(logger)),
		Extractors: reg,
		Documents:  repository.NewDocumentRepo(db),
		Reviews:    repository.NewReviewRepo(db),
		Logger:     logger,
	}
	engine := dedup.New(policy)
	return &App{
		Config:   cfg,
		Logger:   logger,
		Out:      os.Stdout,
		db:       db,
		store:    store,
		ingest:   &service.IngestService{Store: store, Engine: engine},
		recon:    &service.Reconciler{Store: store, Transfers: TransferPolicy(cfg.Transfer)},
		undo:     &service.UndoService{Store: store},
		rederive: &service.Rederiver{Store: store, Engine: engine},
		mapping:  &service.MappingService{Store: store},
		maint:    &service.MaintenanceService{Store: store, DB: db},
	}, nil
}

// TransferPolicy converts the transfer section of the config.
func TransferPolicy(c config.TransferConfig) service.TransferPolicy {
	return service.TransferPolicy{Keywords: c.Keywords, WindowDays: c.WindowDays}
}

func (a *App) Close() error {
	_ = a.Logger.Sync()
	return a.db.Close()
}

// loadApp reads the configuration and opens the app. Tests replace it.
var loadApp = func() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Open(cfg)
}
