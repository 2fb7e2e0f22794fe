package handler

import (
	"time"

	"go.uber.org/zap"

	"github.com/marianozunino/opshub/internal/alert"
	"github.com/marianozunino/opshub/internal/cleanup"
	"github.com/marianozunino/opshub/internal/config"
	"github.com/marianozunino/opshub/internal/db"
	"github.com/marianozunino/opshub/internal/storage"
	"github.com/marianozunino/opshub/internal/upload"
)

// Handler handles HTTP requests
type Handler struct {
	cfg       *config.Config
	log       *zap.Logger
	db        *db.DB
	validator *upload.Validator
	store     *storage.Store
	alerts    *alert.Dispatcher
	cleanup   *cleanup.Scheduler
	now       func() time.Time
}

// Deps groups the components a Handler serves requests with.
type Deps struct {
	Config    *config.Config
	Log       *zap.Logger
	DB        *db.DB
	Validator *upload.Validator
	Store     *storage.Store
	Alerts    *alert.Dispatcher
	Cleanup   *cleanup.Scheduler
}

// NewHandler creates a new handler
func NewHandler(d Deps) *Handler {
	return &Handler{
		cfg:       d.Config,
		log:       d.Log.Named("handler"),
		db:        d.DB,
		validator: d.Validator,
		store:     d.Store,
		alerts:    d.Alerts,
		cleanup:   d.Cleanup,
		now:       time.Now,
	}
}
