package app

import (
	"errors"
	"sync"
	"time"

	"examprep/pkg/storage"
	"examprep/pkg/store"
	"examprep/services/planner/internal/extract"
	"examprep/services/planner/internal/gateway"
)

// Config holds the collaborators of the application.
type Config struct {
	Store     *store.Store
	Gateway   *gateway.Gateway
	Extractor *extract.Extractor
	// Objects archives raw uploads. Optional.
	Objects storage.ObjectStore
	// ExtractConcurrency bounds parallel text extraction. Defaults to 4.
	ExtractConcurrency int
	// PresignExpiry is the lifetime of download URLs. Defaults to 15 minutes.
	PresignExpiry time.Duration
}

// App implements identity, ingestion, analysis enrichment and the plan
// lifecycle on top of the persistence layer and the AI gateway.
type App struct {
	store         *store.Store
	gateway       *gateway.Gateway
	extractor     *extract.Extractor
	objects       storage.ObjectStore
	concurrency   int
	presignExpiry time.Duration

	// Serializes the email uniqueness check with user creation.
	registerMu sync.Mutex

	plannersMu sync.Mutex
	planners   map[plannerKey]*PlanSession
}

type plannerKey struct {
	userID     string
	documentID string
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Gateway == nil {
		return nil, errors.New("gateway required")
	}
	extractor := cfg.Extractor
	if extractor == nil {
		extractor = extract.New(extract.Options{})
	}
	concurrency := cfg.ExtractConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	presignExpiry := cfg.PresignExpiry
	if presignExpiry <= 0 {
		presignExpiry = 15 * time.Minute
	}
	return &App{
		store:         cfg.Store,
		gateway:       cfg.Gateway,
		extractor:     extractor,
		objects:       cfg.Objects,
		concurrency:   concurrency,
		presignExpiry: presignExpiry,
		planners:      make(map[plannerKey]*PlanSession),
	}, nil
}
