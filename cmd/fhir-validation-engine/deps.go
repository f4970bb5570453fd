package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	fv "github.com/medvertical/fhir-validation-engine"
	"github.com/medvertical/fhir-validation-engine/config"
	"github.com/medvertical/fhir-validation-engine/engine"
	"github.com/medvertical/fhir-validation-engine/loader"
	"github.com/medvertical/fhir-validation-engine/logging"
	"github.com/medvertical/fhir-validation-engine/service"
	"github.com/medvertical/fhir-validation-engine/settings"
	"github.com/medvertical/fhir-validation-engine/specs"
	"github.com/medvertical/fhir-validation-engine/store"
	"github.com/medvertical/fhir-validation-engine/termcache"
	"github.com/medvertical/fhir-validation-engine/termclient"
	"github.com/medvertical/fhir-validation-engine/termrouter"
	"github.com/medvertical/fhir-validation-engine/termservice"
)

const defaultDatabasePath = "fhir-validation-engine.db"

const (
	termCacheCapacity = 10000
	termCacheTTL      = 10 * time.Minute
)

// openDB opens the sqlite database at cfg.DatabaseURL, defaulting to a
// local file when unset.
func openDB(cfg config.Config) (*sqlx.DB, error) {
	path := cfg.DatabaseURL
	if path == "" {
		path = defaultDatabasePath
	}
	return store.Open(path)
}

// newLogger builds the process logger from cfg.LogLevel.
func newLogger(cfg config.Config) (*zap.Logger, error) {
	return logging.New(cfg.LogLevel)
}

// newSettingsService wires settings.Service against the sqlite-backed
// repositories.
func newSettingsService(db *sqlx.DB, log *zap.Logger) *settings.Service {
	return settings.New(
		store.NewSettingsRepository(db),
		store.NewAuditRepository(db),
		store.NewBackupRepository(db),
		log,
	)
}

// activeEnabledAspects resolves the currently active settings' enabled
// aspects and content hash. Before any settings lineage has been
// created, every aspect is treated as enabled, matching the default
// the engine itself applies when no settings have been wired in.
func activeEnabledAspects(ctx context.Context, svc *settings.Service) (map[fv.Aspect]bool, string, error) {
	active, err := svc.GetActiveSettings(ctx)
	if err != nil {
		enabled := make(map[fv.Aspect]bool, len(fv.Aspects))
		for _, a := range fv.Aspects {
			enabled[a] = true
		}
		return enabled, "", nil
	}
	return active.EnabledMap(), active.ContentHash, nil
}

// newProfileService builds a service.ProfileResolver from the embedded
// FHIR specification bundle for version, so the Structural, Primitives,
// and Cardinality phases have a StructureDefinition to validate
// against instead of running inert.
func newProfileService(version fv.FHIRVersion) (service.ProfileResolver, error) {
	specVersion, err := specsVersionFor(version)
	if err != nil {
		return nil, err
	}

	svc := loader.NewInMemoryProfileService()
	for _, filename := range []string{specs.SpecFiles.ProfilesResources, specs.SpecFiles.ProfilesTypes} {
		data, err := specs.ReadFile(specVersion, filename)
		if err != nil {
			return nil, fmt.Errorf("read embedded %s: %w", filename, err)
		}
		if _, err := svc.LoadFromBundle(data); err != nil {
			return nil, fmt.Errorf("load embedded %s: %w", filename, err)
		}
	}
	return svc, nil
}

func specsVersionFor(version fv.FHIRVersion) (specs.FHIRVersion, error) {
	switch version {
	case fv.R4:
		return specs.R4, nil
	case fv.R4B:
		return specs.R4B, nil
	case fv.R5:
		return specs.R5, nil
	default:
		return "", fmt.Errorf("unsupported FHIR version: %s", version)
	}
}

// wireServices builds the profile resolver, terminology service, and
// FHIRPath evaluator and wires all three into v via a single
// SetServices call (one pipeline rebuild instead of one per setter),
// so the Structural/Primitives/Cardinality, Terminology, and
// Business-Rule aspects actually run rather than being silently
// skipped for lack of a backing service. redisAddr configures the
// terminology cache's optional shared tier (empty disables it);
// activeFunc may be nil, which leaves the terminology router on its
// built-in default servers.
//
// The returned Cache owns a Redis connection when redisAddr is set;
// callers should defer its Close alongside the Validator's.
func wireServices(v *engine.Validator, version fv.FHIRVersion, redisAddr string, activeFunc termservice.SettingsSource) (*termcache.Cache, error) {
	profiles, err := newProfileService(version)
	if err != nil {
		return nil, fmt.Errorf("build profile service: %w", err)
	}

	cache, err := termcache.NewFromConfig(termcache.Config{
		RedisAddr:  redisAddr,
		LRUSize:    termCacheCapacity,
		DefaultTTL: termCacheTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("build terminology cache: %w", err)
	}
	terms := termservice.New(cache, termrouter.New(), termclient.New(), activeFunc, version)

	v.SetServices(profiles, terms, nil, service.NewFHIRPathAdapter())
	return cache, nil
}
