package organization

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata" // settings timezones must resolve without a system zoneinfo

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Backend names the event store an organization's usage is read from.
type Backend string

const (
	BackendPostgres      Backend = "postgres"
	BackendClickhouseRaw Backend = "clickhouse_raw"
	BackendClickhouse    Backend = "clickhouse"
)

// Valid reports whether b is a known backend.
func (b Backend) Valid() bool {
	switch b {
	case BackendPostgres, BackendClickhouseRaw, BackendClickhouse:
		return true
	}
	return false
}

// Columnar reports whether b is served by ClickHouse.
func (b Backend) Columnar() bool {
	return b == BackendClickhouseRaw || b == BackendClickhouse
}

// Settings are the per-organization inputs to engine selection.
type Settings struct {
	ID                 string
	AggregationBackend Backend
	LiveAggregation    bool
	Timezone           string
}

// rawSettings is the on-disk YAML shape.
type rawSettings struct {
	ID                 string `yaml:"id"`
	AggregationBackend string `yaml:"aggregation_backend"`
	LiveAggregation    bool   `yaml:"live_aggregation"`
	Timezone           string `yaml:"timezone"`
}

// Repository looks up organization settings.
type Repository interface {
	// Get returns the settings for the organization, or an error if unknown.
	Get(ctx context.Context, id string) (*Settings, error)

	// List returns every known organization.
	List(ctx context.Context) ([]Settings, error)
}

// FileSystemRepository loads one settings file per organization from a directory.
// Files are read once at startup; there is no hot reload.
type FileSystemRepository struct {
	dir  string
	orgs map[string]Settings
}

// NewFileSystemRepository eagerly loads every *.yaml / *.yml file in dir. A missing
// directory yields an empty repository.
func NewFileSystemRepository(dir string) (*FileSystemRepository, error) {
	repo := &FileSystemRepository{
		dir:  dir,
		orgs: make(map[string]Settings),
	}
	if err := repo.load(); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *FileSystemRepository) load() error {
	info, err := os.Stat(r.dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("organization settings dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("organization settings path %q is not a directory", r.dir)
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("reading organization settings dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || (!strings.HasSuffix(e.Name(), ".yaml") && !strings.HasSuffix(e.Name(), ".yml")) {
			continue
		}

		path := filepath.Join(r.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading settings file %s: %w", path, err)
		}

		var raw rawSettings
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parsing settings file %s: %w", path, err)
		}
		if raw.ID == "" {
			continue // empty / comment-only file
		}

		settings, err := raw.validate()
		if err != nil {
			return fmt.Errorf("settings file %s: %w", path, err)
		}
		if _, exists := r.orgs[settings.ID]; exists {
			return fmt.Errorf("organization %q: duplicate settings (check multiple YAML files)", settings.ID)
		}
		r.orgs[settings.ID] = settings
	}
	return nil
}

func (raw rawSettings) validate() (Settings, error) {
	id, err := uuid.Parse(raw.ID)
	if err != nil {
		return Settings{}, fmt.Errorf("organization id %q is not a UUID: %w", raw.ID, err)
	}

	backend := Backend(raw.AggregationBackend)
	if backend == "" {
		backend = BackendPostgres
	}
	if !backend.Valid() {
		return Settings{}, fmt.Errorf("organization %q: unsupported aggregation_backend %q", raw.ID, raw.AggregationBackend)
	}

	if raw.Timezone != "" {
		if _, err := time.LoadLocation(raw.Timezone); err != nil {
			return Settings{}, fmt.Errorf("organization %q: invalid timezone %q: %w", raw.ID, raw.Timezone, err)
		}
	}

	return Settings{
		ID:                 id.String(),
		AggregationBackend: backend,
		LiveAggregation:    raw.LiveAggregation,
		Timezone:           raw.Timezone,
	}, nil
}

func (r *FileSystemRepository) Get(_ context.Context, id string) (*Settings, error) {
	settings, ok := r.orgs[strings.ToLower(id)]
	if !ok {
		return nil, fmt.Errorf("organization %q not found", id)
	}
	return &settings, nil
}

func (r *FileSystemRepository) List(_ context.Context) ([]Settings, error) {
	out := make([]Settings, 0, len(r.orgs))
	for _, s := range r.orgs {
		out = append(out, s)
	}
	return out, nil
}

// InMemoryRepository serves a fixed set of settings, mostly for tests and embedding.
type InMemoryRepository struct {
	orgs map[string]Settings
}

func NewInMemoryRepository(settings ...Settings) *InMemoryRepository {
	repo := &InMemoryRepository{orgs: make(map[string]Settings, len(settings))}
	for _, s := range settings {
		if s.AggregationBackend == "" {
			s.AggregationBackend = BackendPostgres
		}
		repo.orgs[strings.ToLower(s.ID)] = s
	}
	return repo
}

func (r *InMemoryRepository) Get(_ context.Context, id string) (*Settings, error) {
	if s, ok := r.orgs[strings.ToLower(id)]; ok {
		return &s, nil
	}
	return nil, fmt.Errorf("organization %q not found", id)
}

func (r *InMemoryRepository) List(_ context.Context) ([]Settings, error) {
	out := make([]Settings, 0, len(r.orgs))
	for _, s := range r.orgs {
		out = append(out, s)
	}
	return out, nil
}
