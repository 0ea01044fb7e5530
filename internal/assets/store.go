package assets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/funnyzak/recproxy/internal/config"
	"github.com/funnyzak/recproxy/internal/logger"
)

// Store resolves where fixtures live and keeps that location in sync with
// its backing repository. assetsJSON may be empty, in which case fixtures
// live directly under the storage location.
type Store interface {
	// Restore makes the fixtures pinned by assetsJSON available on disk and
	// returns the directory recording files are relative to.
	Restore(ctx context.Context, assetsJSON string) (string, error)
	// Push publishes local fixture changes and records the new SHA in
	// assetsJSON.
	Push(ctx context.Context, assetsJSON string) error
	// Reset discards local, unpushed fixture changes.
	Reset(ctx context.Context, assetsJSON string) error
	// Root returns the directory Restore would return, without touching
	// the network.
	Root(ctx context.Context, assetsJSON string) (string, error)
	// Checkout restores like Restore and runs read against the directory
	// before any other operation may change it.
	Checkout(ctx context.Context, assetsJSON string, read func(dir string) error) error
	// Update runs write against the fixture directory and, when publish is
	// set, pushes the result, with no other operation in between.
	Update(ctx context.Context, assetsJSON string, publish bool, write func(dir string) error) error
}

// New creates a store based on configuration
func New(cfg *config.Config, log logger.Logger) (Store, error) {
	switch strings.ToLower(cfg.Assets.Driver) {
	case "", "git":
		opts := OptionsFromConfig(cfg)
		return NewGitStore(opts, log, nil), nil
	case "local":
		return NewLocalStore(cfg.StorageLocation), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, cfg.Assets.Driver)
	}
}

// OptionsFromConfig maps the assets section onto GitStore options.
func OptionsFromConfig(cfg *config.Config) Options {
	a := cfg.Assets
	opts := Options{
		StorageLocation: cfg.StorageLocation,
		Folder:          a.Folder,
		GitHost:         a.GitHost,
		APIBaseURL:      a.APIBaseURL,
		DefaultBranch:   a.DefaultBranch,
		AutoBranch:      a.AutoBranch,
		UserName:        a.UserName,
		UserEmail:       a.UserEmail,
		MaxRetries:      a.MaxRetries,
		Timeout:         a.Timeout,
	}
	if a.TokenEnv != "" {
		opts.Token = os.Getenv(a.TokenEnv)
	}
	return opts
}

// LocalStore keeps fixtures under a plain directory. Push and Reset are
// no-ops.
type LocalStore struct {
	root string
}

// NewLocalStore roots fixtures at storageLocation.
func NewLocalStore(storageLocation string) *LocalStore {
	return &LocalStore{root: storageLocation}
}

// Restore implements Store
func (l *LocalStore) Restore(ctx context.Context, assetsJSON string) (string, error) {
	return l.Root(ctx, assetsJSON)
}

// Checkout implements Store
func (l *LocalStore) Checkout(ctx context.Context, assetsJSON string, read func(dir string) error) error {
	dir, err := l.Root(ctx, assetsJSON)
	if err != nil {
		return err
	}
	return read(dir)
}

// Update implements Store. There is nothing to publish.
func (l *LocalStore) Update(ctx context.Context, assetsJSON string, publish bool, write func(dir string) error) error {
	dir, err := l.Root(ctx, assetsJSON)
	if err != nil {
		return err
	}
	return write(dir)
}

// Push implements Store
func (l *LocalStore) Push(ctx context.Context, assetsJSON string) error { return nil }

// Reset implements Store
func (l *LocalStore) Reset(ctx context.Context, assetsJSON string) error { return nil }

// Root implements Store. A descriptor is still validated so that a broken
// assets.json fails the same way under both drivers.
func (l *LocalStore) Root(ctx context.Context, assetsJSON string) (string, error) {
	if strings.TrimSpace(assetsJSON) == "" {
		return l.root, nil
	}
	cfg, err := loadConfiguration(l.root, assetsJSON)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.root, filepath.FromSlash(ResolveCheckoutPaths(cfg))), nil
}

// loadConfiguration resolves and parses assetsJSON relative to root.
func loadConfiguration(root, assetsJSON string) (*Configuration, error) {
	target := assetsJSON
	if !filepath.IsAbs(target) {
		target = filepath.Join(root, target)
	}
	location, err := ResolveAssetsJson(target)
	if err != nil {
		return nil, err
	}
	return ParseConfigurationFile(location)
}
