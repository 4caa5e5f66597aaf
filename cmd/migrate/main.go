package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/davidleathers/auction-bidding-engine/internal/infrastructure/config"
	"github.com/davidleathers/auction-bidding-engine/internal/infrastructure/database"
	"github.com/davidleathers/auction-bidding-engine/internal/infrastructure/telemetry"
)

var (
	migrationFile = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)
	nonSlug       = regexp.MustCompile(`[^a-z0-9]+`)
)

func main() {
	var (
		action  = flag.String("action", "up", "Migration action: up, down, status, force, create")
		name    = flag.String("name", "", "Migration name (for create action)")
		steps   = flag.Int("steps", 0, "Number of migrations to run (0 = all)")
		version = flag.Int("version", -1, "Version to force (for force action)")
		dir     = flag.String("dir", "", "Migrations directory (defaults to database.migrations_path)")
	)
	flag.Parse()

	if err := run(*action, *name, *dir, *steps, *version); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

func run(action, name, dir string, steps, version int) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if dir == "" {
		dir = cfg.Database.MigrationsPath
	}

	if action == "create" {
		if name == "" {
			return errors.New("migration name is required for create action")
		}
		up, down, err := createMigration(dir, name)
		if err != nil {
			return err
		}
		logger.Info("created migration", zap.String("up", up), zap.String("down", down))
		return nil
	}

	migrator, err := database.NewMigrator(cfg.Database.URL, dir, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := migrator.Close(); err != nil {
			logger.Warn("failed to close migrator", zap.Error(err))
		}
	}()

	switch action {
	case "up":
		return migrator.Up(steps)
	case "down":
		return migrator.Down(steps)
	case "force":
		if version < 0 {
			return errors.New("version is required for force action")
		}
		return migrator.Force(version)
	case "status":
		v, dirty, err := migrator.Version()
		if err != nil {
			return err
		}
		latest, err := latestVersion(dir)
		if err != nil {
			return err
		}
		logger.Info("migration status",
			zap.Uint("applied", v),
			zap.Int("latest", latest),
			zap.Bool("dirty", dirty),
			zap.Bool("pending", int(v) < latest))
		return nil
	default:
		return fmt.Errorf("unknown action %q", action)
	}
}

// createMigration writes an empty up/down pair numbered after the highest
// existing migration.
func createMigration(dir, name string) (string, string, error) {
	slug := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(name), "_"), "_")
	if slug == "" {
		return "", "", fmt.Errorf("invalid migration name %q", name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create migrations directory: %w", err)
	}

	latest, err := latestVersion(dir)
	if err != nil {
		return "", "", err
	}
	base := fmt.Sprintf("%06d_%s", latest+1, slug)
	up := filepath.Join(dir, base+".up.sql")
	down := filepath.Join(dir, base+".down.sql")

	for _, path := range []string{up, down} {
		content := fmt.Sprintf("-- %s\n", filepath.Base(path))
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return "", "", fmt.Errorf("failed to write %s: %w", path, err)
		}
	}
	return up, down, nil
}

func latestVersion(dir string) (int, error) {
	versions, err := listVersions(dir)
	if err != nil {
		return 0, err
	}
	if len(versions) == 0 {
		return 0, nil
	}
	return versions[len(versions)-1], nil
}

// listVersions returns the sorted versions that have both an up and a down
// file. A half pair is an error.
func listVersions(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	halves := make(map[int]int)
	for _, e := range entries {
		m := migrationFile.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		v, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("bad migration version in %s: %w", e.Name(), err)
		}
		halves[v]++
	}

	versions := make([]int, 0, len(halves))
	for v, n := range halves {
		if n != 2 {
			return nil, fmt.Errorf("migration %06d is missing its up or down file", v)
		}
		versions = append(versions, v)
	}
	sort.Ints(versions)
	return versions, nil
}
