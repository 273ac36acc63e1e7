// Package snapshot implements SnapshotService: it takes an inventory
// view and atomically materializes it as a bootable directory tree
// under a "current" symlink, never exposing a partial tree to the
// TFTP/HTTP readers that serve it during a boot storm.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/linbo-net/runtime/pkg/atomicfile"
	"github.com/linbo-net/runtime/pkg/events"
	"github.com/linbo-net/runtime/pkg/grub"
	"github.com/linbo-net/runtime/pkg/inventory"
	"github.com/linbo-net/runtime/pkg/log"
	"github.com/linbo-net/runtime/pkg/metrics"
	"github.com/linbo-net/runtime/pkg/types"
)

// ErrValidationFailed means the staged tree failed a post-build
// integrity check; the build is discarded without swapping.
var ErrValidationFailed = fmt.Errorf("snapshot: validation failed")

// Service builds and swaps materialized snapshot trees.
type Service struct {
	baseDir   string
	runtimeIP string
	maxKeep   int
	broker    *events.Broker
	logger    zerolog.Logger

	buildMu sync.Mutex
}

// Config configures a Service.
type Config struct {
	BaseDir   string
	RuntimeIP string
	MaxKeep   int
}

// New creates a SnapshotService rooted at cfg.BaseDir. It clears any
// leftover staging directory from a crashed prior build.
func New(broker *events.Broker, cfg Config) (*Service, error) {
	if cfg.MaxKeep <= 0 {
		cfg.MaxKeep = 3
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: create base dir: %w", err)
	}
	if err := atomicfile.CleanStaging(cfg.BaseDir); err != nil {
		return nil, fmt.Errorf("snapshot: clean stale staging: %w", err)
	}
	return &Service{
		baseDir:   cfg.BaseDir,
		runtimeIP: cfg.RuntimeIP,
		maxKeep:   cfg.MaxKeep,
		broker:    broker,
		logger:    log.WithComponent("snapshot"),
	}, nil
}

// Build performs one full build-validate-swap cycle for view at
// cursor. Only one build runs at a time; callers overlapping with an
// in-flight build simply block on buildMu (SyncService's
// rebuild-coalescing rule keeps this from queuing more than one
// waiter in practice).
func (s *Service) Build(ctx context.Context, view inventory.View, cursor types.Cursor) error {
	s.buildMu.Lock()
	defer s.buildMu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SnapshotBuildDuration)

	stagingDir := filepath.Join(s.baseDir, fmt.Sprintf("staging-%d", time.Now().UnixNano()))
	if err := os.MkdirAll(filepath.Join(stagingDir, "boot", "grub", "hostcfg"), 0o755); err != nil {
		metrics.SnapshotBuildsTotal.WithLabelValues("build_failed").Inc()
		return fmt.Errorf("snapshot: create staging: %w", err)
	}

	rendered := grub.Generate(view, s.runtimeIP)
	for _, host := range rendered.SkippedHosts {
		s.logger.Warn().Str("hostname", host).Msg("host references unknown group, skipping hostcfg symlink")
	}

	if err := s.writeStaged(stagingDir, rendered, view, cursor); err != nil {
		os.RemoveAll(stagingDir)
		metrics.SnapshotBuildsTotal.WithLabelValues("build_failed").Inc()
		return fmt.Errorf("snapshot: write staged tree: %w", err)
	}

	if err := s.validate(stagingDir, rendered, view); err != nil {
		os.RemoveAll(stagingDir)
		metrics.SnapshotBuildsTotal.WithLabelValues("validation_failed").Inc()
		return fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	finalDir := filepath.Join(s.baseDir, fmt.Sprintf("snap-%d", time.Now().UnixNano()))
	if err := s.swap(stagingDir, finalDir); err != nil {
		os.RemoveAll(stagingDir)
		metrics.SnapshotBuildsTotal.WithLabelValues("build_failed").Inc()
		return fmt.Errorf("snapshot: atomic swap: %w", err)
	}

	if err := s.gc(); err != nil {
		s.logger.Error().Err(err).Msg("snapshot garbage collection failed")
	}

	metrics.SnapshotBuildsTotal.WithLabelValues("ok").Inc()
	s.broker.Publish(&events.Event{
		Type:    events.TypeSnapshotSwitched,
		Message: "snapshot switched",
		Metadata: map[string]string{
			"cursor": string(cursor),
			"dir":    filepath.Base(finalDir),
		},
	})

	return nil
}

// writeStaged writes every file named by rendered, plus manifest.json,
// into stagingDir.
func (s *Service) writeStaged(stagingDir string, rendered grub.Result, view inventory.View, cursor types.Cursor) error {
	for _, f := range rendered.GroupConfigs {
		if err := s.writeFile(stagingDir, f); err != nil {
			return err
		}
	}
	for _, f := range rendered.StartConfs {
		if err := s.writeFile(stagingDir, f); err != nil {
			return err
		}
	}
	if err := s.writeFile(stagingDir, rendered.RootConfig); err != nil {
		return err
	}

	for _, link := range rendered.HostSymlinks {
		linkPath := filepath.Join(stagingDir, "boot", "grub", "hostcfg", link.Hostname+".cfg")
		target := filepath.Join("..", link.Group+".cfg")
		if err := os.Symlink(target, linkPath); err != nil {
			return fmt.Errorf("symlink hostcfg for %s: %w", link.Hostname, err)
		}
	}

	manifest := types.Manifest{
		Cursor:      cursor,
		CreatedAt:   time.Now(),
		HostCount:   len(view.Hosts),
		ConfigCount: len(view.Configs),
		ContentHash: rendered.ContentHash,
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := atomicfile.WriteFile(filepath.Join(stagingDir, "manifest.json"), data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	return nil
}

func (s *Service) writeFile(stagingDir string, f grub.RenderedFile) error {
	path := filepath.Join(stagingDir, f.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", f.Path, err)
	}
	if err := atomicfile.WriteFile(path, f.Data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", f.Path, err)
	}
	return nil
}

// validate checks every invariant the manifest promises: the manifest
// file and every rendered file exist, every host symlink dereferences
// within the staging tree, and the group-config count matches.
func (s *Service) validate(stagingDir string, rendered grub.Result, view inventory.View) error {
	manifestPath := filepath.Join(stagingDir, "manifest.json")
	if _, err := os.Stat(manifestPath); err != nil {
		return fmt.Errorf("manifest missing: %w", err)
	}

	for _, f := range rendered.GroupConfigs {
		if _, err := os.Stat(filepath.Join(stagingDir, f.Path)); err != nil {
			return fmt.Errorf("group config missing: %s", f.Path)
		}
	}
	for _, f := range rendered.StartConfs {
		if _, err := os.Stat(filepath.Join(stagingDir, f.Path)); err != nil {
			return fmt.Errorf("start.conf missing: %s", f.Path)
		}
	}
	if _, err := os.Stat(filepath.Join(stagingDir, rendered.RootConfig.Path)); err != nil {
		return fmt.Errorf("root grub.cfg missing: %w", err)
	}

	for _, link := range rendered.HostSymlinks {
		linkPath := filepath.Join(stagingDir, "boot", "grub", "hostcfg", link.Hostname+".cfg")
		resolved, err := filepath.EvalSymlinks(linkPath)
		if err != nil {
			return fmt.Errorf("hostcfg symlink for %s does not resolve: %w", link.Hostname, err)
		}
		rel, err := filepath.Rel(stagingDir, resolved)
		if err != nil || len(rel) >= 2 && rel[:2] == ".." {
			return fmt.Errorf("hostcfg symlink for %s escapes staging tree", link.Hostname)
		}
	}

	if len(rendered.GroupConfigs) != len(view.Configs) {
		return fmt.Errorf("group config count mismatch: rendered %d, view %d", len(rendered.GroupConfigs), len(view.Configs))
	}

	return nil
}

// swap performs the fsync-then-rename sequence that makes stagingDir
// visible at "current", preserving the prior current as "previous".
func (s *Service) swap(stagingDir, finalDir string) error {
	if err := atomicfile.SyncDir(stagingDir); err != nil {
		return err
	}
	if err := os.Rename(stagingDir, finalDir); err != nil {
		return fmt.Errorf("rename staging to final: %w", err)
	}
	if err := atomicfile.SyncDir(s.baseDir); err != nil {
		return err
	}

	currentLink := filepath.Join(s.baseDir, "current")
	previousLink := filepath.Join(s.baseDir, "previous")

	priorTarget, err := os.Readlink(currentLink)
	if err != nil {
		priorTarget = ""
	}

	if err := atomicfile.ReplaceSymlink(currentLink, finalDir); err != nil {
		return fmt.Errorf("swap current symlink: %w", err)
	}

	if priorTarget != "" {
		if err := atomicfile.ReplaceSymlink(previousLink, priorTarget); err != nil {
			return fmt.Errorf("update previous symlink: %w", err)
		}
	}

	return nil
}

// Rollback swaps current and previous, for manually-triggered
// recovery from a bad build.
func (s *Service) Rollback() error {
	current := filepath.Join(s.baseDir, "current")
	previous := filepath.Join(s.baseDir, "previous")
	if err := atomicfile.SwapSymlinks(current, previous); err != nil {
		return fmt.Errorf("snapshot: rollback: %w", err)
	}
	s.logger.Warn().Msg("rolled back current/previous snapshot")
	return nil
}

// gc trims snapshot directories so that at most maxKeep+1 remain in
// total, including whatever current and previous point at.
func (s *Service) gc() error {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return err
	}

	keep := map[string]bool{}
	for _, link := range []string{"current", "previous"} {
		if target, err := os.Readlink(filepath.Join(s.baseDir, link)); err == nil {
			keep[filepath.Base(target)] = true
		}
	}

	var snaps []string
	for _, e := range entries {
		if e.IsDir() && len(e.Name()) > 5 && e.Name()[:5] == "snap-" && !keep[e.Name()] {
			snaps = append(snaps, e.Name())
		}
	}
	sort.Strings(snaps)

	// current/previous occupy two of the maxKeep+1 retained slots, so
	// the non-active window shrinks by however many of them exist.
	extra := len(snaps) - (s.maxKeep + 1 - len(keep))
	for i := 0; i < extra; i++ {
		if err := os.RemoveAll(filepath.Join(s.baseDir, snaps[i])); err != nil {
			return fmt.Errorf("remove old snapshot %s: %w", snaps[i], err)
		}
	}

	remaining, _ := os.ReadDir(s.baseDir)
	count := 0
	for _, e := range remaining {
		if e.IsDir() && len(e.Name()) > 5 && e.Name()[:5] == "snap-" {
			count++
		}
	}
	metrics.SnapshotsRetained.Set(float64(count))

	return nil
}
