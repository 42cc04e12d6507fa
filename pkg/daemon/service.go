// Package daemon orchestrates mount cycles: reconcile leftovers, scan
// modules, resolve conflicts, plan, execute, persist. One cycle normally
// runs at boot; watch mode re-runs planning previews on config changes.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/kellerow/modmount/pkg/modmount/catalog"
	"github.com/kellerow/modmount/pkg/modmount/config"
	"github.com/kellerow/modmount/pkg/modmount/conflict"
	"github.com/kellerow/modmount/pkg/modmount/diag"
	"github.com/kellerow/modmount/pkg/modmount/journal"
	"github.com/kellerow/modmount/pkg/modmount/logging"
	"github.com/kellerow/modmount/pkg/modmount/mounter"
	"github.com/kellerow/modmount/pkg/modmount/mountinfo"
	"github.com/kellerow/modmount/pkg/modmount/mountops"
	"github.com/kellerow/modmount/pkg/modmount/planner"
	"github.com/kellerow/modmount/pkg/modmount/state"
	"github.com/kellerow/modmount/pkg/modmount/storage"
)

// ErrNoPlan means the cycle could not even produce a plan: the module
// root or the mount table was unreadable. Per-module mount failures are
// not this error; they are recorded in the cycle report instead.
var ErrNoPlan = errors.New("no mount plan produced")

// SelfID is the daemon's own module id, excluded from scanning so it
// never tries to mount itself.
const SelfID = "modmount"

// Options configure a Service. Zero-value fields select production
// behavior; tests inject fakes.
type Options struct {
	Config *config.Config

	// Ops overrides the mount syscall implementation.
	Ops mountops.Interface

	// LoadTable overrides how the live mount table is read.
	LoadTable func() (*mountinfo.Table, error)

	// Caps overrides device capability detection.
	Caps *planner.Capabilities

	// DisableJournal skips the badger journal, for previews that must not
	// take its lock.
	DisableJournal bool
}

// Service runs mount cycles.
type Service struct {
	cfg       *config.Config
	ops       mountops.Interface
	loadTable func() (*mountinfo.Table, error)
	caps      planner.Capabilities
	noJournal bool

	log       *logging.Logger
	startTime time.Time
}

// NewService creates a service from options.
func NewService(opts Options) *Service {
	s := &Service{
		cfg:       opts.Config,
		ops:       opts.Ops,
		loadTable: opts.LoadTable,
		noJournal: opts.DisableJournal,
		log:       logging.Get("daemon"),
		startTime: time.Now(),
	}
	if s.ops == nil {
		s.ops = mountops.New()
	}
	if s.loadTable == nil {
		s.loadTable = mountinfo.Load
	}
	if opts.Caps != nil {
		s.caps = *opts.Caps
	} else {
		s.caps = DetectCapabilities(s.cfg)
	}
	return s
}

// CycleReport is the full outcome of one mount cycle.
type CycleReport struct {
	CycleID string

	// State is the snapshot the cycle persisted.
	State *state.DaemonState

	// Plan is the resolution that was executed.
	Plan *planner.Plan

	// Results are per-module execution outcomes, catalog order.
	Results []mounter.Result

	// Issues are planning and post-mount diagnostics.
	Issues []diag.Issue

	// OrphansCleared are leftover mounts from a crashed cycle that were
	// unmounted before planning.
	OrphansCleared []string

	Duration time.Duration
}

// Failed counts modules that ended the cycle in Failed state.
func (r *CycleReport) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Failed() {
			n++
		}
	}
	return n
}

// RunCycle executes one full mount cycle. Per-module failures do not fail
// the cycle; only an unreadable mount table or module root does.
func (s *Service) RunCycle(ctx context.Context) (*CycleReport, error) {
	started := time.Now()
	cfg := s.cfg

	table, err := s.loadTable()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoPlan, err)
	}

	prev, err := state.Load(cfg.StatePath())
	if err != nil {
		s.log.Warn("previous state unreadable, treating as absent", "error", err)
		prev = nil
	}

	var jrnl *journal.Journal
	if !s.noJournal {
		jrnl, err = journal.Open(cfg.JournalDir())
		if err != nil {
			s.log.Warn("journal unavailable, continuing without it", "error", err)
		} else {
			defer jrnl.Close()
		}
	}

	orphans := s.findOrphans(prev, table, jrnl)
	if len(orphans) > 0 {
		s.clearOrphans(orphans, jrnl)
		if table, err = s.loadTable(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoPlan, err)
		}
	}

	cat, plan, issues, err := s.plan(table, prev)
	if err != nil {
		return nil, err
	}

	if jrnl != nil {
		if err := jrnl.Reset(); err != nil {
			s.log.Warn("journal reset failed", "error", err)
		}
	}

	st := state.New(cfg.MountSource)
	st.Partitions = plan.Partitions

	results := s.execute(ctx, plan, table, st, jrnl)
	for _, res := range results {
		st.SetModule(state.ModuleState{
			ID:          res.Module,
			Mode:        res.Mode,
			MountPoints: res.MountPoints,
			Success:     !res.Failed(),
			Failure:     failureText(res),
		})
		if m, ok := cat.Get(res.Module); ok {
			m.IsMounted = !res.Failed() && len(res.MountPoints) > 0
		}
	}

	// Ignored modules get a snapshot entry too, so status views can tell
	// "ignored" apart from "never seen".
	for _, mp := range plan.Modules {
		if mp.State != planner.Ignored {
			continue
		}
		st.SetModule(state.ModuleState{
			ID:      mp.Module.ID,
			Mode:    mp.Mode,
			Success: true,
		})
	}

	if err := st.Save(cfg.StatePath()); err != nil {
		s.log.Error("state snapshot not saved", "error", err)
		issues = append(issues, diag.Errorf("state snapshot not saved: %v", err))
	}

	if after, err := s.loadTable(); err == nil {
		issues = append(issues, diag.Analyze(cat, st, after, cfg.Partitions(), cfg.MountSource)...)
	}
	diag.Sort(issues)

	s.notify(ctx)

	report := &CycleReport{
		CycleID:        st.CycleID,
		State:          st,
		Plan:           plan,
		Results:        results,
		Issues:         issues,
		OrphansCleared: orphans,
		Duration:       time.Since(started),
	}
	s.log.Info("cycle complete",
		"cycle", st.CycleID,
		"modules", len(results),
		"failed", report.Failed(),
		"orphans_cleared", len(orphans),
		"duration", report.Duration)
	return report, nil
}

// Preview runs scanning and planning without mounting anything or taking
// the journal lock.
func (s *Service) Preview() (*planner.Plan, []diag.Issue, error) {
	table, err := s.loadTable()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrNoPlan, err)
	}
	prev, err := state.Load(s.cfg.StatePath())
	if err != nil {
		prev = nil
	}
	_, plan, issues, err := s.plan(table, prev)
	if err != nil {
		return nil, nil, err
	}
	return plan, issues, nil
}

// plan performs the read-only half of a cycle: scan, overrides, conflict
// detection, resolution.
func (s *Service) plan(table *mountinfo.Table, prev *state.DaemonState) (*catalog.Catalog, *planner.Plan, []diag.Issue, error) {
	cfg := s.cfg
	var issues []diag.Issue

	overrides, err := config.LoadOverrides(cfg.OverridesPath())
	if err != nil {
		s.log.Warn("override file partially unusable", "error", err)
		issues = append(issues, diag.Warnf("override file partially unusable: %v", err))
	}

	partitions := cfg.Partitions()
	partitions = append(partitions, table.DiscoverPartitions(partitions)...)

	cat, err := catalog.Scan(catalog.Options{
		ModuleDir:   cfg.ModuleDir,
		Partitions:  partitions,
		SelfID:      SelfID,
		MountTable:  table,
		MountedHint: prev.MountedHint(),
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrNoPlan, err)
	}

	conflicts := conflict.Detect(cat, overrides)
	plan := planner.Resolve(cat, overrides, cfg.Mode(), conflicts, s.caps)
	issues = append(issues, plan.Issues...)

	return cat, plan, issues, nil
}

// findOrphans unions snapshot reconciliation with journal leftovers.
// Overlay mounts carry the source tag and show up in the table; magic
// binds do not, so only the journal knows about them after a crash.
func (s *Service) findOrphans(prev *state.DaemonState, table *mountinfo.Table, jrnl *journal.Journal) []string {
	recon := state.Reconcile(prev, table, s.cfg.MountSource)
	orphans := recon.Orphans
	if len(recon.Corrected) > 0 {
		s.log.Info("state corrected against live table", "dropped", recon.Corrected)
	}

	if jrnl == nil {
		return orphans
	}
	entries, err := jrnl.Entries()
	if err != nil {
		s.log.Warn("journal unreadable during reconciliation", "error", err)
		return orphans
	}

	recorded := make(map[string]bool, len(orphans))
	for _, o := range orphans {
		recorded[o] = true
	}
	if prev != nil {
		for _, ms := range prev.Modules {
			for _, p := range ms.MountPoints {
				recorded[p] = true
			}
		}
	}
	for _, e := range entries {
		if !recorded[e.Target] && table.HasMount(e.Target) {
			orphans = append(orphans, e.Target)
			recorded[e.Target] = true
		}
	}
	return orphans
}

func (s *Service) clearOrphans(orphans []string, jrnl *journal.Journal) {
	exec := mounter.NewExecutor(s.ops, nil, s.cfg.MountSource, s.cfg.MountRetries)
	for _, target := range orphans {
		s.log.Warn("clearing orphaned mount", "target", target)
		if err := exec.Unmount(target); err != nil {
			s.log.Error("orphan not cleared", "target", target, "error", err)
			continue
		}
		if jrnl != nil {
			_ = jrnl.Remove(target)
		}
	}
}

// execute applies the plan: overlay partitions concurrently, then the
// per-file strategies serially so their binds land on top of any overlay
// covering the same partition.
func (s *Service) execute(ctx context.Context, plan *planner.Plan, table *mountinfo.Table, st *state.DaemonState, jrnl *journal.Journal) []mounter.Result {
	cfg := s.cfg

	stagingDir := cfg.TempDir
	if stagingDir == "" {
		stagingDir = filepath.Join(cfg.BaseDir, "staging")
	}
	store := storage.NewManager(storage.Options{
		Ops:         s.ops,
		BaseDir:     stagingDir,
		ImagesDir:   cfg.ImagesDir(),
		MountSource: cfg.MountSource,
		ForceImage:  cfg.ForceImageStore,
	})

	kind, err := store.Prepare(ctx)
	if err != nil {
		s.log.Error("staging store unavailable", "error", err)
		return failEverything(plan, err)
	}
	st.StorageMode = string(kind)

	exec := mounter.NewExecutor(s.ops, store, cfg.MountSource, cfg.MountRetries)

	overlayByPartition := make(map[string][]*planner.ModulePlan)
	var serial []*planner.ModulePlan
	for _, mp := range plan.Active() {
		switch mp.State {
		case planner.PlanningOverlay:
			for _, p := range mp.Module.Partitions {
				overlayByPartition[p] = append(overlayByPartition[p], mp)
			}
		case planner.PlanningMagic, planner.PlanningImage:
			serial = append(serial, mp)
		}
	}

	var (
		mu      sync.Mutex
		results []mounter.Result
		wg      sync.WaitGroup
	)

	for partition, layers := range overlayByPartition {
		wg.Add(1)
		go func(partition string, layers []*planner.ModulePlan) {
			defer wg.Done()
			s.journalIntents(jrnl, st.CycleID, layers, "/"+partition)
			rs := exec.MountOverlay(ctx, partition, layers, table)
			s.journalApplied(jrnl, st.CycleID, rs)
			mu.Lock()
			results = append(results, rs...)
			mu.Unlock()
		}(partition, layers)
	}
	wg.Wait()

	// A module spanning several partitions produced one result per
	// partition; merge them.
	results = mergeOverlayResults(results)

	for _, mp := range serial {
		if ctx.Err() != nil {
			break
		}
		s.journalIntents(jrnl, st.CycleID, []*planner.ModulePlan{mp}, "")
		var r mounter.Result
		if mp.State == planner.PlanningImage {
			r = exec.MountImage(ctx, mp)
			if st.ImageDir == "" {
				st.ImageDir = cfg.ImagesDir()
			}
		} else {
			r = exec.MountMagic(ctx, mp)
		}
		s.journalApplied(jrnl, st.CycleID, []mounter.Result{r})
		results = append(results, r)
	}

	return results
}

// journalIntents records the targets a module is about to mount. For
// overlay groups the target is the partition root; per-file strategies
// journal each file target.
func (s *Service) journalIntents(jrnl *journal.Journal, cycleID string, plans []*planner.ModulePlan, overlayTarget string) {
	if jrnl == nil {
		return
	}
	for _, mp := range plans {
		if overlayTarget != "" {
			_ = jrnl.Intent(cycleID, mp.Module.ID, overlayTarget)
			continue
		}
		for _, entry := range mp.Module.Files {
			if entry.Kind != catalog.KindFile {
				continue
			}
			_ = jrnl.Intent(cycleID, mp.Module.ID, entry.TargetPath())
		}
	}
}

func (s *Service) journalApplied(jrnl *journal.Journal, cycleID string, results []mounter.Result) {
	if jrnl == nil {
		return
	}
	for _, r := range results {
		for _, point := range r.MountPoints {
			_ = jrnl.Applied(cycleID, r.Module, point)
		}
	}
}

// mergeOverlayResults collapses per-partition overlay results for the
// same module into one, unioning mount points. A failure on any partition
// fails the module: partial mounts stay live and recorded, but the state
// snapshot and diagnostics must show the module did not fully apply.
func mergeOverlayResults(results []mounter.Result) []mounter.Result {
	byModule := make(map[string]*mounter.Result)
	var order []string
	for _, r := range results {
		existing, ok := byModule[r.Module]
		if !ok {
			c := r
			byModule[r.Module] = &c
			order = append(order, r.Module)
			continue
		}
		existing.MountPoints = append(existing.MountPoints, r.MountPoints...)
		existing.PathErrors = append(existing.PathErrors, r.PathErrors...)
		existing.Skipped = append(existing.Skipped, r.Skipped...)
		if r.Failed() {
			existing.State = planner.Failed
			if existing.Err == nil {
				existing.Err = r.Err
			} else {
				existing.Err = fmt.Errorf("%v; %v", existing.Err, r.Err)
			}
		}
	}
	merged := make([]mounter.Result, 0, len(order))
	for _, id := range order {
		merged = append(merged, *byModule[id])
	}
	return merged
}

func failEverything(plan *planner.Plan, err error) []mounter.Result {
	var results []mounter.Result
	for _, mp := range plan.Active() {
		results = append(results, mounter.Result{
			Module: mp.Module.ID,
			Mode:   mp.Mode,
			State:  planner.Failed,
			Err:    fmt.Errorf("%w: %v", mounter.ErrMountFailed, err),
		})
	}
	return results
}

func failureText(r mounter.Result) string {
	if r.Err != nil {
		return r.Err.Error()
	}
	return ""
}

// notify execs the configured hook command after a completed cycle so the
// root-management framework knows mounting is done.
func (s *Service) notify(ctx context.Context) {
	hook := s.cfg.NotifyHook
	if hook == "" {
		return
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", hook)
	if err := cmd.Run(); err != nil {
		s.log.Warn("notify hook failed", "hook", hook, "error", err)
		return
	}
	s.log.Debug("notify hook ran", "hook", hook)
}

// Uptime reports how long the service has been alive, for status output.
func (s *Service) Uptime() time.Duration {
	return time.Since(s.startTime)
}
