// Package pipeline drives the four derivation layers over the store:
// extraction, theme aggregation, insight synthesis, and dossier
// curation. Each layer commits before the next starts, so an
// interrupted run keeps everything already landed and the next run
// resumes past it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Napageneral/dossier/internal/adapters"
	"github.com/Napageneral/dossier/internal/store"
)

// Pipeline run states. A run walks them in order up to its target
// layer; any failure flips the record to StateFailed with the stage
// name preserved in the error text.
const (
	StatePending      = "PENDING"
	StateExtracting   = "EXTRACTING"
	StateAggregating  = "AGGREGATING"
	StateSynthesizing = "SYNTHESIZING"
	StateCurating     = "CURATING"
	StateDone         = "DONE"
	StateFailed       = "FAILED"
)

// Options select what one pipeline run covers.
type Options struct {
	TargetLayer int       // run through this layer, 1..4; 0 means 4
	StartLayer  int       // 1 full, 2 regenerate, 4 curate only; 0 means 1
	Types       []string  // restrict source types; empty keeps all
	Since       time.Time // keep only sources created at or after this
	Limit       int       // cap the candidate count; 0 means unlimited
	Force       bool      // re-extract regardless of processed records
	FactsOnly   bool      // stop after extraction
	DryRun      bool      // report what would happen, write nothing
	ForceDerive bool      // re-run layers 2 and 3 even when digests match
}

func (opts Options) filter() store.RunFilter {
	f := store.RunFilter{
		Types:     opts.Types,
		Limit:     opts.Limit,
		Force:     opts.Force,
		FactsOnly: opts.FactsOnly,
		DryRun:    opts.DryRun,
	}
	if !opts.Since.IsZero() {
		f.Since = opts.Since.Format("2006-01-02")
	}
	return f
}

// Candidate is one source selected for extraction.
type Candidate struct {
	ID      string              `json:"id"`
	Adapter string              `json:"adapter"`
	Info    adapters.SourceInfo `json:"info"`
	Reason  string              `json:"reason"` // new, updated, forced
}

// Result reports what one run did, or on a dry run, would do.
type Result struct {
	Run        store.RunRecord `json:"run"`
	Candidates []Candidate     `json:"candidates,omitempty"`
	Plans      []CurationPlan  `json:"plans,omitempty"`
}

// Orchestrator owns the layer state machine. Extraction commits per
// source, the later layers commit per layer; the store lock is only
// held inside those commits, never across a collaborator call.
type Orchestrator struct {
	store       *store.Store
	adapters    []adapters.Adapter
	extractor   *Extractor
	aggregator  *Aggregator
	synthesizer *Synthesizer
	curator     *Curator
	Logf        func(format string, args ...any)
}

// New wires an Orchestrator from its parts.
func New(st *store.Store, adapterList []adapters.Adapter, ex *Extractor, ag *Aggregator, sy *Synthesizer, cu *Curator) *Orchestrator {
	return &Orchestrator{
		store:       st,
		adapters:    adapterList,
		extractor:   ex,
		aggregator:  ag,
		synthesizer: sy,
		curator:     cu,
	}
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.Logf != nil {
		o.Logf(format, args...)
	}
}

// Run executes the state machine through opts.TargetLayer and records
// a RunRecord in the store (dry runs record nothing). The returned
// Result is populated even when the run fails partway.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.TargetLayer == 0 {
		opts.TargetLayer = 4
	}
	if opts.StartLayer == 0 {
		opts.StartLayer = 1
	}

	run := store.RunRecord{
		ID:          "run_" + uuid.New().String(),
		StartedAt:   time.Now().UTC(),
		State:       StatePending,
		TargetLayer: opts.TargetLayer,
		Filter:      opts.filter(),
	}
	result := &Result{}
	o.logf("run %s starting (layers %d-%d)", run.ID, opts.StartLayer, opts.TargetLayer)

	err := o.advance(ctx, opts, &run, result)
	run.FinishedAt = time.Now().UTC()
	if err != nil {
		run.Error = fmt.Sprintf("%s: %v", run.State, err)
		run.State = StateFailed
		o.logf("run %s failed: %s", run.ID, run.Error)
	} else {
		run.State = StateDone
		o.logf("run %s done: %d sources, %d facts added, %d themes, %d insights",
			run.ID, run.Stats.SourcesExtracted, run.Stats.FactsAdded,
			run.Stats.ThemesTotal, run.Stats.InsightsTotal)
	}
	result.Run = run

	if !opts.DryRun {
		if _, cerr := o.store.Commit(func(snap *store.Snapshot) error {
			snap.AppendRun(run)
			return nil
		}); cerr != nil {
			o.logf("failed to record run %s: %v", run.ID, cerr)
		}
	}
	return result, err
}

// Regenerate re-runs layers 2 through 4 against already-extracted
// facts. Layer 1 and the processed-source ledger are untouched.
func (o *Orchestrator) Regenerate(ctx context.Context) (*Result, error) {
	return o.Run(ctx, Options{StartLayer: 2, TargetLayer: 4, ForceDerive: true})
}

// Curate runs the incremental layer 4 pass alone.
func (o *Orchestrator) Curate(ctx context.Context, dryRun bool) (*Result, error) {
	return o.Run(ctx, Options{StartLayer: 4, TargetLayer: 4, DryRun: dryRun})
}

func (o *Orchestrator) advance(ctx context.Context, opts Options, run *store.RunRecord, result *Result) error {
	if opts.StartLayer <= 1 && opts.TargetLayer >= 1 {
		run.State = StateExtracting
		if err := o.extract(ctx, opts, run, result); err != nil {
			return err
		}
		if opts.FactsOnly {
			return nil
		}
	}
	if opts.StartLayer <= 2 && opts.TargetLayer >= 2 {
		run.State = StateAggregating
		if err := o.aggregate(ctx, opts, run); err != nil {
			return err
		}
	}
	if opts.StartLayer <= 3 && opts.TargetLayer >= 3 {
		run.State = StateSynthesizing
		if err := o.synthesize(ctx, opts, run); err != nil {
			return err
		}
	}
	if opts.TargetLayer >= 4 {
		run.State = StateCurating
		if err := o.curate(ctx, opts, run, result); err != nil {
			return err
		}
	}
	return nil
}

// selectCandidates lists every adapter and applies the selection
// policy: type restriction, the since cutoff, then the processed
// ledger (skipped entirely under force), ordered oldest first with the
// source id as tie-break, truncated to the limit.
func (o *Orchestrator) selectCandidates(ctx context.Context, snap *store.Snapshot, opts Options) ([]Candidate, error) {
	var out []Candidate
	for _, adapter := range adapters.Filter(o.adapters, opts.Types) {
		infos, err := adapter.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s sources: %w", adapter.Name(), err)
		}
		for _, info := range infos {
			if !opts.Since.IsZero() && info.CreatedAt.Before(opts.Since) {
				continue
			}
			id := store.SourceID(info.Type, info.Ref)
			rec, processed := snap.ProcessedSources[id]
			var reason string
			switch {
			case opts.Force:
				reason = "forced"
			case !processed:
				reason = "new"
			case info.UpdatedAt.After(rec.UpdatedAt):
				reason = "updated"
			default:
				continue
			}
			out = append(out, Candidate{ID: id, Adapter: adapter.Name(), Info: info, Reason: reason})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Info.CreatedAt.Equal(out[j].Info.CreatedAt) {
			return out[i].Info.CreatedAt.Before(out[j].Info.CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (o *Orchestrator) extract(ctx context.Context, opts Options, run *store.RunRecord, result *Result) error {
	snap, err := o.store.Reload()
	if err != nil {
		return err
	}
	candidates, err := o.selectCandidates(ctx, snap, opts)
	if err != nil {
		return err
	}
	run.Stats.SourcesSeen = len(candidates)
	result.Candidates = candidates
	if opts.DryRun {
		o.logf("dry run: %d sources would be extracted", len(candidates))
		return nil
	}

	byName := make(map[string]adapters.Adapter, len(o.adapters))
	for _, a := range o.adapters {
		byName[a.Name()] = a
	}

	failed := 0
	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		var prior *store.ProcessedSource
		if rec, ok := snap.ProcessedSources[cand.ID]; ok {
			prior = &rec
		}
		if err := o.extractOne(ctx, opts, byName[cand.Adapter], cand, prior, run); err != nil {
			// Store contention means another writer owns the file;
			// retrying the remaining sources would hit the same wall.
			if errors.Is(err, store.ErrLockHeld) || errors.Is(err, store.ErrLockStale) {
				return err
			}
			failed++
			run.Stats.SourcesFailed++
			o.logf("extraction failed, will retry next run: %v", err)
		}
	}
	if len(candidates) > 0 && failed == len(candidates) {
		return fmt.Errorf("all %d candidate sources failed: %w", failed, ErrExtractionFailed)
	}
	return nil
}

// extractOne fetches, extracts, and commits one source. The facts and
// the processed-source record land in the same commit; any failure
// before that leaves the record unwritten so the next run retries the
// whole source.
func (o *Orchestrator) extractOne(ctx context.Context, opts Options, adapter adapters.Adapter, cand Candidate, prior *store.ProcessedSource, run *store.RunRecord) error {
	if adapter == nil {
		return fmt.Errorf("source %s: %w: adapter %s not registered", cand.ID, ErrExtractionFailed, cand.Adapter)
	}
	content, err := adapter.Fetch(ctx, cand.Info.Ref)
	if err != nil {
		return fmt.Errorf("source %s: %w: %v", cand.ID, ErrExtractionFailed, err)
	}
	hash := store.ContentHash(content)
	now := time.Now().UTC()

	if !opts.Force && prior != nil && prior.ContentHash == hash {
		o.logf("source %s content unchanged, refreshing watermark", cand.ID)
		_, err = o.store.Commit(func(s *store.Snapshot) error {
			upsertSource(s, cand, now)
			rec, ok := s.ProcessedSources[cand.ID]
			if !ok {
				rec = store.ProcessedSource{SourceID: cand.ID, ProcessedAt: now, LayerReached: 1}
			}
			rec.ContentHash = hash
			rec.UpdatedAt = cand.Info.UpdatedAt
			s.ProcessedSources[cand.ID] = rec
			return nil
		})
		return err
	}

	src := store.Source{
		ID:         cand.ID,
		Type:       cand.Info.Type,
		Title:      cand.Info.Title,
		Ref:        cand.Info.Ref,
		CreatedAt:  cand.Info.CreatedAt,
		IngestedAt: now,
	}
	facts, err := o.extractor.ExtractSource(ctx, src, content)
	if err != nil {
		return err
	}

	added := 0
	_, err = o.store.Commit(func(s *store.Snapshot) error {
		added = 0
		upsertSource(s, cand, now)

		// New extraction output supersedes this source's old facts.
		var kept []store.Fact
		existing := map[string]bool{}
		for _, f := range s.Facts {
			if f.SourceID == src.ID {
				existing[f.ID] = true
				continue
			}
			kept = append(kept, f)
		}
		for _, f := range facts {
			if !existing[f.ID] {
				added++
			}
			kept = append(kept, f)
		}
		s.Facts = kept

		s.ProcessedSources[src.ID] = store.ProcessedSource{
			SourceID:     src.ID,
			ContentHash:  hash,
			UpdatedAt:    cand.Info.UpdatedAt,
			ProcessedAt:  now,
			LayerReached: 1,
		}
		return nil
	})
	if err != nil {
		return err
	}
	run.Stats.SourcesExtracted++
	run.Stats.FactsAdded += added
	o.logf("source %s (%s): %d facts, %d new", src.ID, cand.Reason, len(facts), added)
	return nil
}

// upsertSource records the source entity, keeping the original
// IngestedAt when it was seen before.
func upsertSource(s *store.Snapshot, cand Candidate, now time.Time) {
	src := store.Source{
		ID:         cand.ID,
		Type:       cand.Info.Type,
		Title:      cand.Info.Title,
		Ref:        cand.Info.Ref,
		CreatedAt:  cand.Info.CreatedAt,
		IngestedAt: now,
	}
	if existing, ok := s.SourceByID(src.ID); ok {
		src.IngestedAt = existing.IngestedAt
	}
	s.UpsertSource(src)
}

func (o *Orchestrator) aggregate(ctx context.Context, opts Options, run *store.RunRecord) error {
	snap, err := o.store.Reload()
	if err != nil {
		return err
	}
	digest := store.SetDigest(snap.FactIDSet())
	if !opts.ForceDerive && snap.Derivations.ThemesFactsDigest == digest {
		run.Stats.ThemesTotal = len(snap.Themes)
		o.logf("themes already cover the current %d facts, skipping aggregation", len(snap.Facts))
		return nil
	}
	if opts.DryRun {
		o.logf("dry run: would aggregate %d facts", len(snap.Facts))
		return nil
	}

	themes, err := o.aggregator.AggregateThemes(ctx, snap.Facts)
	if err != nil {
		return err
	}
	_, err = o.store.Commit(func(s *store.Snapshot) error {
		keepTimes := make(map[string]time.Time, len(s.Themes))
		for _, t := range s.Themes {
			keepTimes[t.ID] = t.UpdatedAt
		}
		for i := range themes {
			if ts, ok := keepTimes[themes[i].ID]; ok {
				themes[i].UpdatedAt = ts
			}
		}
		s.Themes = themes
		s.Derivations.ThemesFactsDigest = digest
		return nil
	})
	if err != nil {
		return err
	}
	run.Stats.ThemesTotal = len(themes)
	return nil
}

func (o *Orchestrator) synthesize(ctx context.Context, opts Options, run *store.RunRecord) error {
	snap, err := o.store.Reload()
	if err != nil {
		return err
	}
	digest := store.SetDigest(snap.ThemeIDSet())
	if !opts.ForceDerive && snap.Derivations.InsightsThemesDigest == digest {
		run.Stats.InsightsTotal = len(snap.Insights)
		o.logf("insights already cover the current %d themes, skipping synthesis", len(snap.Themes))
		return nil
	}
	if opts.DryRun {
		o.logf("dry run: would synthesize from %d themes", len(snap.Themes))
		return nil
	}

	insights, err := o.synthesizer.SynthesizeInsights(ctx, snap.Themes, snap.Facts)
	if err != nil {
		return err
	}
	_, err = o.store.Commit(func(s *store.Snapshot) error {
		keepTimes := make(map[string]time.Time, len(s.Insights))
		for _, in := range s.Insights {
			keepTimes[in.ID] = in.DerivedAt
		}
		for i := range insights {
			if ts, ok := keepTimes[insights[i].ID]; ok {
				insights[i].DerivedAt = ts
			}
		}
		s.Insights = insights
		s.Derivations.InsightsThemesDigest = digest
		return nil
	})
	if err != nil {
		return err
	}
	run.Stats.InsightsTotal = len(insights)
	return nil
}

func (o *Orchestrator) curate(ctx context.Context, opts Options, run *store.RunRecord, result *Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	snap, err := o.store.Reload()
	if err != nil {
		return err
	}
	for _, doc := range Documents {
		var prior *store.Dossier
		if d, ok := snap.DossierByName(doc.Name); ok {
			prior = &d
		}
		res, err := o.curator.CurateDoc(doc, prior, snap.Insights)
		if err != nil {
			return err
		}
		result.Plans = append(result.Plans, res.Plan)
		if opts.DryRun {
			continue
		}
		if !res.Plan.Changed() && prior != nil {
			continue
		}
		if err := o.curator.Apply(res); err != nil {
			return err
		}
		if _, err := o.store.Commit(func(s *store.Snapshot) error {
			s.UpsertDossier(res.Record)
			return nil
		}); err != nil {
			return err
		}
		if res.Plan.Changed() {
			run.Stats.DossiersRendered++
		}
	}
	return nil
}
