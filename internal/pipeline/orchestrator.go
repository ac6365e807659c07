package pipeline

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/maren/evmount/internal/image"
	"github.com/maren/evmount/internal/ui"
)

// Orchestrator drives the phase state machine across all containers of a
// job. Phase P+1 runs for a container only if it completed phase P; one
// container's failure never blocks the others.
type Orchestrator struct {
	Engine        *image.Engine
	Reconciler    *image.Reconciler
	Audit         *Audit
	Log           *ui.Logger
	Collaborators map[Phase][]Collaborator

	WithVSS     bool
	WithHash    bool
	KeepMounted bool   // leave images mounted after the job (mount verb)
	MaxSize     uint64 // skip containers larger than this, 0 = unlimited
	Parallel    int    // mount phase concurrency, bounded by pool capacity
}

// Outcome is one row of the per-container outcome table.
type Outcome struct {
	Container string   `json:"container"`
	Status    string   `json:"status"`
	Handles   []string `json:"handles,omitempty"`
	SHA256    string   `json:"sha256,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Summary is the job result: every container's outcome plus whether at
// least one reached the requested terminal phase.
type Summary struct {
	Outcomes []Outcome
	Reached  int
}

// Success reports whether the job's exit status should be zero.
func (s *Summary) Success() bool {
	return s.Reached > 0
}

// Run executes the requested phases over the given evidence paths.
// The reconciler sweeps stale state first; a cancelled context triggers a
// second sweep before returning.
func (o *Orchestrator) Run(ctx context.Context, paths []string, phases []Phase, outputDir string) (*Summary, error) {
	o.Reconciler.Sweep()
	o.Audit.Event("reconciled", map[string]interface{}{"event": "reconcile"})

	jobs := o.identify(paths, outputDir)

	terminal := phases[len(phases)-1]
	for i, phase := range phases {
		if ctx.Err() != nil {
			return o.abort(jobs, terminal)
		}

		var prev Phase
		hasPrev := i > 0
		if hasPrev {
			prev = phases[i-1]
		}

		switch phase {
		case PhaseMount:
			o.runMount(ctx, jobs)
		default:
			o.runPhase(ctx, jobs, phase, prev, hasPrev, false)
			// Memory analysis needs the shared mount points of every disk
			// image for symbol extraction, so the memory pass always trails
			// the disk pass within a phase.
			o.runPhase(ctx, jobs, phase, prev, hasPrev, true)
		}
	}

	if !o.KeepMounted {
		o.unmountAll(jobs)
	}

	summary := o.summarize(jobs, terminal)
	o.Audit.Event("summary", map[string]interface{}{
		"event":   "summary",
		"reached": summary.Reached,
		"total":   len(summary.Outcomes),
	})

	if ctx.Err() != nil {
		return o.abort(jobs, terminal)
	}
	return summary, nil
}

// identify classifies every path into a job context. Identification
// failures and oversized containers are recorded, not fatal.
func (o *Orchestrator) identify(paths []string, outputDir string) []*JobContext {
	var jobs []*JobContext
	for _, path := range paths {
		ctr, err := image.Identify(path)
		if err != nil {
			ctr = &image.Container{Path: path, Name: image.ContainerName(path)}
			jc := NewJobContext(ctr, outputDir, o.WithHash)
			jc.Fail(fmt.Errorf("%w: %v", image.ErrIdentificationFailed, err))
			o.Audit.PhaseOutcome(PhaseMount, path, jc.Failed())
			jobs = append(jobs, jc)
			continue
		}

		jc := NewJobContext(ctr, outputDir, o.WithHash)
		if ctr.Family == image.FamilyUnknown {
			jc.Fail(fmt.Errorf("%w: %s (%s)", image.ErrIdentificationFailed, path, ctr.Description))
			o.Log.Warning("skipping %s: unknown format (%s)", path, ctr.Description)
		} else if o.MaxSize > 0 && ctr.Size > o.MaxSize {
			jc.Fail(fmt.Errorf("container %s exceeds size limit", path))
			o.Log.Warning("skipping %s: exceeds size limit", path)
		}
		jobs = append(jobs, jc)
	}
	return jobs
}

// runMount executes Phase 1 for every healthy container, concurrently up
// to the configured bound. The pool's acquire/release is the only
// serialization point; registry writes happen only on confirmed success.
func (o *Orchestrator) runMount(ctx context.Context, jobs []*JobContext) {
	g, _ := errgroup.WithContext(ctx)
	limit := o.Parallel
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)

	for _, jc := range jobs {
		jc := jc
		if jc.Failed() != nil {
			continue
		}
		g.Go(func() error {
			o.mountOne(jc)
			return nil
		})
	}
	g.Wait()
}

func (o *Orchestrator) mountOne(jc *JobContext) {
	name := jc.Container.Path
	o.Audit.PhaseStart(PhaseMount, name)

	if jc.Memory() {
		// Memory images are registered, never mounted; the processing
		// collaborator reads the container file directly.
		handle := image.Handle{Name: jc.Container.Name, Memory: true}
		if err := o.Engine.Registry().Add(jc.Container.Path, handle); err != nil {
			jc.Fail(err)
			o.Audit.PhaseOutcome(PhaseMount, name, err)
			return
		}
		jc.Handles = []image.Entry{{MountPath: jc.Container.Path, Handle: handle}}
		jc.Complete(PhaseMount)
		o.hashContainer(jc)
		o.Audit.Image(name, handle.String(), jc.Container.Path)
		o.Audit.PhaseOutcome(PhaseMount, name, nil)
		return
	}

	result, err := o.Engine.Mount(jc.Container, o.WithVSS)
	if err != nil {
		jc.Fail(err)
		o.Audit.PhaseOutcome(PhaseMount, name, err)
		o.Log.Error("mount of %s failed: %v", name, err)
		return
	}

	jc.Result = result
	jc.Handles = result.Entries
	for _, entry := range result.Entries {
		o.Audit.Image(name, entry.Handle.String(), entry.MountPath)
	}
	jc.Complete(PhaseMount)
	o.hashContainer(jc)
	o.Audit.PhaseOutcome(PhaseMount, name, nil)
}

// hashContainer streams the container through the job's acquisition hash
// and records the digest. Hashing failures are reported but do not fail
// the container; a digest is evidence metadata, not a phase.
func (o *Orchestrator) hashContainer(jc *JobContext) {
	if jc.Hash == nil {
		return
	}

	f, err := os.Open(jc.Container.Path)
	if err != nil {
		o.Log.Warning("cannot hash %s: %v", jc.Container.Path, err)
		return
	}
	defer f.Close()

	if _, err := io.Copy(jc.Hash, f); err != nil {
		o.Log.Warning("cannot hash %s: %v", jc.Container.Path, err)
		return
	}

	jc.Digest = hex.EncodeToString(jc.Hash.Sum(nil))
	o.Audit.Event("hash", map[string]interface{}{
		"event":     "hash",
		"container": jc.Container.Path,
		"sha256":    jc.Digest,
	})
}

// runPhase runs one post-mount phase over every eligible container.
// With memoryPass set it handles only memory images (the deferred slot);
// otherwise it handles only disk images.
func (o *Orchestrator) runPhase(ctx context.Context, jobs []*JobContext, phase, prev Phase, hasPrev, memoryPass bool) {
	for _, jc := range jobs {
		if ctx.Err() != nil {
			return
		}
		if jc.Memory() != memoryPass {
			continue
		}
		if jc.Failed() != nil || (hasPrev && !jc.Completed(prev)) {
			continue
		}

		// Memory images carry no mounted tree; phases that walk one have
		// nothing to do and complete immediately.
		if jc.Memory() && (phase == PhaseCollect || phase == PhaseAnalyse || phase == PhaseIndex) {
			jc.Complete(phase)
			continue
		}

		name := jc.Container.Path
		o.Audit.PhaseStart(phase, name)
		if err := o.runCollaborators(ctx, jc, phase); err != nil {
			jc.Fail(fmt.Errorf("phase %s: %w", phase, err))
			o.Audit.PhaseOutcome(phase, name, err)
			o.Log.Error("%s of %s failed: %v", phase, name, err)
			continue
		}
		jc.Complete(phase)
		o.Audit.PhaseOutcome(phase, name, nil)
	}
}

func (o *Orchestrator) runCollaborators(ctx context.Context, jc *JobContext, phase Phase) error {
	collabs := o.Collaborators[phase]
	if len(collabs) == 0 {
		collabs = []Collaborator{NewNopCollaborator(phase.String())}
	}

	for _, entry := range jc.Handles {
		for _, c := range collabs {
			if err := c.Run(ctx, entry.Handle, entry.MountPath, jc.OutputDir); err != nil {
				return fmt.Errorf("%s on %s: %w", c.Name(), entry.Handle, err)
			}
		}
	}
	return nil
}

func (o *Orchestrator) unmountAll(jobs []*JobContext) {
	for _, jc := range jobs {
		if jc.Result == nil {
			continue
		}
		if err := o.Engine.Unmount(jc.Result); err != nil {
			o.Log.Warning("unmount of %s: %v", jc.Container.Path, err)
		}
	}
	// Memory registrations are keyed by container path.
	for _, jc := range jobs {
		if jc.Memory() && len(jc.Handles) > 0 {
			o.Engine.Registry().Remove(jc.Container.Path)
		}
	}
}

func (o *Orchestrator) summarize(jobs []*JobContext, terminal Phase) *Summary {
	summary := &Summary{}
	for _, jc := range jobs {
		out := Outcome{Container: jc.Container.Path, SHA256: jc.Digest}
		for _, entry := range jc.Handles {
			out.Handles = append(out.Handles, entry.Handle.String())
		}
		if jc.Completed(terminal) {
			out.Status = "completed"
			summary.Reached++
		} else if err := jc.Failed(); err != nil {
			out.Status = "failed"
			out.Error = err.Error()
		} else {
			out.Status = "incomplete"
		}
		summary.Outcomes = append(summary.Outcomes, out)
	}
	return summary
}

// abort handles job-level cancellation: reclaim every OS resource before
// returning the partial summary.
func (o *Orchestrator) abort(jobs []*JobContext, terminal Phase) (*Summary, error) {
	o.Log.Warning("job aborted, reclaiming mounts")
	o.unmountAll(jobs)
	o.Reconciler.Sweep()
	o.Audit.Event("aborted", map[string]interface{}{"event": "abort"})
	return o.summarize(jobs, terminal), context.Canceled
}
