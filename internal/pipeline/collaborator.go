package pipeline

import (
	"context"
	"strings"

	"github.com/maren/evmount/internal/image"
	"github.com/maren/evmount/internal/system"
)

// Collaborator is the boundary to artefact collectors, processors,
// analysers, indexers and archivers. A collaborator receives only the
// canonical handle string and a mount path (the container path for memory
// images) and must not assume any particular bridge mechanism was used.
type Collaborator interface {
	Name() string
	Run(ctx context.Context, handle image.Handle, mountPath, outputDir string) error
}

// CommandCollaborator invokes an external tool, substituting {handle},
// {mount} and {output} placeholders in its argument template.
type CommandCollaborator struct {
	name string
	run  system.Runner
	argv []string
}

// NewCommandCollaborator builds a collaborator from an argv template.
func NewCommandCollaborator(name string, run system.Runner, argv []string) *CommandCollaborator {
	return &CommandCollaborator{name: name, run: run, argv: argv}
}

// Name returns the collaborator name used in logs and the audit trail.
func (c *CommandCollaborator) Name() string { return c.name }

// Run executes the command with placeholders substituted.
func (c *CommandCollaborator) Run(_ context.Context, handle image.Handle, mountPath, outputDir string) error {
	if len(c.argv) == 0 {
		return nil
	}

	replacer := strings.NewReplacer(
		"{handle}", handle.String(),
		"{mount}", mountPath,
		"{output}", outputDir,
	)
	args := make([]string, 0, len(c.argv)-1)
	for _, a := range c.argv[1:] {
		args = append(args, replacer.Replace(a))
	}
	return c.run.Run(replacer.Replace(c.argv[0]), args...)
}

// NopCollaborator does nothing; it stands in for phases with no external
// tool configured so the phase still completes and is audited.
type NopCollaborator struct{ name string }

// NewNopCollaborator creates a named no-op collaborator.
func NewNopCollaborator(name string) *NopCollaborator {
	return &NopCollaborator{name: name}
}

// Name returns the collaborator name.
func (c *NopCollaborator) Name() string { return c.name }

// Run does nothing.
func (c *NopCollaborator) Run(context.Context, image.Handle, string, string) error {
	return nil
}
