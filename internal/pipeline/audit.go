package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Audit is the append-only per-job audit log: timestamped phase
// transitions and per-container outcomes, one JSON line each. It is the
// only durable artifact the mounting subsystem itself produces.
type Audit struct {
	log  *logrus.Logger
	file *os.File
}

// OpenAudit opens (or creates) <outputDir>/audit.log for appending.
func OpenAudit(outputDir string) (*Audit, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create output directory: %w", err)
	}

	path := filepath.Join(outputDir, "audit.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cannot open audit log: %w", err)
	}

	log := logrus.New()
	log.SetOutput(f)
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetLevel(logrus.InfoLevel)

	return &Audit{log: log, file: f}, nil
}

// Close flushes and closes the underlying file.
func (a *Audit) Close() error {
	return a.file.Close()
}

// PhaseStart records a phase beginning for a container.
func (a *Audit) PhaseStart(phase Phase, container string) {
	a.log.WithFields(logrus.Fields{
		"phase":     phase.String(),
		"container": container,
		"event":     "start",
	}).Info("phase started")
}

// PhaseOutcome records a container's result for one phase.
func (a *Audit) PhaseOutcome(phase Phase, container string, err error) {
	fields := logrus.Fields{
		"phase":     phase.String(),
		"container": container,
		"event":     "outcome",
	}
	if err != nil {
		fields["status"] = "failed"
		fields["error"] = err.Error()
		a.log.WithFields(fields).Warning("phase failed")
		return
	}
	fields["status"] = "ok"
	a.log.WithFields(fields).Info("phase completed")
}

// Image records a successfully registered image handle.
func (a *Audit) Image(container, handle, mountPath string) {
	a.log.WithFields(logrus.Fields{
		"event":     "image",
		"container": container,
		"handle":    handle,
		"mount":     mountPath,
	}).Info("image registered")
}

// Event records a job-level event (reconciliation, abort, summary).
func (a *Audit) Event(name string, fields map[string]interface{}) {
	a.log.WithFields(logrus.Fields(fields)).Info(name)
}
