// Package pipeline sequences the six acquisition phases across evidence
// containers and keeps the per-job audit trail.
package pipeline

import (
	"fmt"
	"sort"
	"strings"
)

// Phase is one stage of the acquisition pipeline.
type Phase int

const (
	// PhaseMount exposes containers as filesystem trees.
	PhaseMount Phase = iota
	// PhaseCollect copies artefacts out of mounted images.
	PhaseCollect
	// PhaseProcess runs artefact parsers over collected files.
	PhaseProcess
	// PhaseAnalyse correlates processed output.
	PhaseAnalyse
	// PhaseIndex builds the search index.
	PhaseIndex
	// PhaseArchive packages the output directory. Terminal.
	PhaseArchive
)

// AllPhases lists every phase in execution order.
var AllPhases = []Phase{PhaseMount, PhaseCollect, PhaseProcess, PhaseAnalyse, PhaseIndex, PhaseArchive}

var phaseNames = map[Phase]string{
	PhaseMount:   "mount",
	PhaseCollect: "collect",
	PhaseProcess: "process",
	PhaseAnalyse: "analyse",
	PhaseIndex:   "index",
	PhaseArchive: "archive",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// ParsePhases parses a comma-separated phase list into execution order.
// The mount phase is always included; everything else runs only when
// requested. An empty input selects the full pipeline.
func ParsePhases(s string) ([]Phase, error) {
	if strings.TrimSpace(s) == "" {
		return AllPhases, nil
	}

	selected := map[Phase]bool{PhaseMount: true}
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(strings.ToLower(name))
		if name == "" {
			continue
		}
		found := false
		for p, n := range phaseNames {
			if n == name {
				selected[p] = true
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown phase %q", name)
		}
	}

	var phases []Phase
	for p := range selected {
		phases = append(phases, p)
	}
	sort.Slice(phases, func(i, j int) bool { return phases[i] < phases[j] })
	return phases, nil
}
