// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

// Package pipeline declares the processing graph as data. Stage handlers and
// the worker runtime consult the definition instead of hard-coding edges, so
// the graph is inspectable and the routing testable.
package pipeline

import (
	"github.com/zeebo/errs"

	"clearpath.io/pagw/gateway/tracker"
)

// Error is the default pipeline errs class.
var Error = errs.Class("pipeline")

// Stage names. Each name is also the stage's logical queue name.
const (
	StageParse       = "parse"
	StageValidate    = "validate"
	StageEnrich      = "enrich"
	StageAttachments = "attachments"
	StageConvert     = "convert"
	StagePayerCall   = "payer-call"
	StageBuildResp   = "build-response"
	StageNotify      = "notify-subscribers"
)

// Additional logical queues outside the stage graph.
const (
	QueueOrchestratorComplete = "orchestrator-complete"
	QueueOutboxPublisher      = "outbox-publisher"
	QueueDLQ                  = "dlq"
)

// Stage describes one node of the graph.
type Stage struct {
	Name string
	// Next is the main-path successor; empty for the last stage and for
	// side-path terminals.
	Next string
	// FanOut names side-path stages that a successful run may additionally
	// route to, guarded by the envelope (hasAttachments).
	FanOut []string
	// SidePath marks stages whose terminality does not gate the main path.
	SidePath bool

	// Tracker statuses bracketing a run of this stage.
	InProgress tracker.Status
	Done       tracker.Status
	Error      tracker.Status
}

// Definition is the whole graph in topological order.
type Definition struct {
	stages []Stage
	byName map[string]int
}

// Default is the production graph.
func Default() *Definition {
	def, err := New([]Stage{
		{
			Name: StageParse, Next: StageValidate, FanOut: []string{StageAttachments},
			InProgress: tracker.StatusParsing, Done: tracker.StatusParsed, Error: tracker.StatusParseError,
		},
		{
			Name: StageValidate, Next: StageEnrich,
			InProgress: tracker.StatusValidating, Done: tracker.StatusValidated, Error: tracker.StatusValidationError,
		},
		{
			Name: StageEnrich, Next: StageConvert,
			InProgress: tracker.StatusEnriching, Done: tracker.StatusEnriched, Error: tracker.StatusEnrichmentError,
		},
		{
			Name: StageConvert, Next: StagePayerCall,
			InProgress: tracker.StatusConverting, Done: tracker.StatusConverted, Error: tracker.StatusConversionError,
		},
		{
			Name: StagePayerCall, Next: StageBuildResp,
			InProgress: tracker.StatusSubmitting, Done: tracker.StatusSubmitted, Error: tracker.StatusSubmissionError,
		},
		{
			Name: StageBuildResp, Next: StageNotify,
			InProgress: tracker.StatusBuildingResponse, Done: tracker.StatusBuildingResponse, Error: tracker.StatusResponseError,
		},
		{
			Name: StageNotify,
			InProgress: tracker.StatusNotifying, Done: tracker.StatusCompleted, Error: tracker.StatusNotificationError,
		},
		{
			Name: StageAttachments, SidePath: true,
			InProgress: tracker.StatusParsing, Done: tracker.StatusParsed, Error: tracker.StatusAttachmentError,
		},
	})
	if err != nil {
		panic(err)
	}
	return def
}

// New builds and validates a definition. Stages must be listed so that every
// edge points forward or to a side path.
func New(stages []Stage) (*Definition, error) {
	def := &Definition{
		stages: stages,
		byName: make(map[string]int, len(stages)),
	}
	for i, stage := range stages {
		if stage.Name == "" {
			return nil, Error.New("stage %d has no name", i)
		}
		if _, ok := def.byName[stage.Name]; ok {
			return nil, Error.New("duplicate stage %q", stage.Name)
		}
		def.byName[stage.Name] = i
	}
	for i, stage := range stages {
		if stage.Next != "" {
			j, ok := def.byName[stage.Next]
			if !ok {
				return nil, Error.New("stage %q routes to unknown stage %q", stage.Name, stage.Next)
			}
			if j <= i && !stages[j].SidePath {
				return nil, Error.New("stage %q routes backwards to %q", stage.Name, stage.Next)
			}
		}
		for _, name := range stage.FanOut {
			j, ok := def.byName[name]
			if !ok {
				return nil, Error.New("stage %q fans out to unknown stage %q", stage.Name, name)
			}
			if !stages[j].SidePath {
				return nil, Error.New("stage %q fans out to main-path stage %q", stage.Name, name)
			}
		}
	}
	return def, nil
}

// Lookup returns the stage by name.
func (def *Definition) Lookup(name string) (Stage, bool) {
	i, ok := def.byName[name]
	if !ok {
		return Stage{}, false
	}
	return def.stages[i], true
}

// First returns the entry stage of the main path.
func (def *Definition) First() Stage { return def.stages[0] }

// Main returns the main-path stages in execution order.
func (def *Definition) Main() []Stage {
	var main []Stage
	for _, stage := range def.stages {
		if !stage.SidePath {
			main = append(main, stage)
		}
	}
	return main
}

// Stages returns all stages in declaration order.
func (def *Definition) Stages() []Stage { return def.stages }

// Queues returns every logical queue the graph uses, plus the fixed
// out-of-graph queues.
func (def *Definition) Queues() []string {
	queues := make([]string, 0, len(def.stages)+3)
	for _, stage := range def.stages {
		queues = append(queues, stage.Name)
	}
	return append(queues, QueueOrchestratorComplete, QueueOutboxPublisher, QueueDLQ)
}

// Before reports whether stage a strictly precedes stage b on the main path.
func (def *Definition) Before(a, b string) bool {
	i, oki := def.byName[a]
	j, okj := def.byName[b]
	return oki && okj && !def.stages[i].SidePath && !def.stages[j].SidePath && i < j
}
