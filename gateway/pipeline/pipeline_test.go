// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

package pipeline_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"clearpath.io/pagw/gateway/pipeline"
	"clearpath.io/pagw/gateway/tracker"
)

func TestDefault(t *testing.T) {
	def := pipeline.Default()

	var names []string
	for _, stage := range def.Main() {
		names = append(names, stage.Name)
	}
	require.Equal(t, []string{
		"parse", "validate", "enrich", "convert",
		"payer-call", "build-response", "notify-subscribers",
	}, names)

	require.Equal(t, "parse", def.First().Name)

	parse, ok := def.Lookup("parse")
	require.True(t, ok)
	require.Equal(t, []string{"attachments"}, parse.FanOut)
	require.Equal(t, tracker.StatusParsing, parse.InProgress)

	attachments, ok := def.Lookup("attachments")
	require.True(t, ok)
	require.True(t, attachments.SidePath)
	require.Empty(t, attachments.Next)

	notify, ok := def.Lookup("notify-subscribers")
	require.True(t, ok)
	require.Empty(t, notify.Next)
	require.Equal(t, tracker.StatusCompleted, notify.Done)

	_, ok = def.Lookup("missing")
	require.False(t, ok)
}

func TestBefore(t *testing.T) {
	def := pipeline.Default()

	require.True(t, def.Before("parse", "validate"))
	require.True(t, def.Before("parse", "notify-subscribers"))
	require.False(t, def.Before("validate", "parse"))
	require.False(t, def.Before("parse", "parse"))

	// side-path stages do not order against the main path.
	require.False(t, def.Before("parse", "attachments"))
	require.False(t, def.Before("attachments", "convert"))
}

func TestQueues(t *testing.T) {
	queues := pipeline.Default().Queues()
	require.Contains(t, queues, "parse")
	require.Contains(t, queues, "payer-call")
	require.Contains(t, queues, "orchestrator-complete")
	require.Contains(t, queues, "dlq")
}

func TestNew_RejectsBadEdges(t *testing.T) {
	_, err := pipeline.New([]pipeline.Stage{
		{Name: ""},
	})
	require.Error(t, err)

	_, err = pipeline.New([]pipeline.Stage{
		{Name: "a", Next: "missing"},
	})
	require.Error(t, err)

	_, err = pipeline.New([]pipeline.Stage{
		{Name: "a", Next: "b"},
		{Name: "b", Next: "a"},
	})
	require.Error(t, err)

	_, err = pipeline.New([]pipeline.Stage{
		{Name: "a"},
		{Name: "a"},
	})
	require.Error(t, err)

	_, err = pipeline.New([]pipeline.Stage{
		{Name: "a", FanOut: []string{"b"}},
		{Name: "b"},
	})
	require.Error(t, err)
}
