package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	r := NewRegistry()
	r.Register("pass-through", NewPassThroughFactory())
	return r
}

func cfg(name string, successors []string, isRouter bool) NodeConfig {
	return NodeConfig{
		Name:       name,
		Type:       "pass-through",
		Successors: successors,
		IsRouter:   isRouter,
		Config:     map[string]interface{}{"name": name},
	}
}

func TestBuild_InvalidRouter(t *testing.T) {
	// S3: Start -> [Mid, End], Mid -> [End], End -> [] without marking
	// Start as router must fail InvalidRouter.
	configs := []NodeConfig{
		cfg("Start", []string{"Mid", "End"}, false),
		cfg("Mid", []string{"End"}, false),
		cfg("End", nil, false),
	}
	_, err := Build("wf", "Start", configs, newTestRegistry())
	require.Error(t, err)
	var buildErr *BuildError
	require.ErrorAs(t, err, &buildErr)
	assert.Equal(t, "InvalidRouter", buildErr.Kind)
	assert.Equal(t, "Start", buildErr.Node)
}

func TestBuild_RouterMarkedSucceeds(t *testing.T) {
	configs := []NodeConfig{
		cfg("Start", []string{"Mid", "End"}, true),
		cfg("Mid", []string{"End"}, false),
		cfg("End", nil, false),
	}
	wf, err := Build("wf", "Start", configs, newTestRegistry())
	require.NoError(t, err)
	assert.Equal(t, "wf", wf.WorkflowType())
}

func TestBuild_SelfLoopRejected(t *testing.T) {
	configs := []NodeConfig{
		cfg("A", []string{"A"}, false),
	}
	_, err := Build("wf", "A", configs, newTestRegistry())
	require.Error(t, err)
	var buildErr *BuildError
	require.ErrorAs(t, err, &buildErr)
	assert.Equal(t, "CycleDetected", buildErr.Kind)
}

func TestBuild_TwoNodeCycleRejected(t *testing.T) {
	configs := []NodeConfig{
		cfg("A", []string{"B"}, false),
		cfg("B", []string{"A"}, false),
	}
	_, err := Build("wf", "A", configs, newTestRegistry())
	require.Error(t, err)
	var buildErr *BuildError
	require.ErrorAs(t, err, &buildErr)
	assert.Equal(t, "CycleDetected", buildErr.Kind)
}

func TestBuild_UnreachableNodeRejected(t *testing.T) {
	configs := []NodeConfig{
		cfg("Start", []string{"End"}, false),
		cfg("End", nil, false),
		cfg("Orphan", nil, false),
	}
	_, err := Build("wf", "Start", configs, newTestRegistry())
	require.Error(t, err)
	var buildErr *BuildError
	require.ErrorAs(t, err, &buildErr)
	assert.Equal(t, "UnreachableNodes", buildErr.Kind)
	assert.Contains(t, buildErr.Names, "Orphan")
}

func TestBuild_UnregisteredNodeType(t *testing.T) {
	configs := []NodeConfig{
		{Name: "Start", Type: "does-not-exist", Successors: nil, Config: map[string]interface{}{"name": "Start"}},
	}
	_, err := Build("wf", "Start", configs, newTestRegistry())
	require.Error(t, err)
	var buildErr *BuildError
	require.ErrorAs(t, err, &buildErr)
	assert.Equal(t, "NodeNotFound", buildErr.Kind)
}

func TestBuild_UndeclaredSuccessorRejected(t *testing.T) {
	configs := []NodeConfig{
		cfg("Start", []string{"Ghost"}, false),
	}
	_, err := Build("wf", "Start", configs, newTestRegistry())
	require.Error(t, err)
	var buildErr *BuildError
	require.ErrorAs(t, err, &buildErr)
	assert.Equal(t, "NodeNotFound", buildErr.Kind)
	assert.Equal(t, "Ghost", buildErr.Node)
}

func TestBuild_StartNotFound(t *testing.T) {
	configs := []NodeConfig{cfg("A", nil, false)}
	_, err := Build("wf", "Missing", configs, newTestRegistry())
	require.Error(t, err)
	var buildErr *BuildError
	require.ErrorAs(t, err, &buildErr)
	assert.Equal(t, "NodeNotFound", buildErr.Kind)
}

func TestBuild_LevelsAssignedForDiamond(t *testing.T) {
	// Start(router) -> [A, B], A -> End, B -> End
	configs := []NodeConfig{
		cfg("Start", []string{"A", "B"}, true),
		cfg("A", []string{"End"}, false),
		cfg("B", []string{"End"}, false),
		cfg("End", nil, false),
	}
	wf, err := Build("wf", "Start", configs, newTestRegistry())
	require.NoError(t, err)
	require.Len(t, wf.levels, 3)
	assert.ElementsMatch(t, []string{"Start"}, wf.levels[0])
	assert.ElementsMatch(t, []string{"A", "B"}, wf.levels[1])
	assert.ElementsMatch(t, []string{"End"}, wf.levels[2])
}
