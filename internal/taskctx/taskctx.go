// Package taskctx defines the TaskContext value threaded through a
// workflow run and its merge semantics on parallel-path join.
package taskctx

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
)

// TaskContext is the mutable value nodes read and write as a run
// progresses. Once created its EventID is fixed; Nodes and Metadata
// accumulate writes along the execution path.
type TaskContext struct {
	EventID      uuid.UUID              `json:"event_id"`
	WorkflowType string                 `json:"workflow_type"`
	EventData    interface{}            `json:"event_data"`
	Nodes        map[string]interface{} `json:"nodes"`
	Metadata     map[string]interface{} `json:"metadata"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// New creates a fresh TaskContext for a run seeded with eventData.
func New(workflowType string, eventData interface{}) *TaskContext {
	now := time.Now()
	return &TaskContext{
		EventID:      uuid.New(),
		WorkflowType: workflowType,
		EventData:    eventData,
		Nodes:        make(map[string]interface{}),
		Metadata:     make(map[string]interface{}),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Clone returns a deep-enough copy for exclusive ownership along a branch:
// the Nodes/Metadata maps are copied so concurrent branches never share
// the same underlying map.
func (tc *TaskContext) Clone() *TaskContext {
	out := &TaskContext{
		EventID:      tc.EventID,
		WorkflowType: tc.WorkflowType,
		EventData:    tc.EventData,
		Nodes:        make(map[string]interface{}, len(tc.Nodes)),
		Metadata:     make(map[string]interface{}, len(tc.Metadata)),
		CreatedAt:    tc.CreatedAt,
		UpdatedAt:    tc.UpdatedAt,
	}
	for k, v := range tc.Nodes {
		out.Nodes[k] = v
	}
	for k, v := range tc.Metadata {
		out.Metadata[k] = v
	}
	return out
}

// SetNode records the output of a node under its name.
func (tc *TaskContext) SetNode(name string, value interface{}) {
	tc.Nodes[name] = value
	tc.UpdatedAt = time.Now()
}

// MergeWarning describes a key collision detected while merging two
// converging branches, reported.
type MergeWarning struct {
	Key    string `json:"key"`
	Winner string `json:"winner"` // name of the branch whose value replaced the existing one
}

// Merge folds branches into a copy of base, last-write-wins on key
// collision, with ties broken by branch-name ordering so the winner is
// deterministic. It returns the merged context, any collision warnings,
// and a JSON merge-patch document describing exactly what changed, for
// audit attachment to run metadata.
func Merge(base *TaskContext, branches map[string]*TaskContext) (*TaskContext, []MergeWarning, []byte, error) {
	merged := base.Clone()

	names := make([]string, 0, len(branches))
	for name := range branches {
		names = append(names, name)
	}
	sort.Strings(names)

	var warnings []MergeWarning
	for _, name := range names {
		branch := branches[name]
		for k, v := range branch.Nodes {
			if _, exists := merged.Nodes[k]; exists {
				warnings = append(warnings, MergeWarning{Key: k, Winner: name})
			}
			merged.Nodes[k] = v
		}
		for k, v := range branch.Metadata {
			merged.Metadata[k] = v
		}
	}
	merged.UpdatedAt = time.Now()

	beforeJSON, err := json.Marshal(base)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal base context: %w", err)
	}
	afterJSON, err := json.Marshal(merged)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal merged context: %w", err)
	}
	patch, err := jsonpatch.CreateMergePatch(beforeJSON, afterJSON)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create merge patch: %w", err)
	}

	return merged, warnings, patch, nil
}
