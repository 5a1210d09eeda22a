package graph

import (
	"context"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/lyzr/workflowcore/internal/resilience/retry"
	"github.com/lyzr/workflowcore/internal/resilience/streaming"
	"github.com/lyzr/workflowcore/internal/taskctx"
)

// The node kinds below are illustrative: enough to exercise the scheduler
// and the test suite end to end. Concrete business-logic node types (LLM
// prompting, HTTP scraping, knowledge-graph algorithms) register their
// own factories against the same Registry from outside this package.

// PassThroughNode records its input event_data under its own name and
// passes the context through unchanged otherwise.
type PassThroughNode struct{ name string }

// NewPassThroughFactory returns a NodeFactory for PassThroughNode; config
// must contain a "name" string used as the recorded key.
func NewPassThroughFactory() NodeFactory {
	return func(config map[string]interface{}) (Node, error) {
		name, _ := config["name"].(string)
		if name == "" {
			return nil, fmt.Errorf("pass-through node requires a \"name\" config field")
		}
		return &PassThroughNode{name: name}, nil
	}
}

// Process implements Node.
func (n *PassThroughNode) Process(_ context.Context, tc *taskctx.TaskContext) (*taskctx.TaskContext, error) {
	tc.SetNode(n.name, tc.EventData)
	return tc, nil
}

// TransformNode applies a JSON Patch document (config["patch"]) to the
// run's event data and records the result under its own name.
type TransformNode struct {
	name  string
	patch jsonpatch.Patch
}

// NewTransformFactory returns a NodeFactory for TransformNode. config must
// contain "name" and "patch" (a JSON Patch document as []interface{}).
func NewTransformFactory() NodeFactory {
	return func(config map[string]interface{}) (Node, error) {
		name, _ := config["name"].(string)
		if name == "" {
			return nil, fmt.Errorf("transform node requires a \"name\" config field")
		}
		raw, ok := config["patch"]
		if !ok {
			return &TransformNode{name: name}, nil
		}
		encoded, err := jsonMarshal(raw)
		if err != nil {
			return nil, fmt.Errorf("encode transform patch: %w", err)
		}
		patch, err := jsonpatch.DecodePatch(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode transform patch: %w", err)
		}
		return &TransformNode{name: name, patch: patch}, nil
	}
}

// Process implements Node.
func (n *TransformNode) Process(_ context.Context, tc *taskctx.TaskContext) (*taskctx.TaskContext, error) {
	if n.patch == nil {
		tc.SetNode(n.name, tc.EventData)
		return tc, nil
	}
	encoded, err := jsonMarshal(tc.EventData)
	if err != nil {
		return nil, &RunError{Kind: "ProcessingError", Node: n.name, Err: err}
	}
	patched, err := n.patch.Apply(encoded)
	if err != nil {
		return nil, &RunError{Kind: "ProcessingError", Node: n.name, Err: err}
	}
	var out interface{}
	if err := jsonUnmarshal(patched, &out); err != nil {
		return nil, &RunError{Kind: "DeserializationError", Node: n.name, Err: err}
	}
	tc.SetNode(n.name, out)
	return tc, nil
}

// HTTPCallStub represents the shape a real outbound-HTTP node would take;
// it records the would-be request under its name without performing
// network I/O.
type HTTPCallStub struct {
	name   string
	method string
	url    string
}

// NewHTTPCallFactory returns a NodeFactory for HTTPCallStub.
func NewHTTPCallFactory() NodeFactory {
	return func(config map[string]interface{}) (Node, error) {
		name, _ := config["name"].(string)
		method, _ := config["method"].(string)
		url, _ := config["url"].(string)
		if name == "" || url == "" {
			return nil, fmt.Errorf("http-call node requires \"name\" and \"url\" config fields")
		}
		if method == "" {
			method = "GET"
		}
		return &HTTPCallStub{name: name, method: method, url: url}, nil
	}
}

// Process implements Node.
func (n *HTTPCallStub) Process(_ context.Context, tc *taskctx.TaskContext) (*taskctx.TaskContext, error) {
	tc.SetNode(n.name, map[string]interface{}{
		"method": n.method,
		"url":    n.url,
		"input":  tc.EventData,
	})
	return tc, nil
}

// StreamingCallNode drives a chunked data source through the streaming
// recovery contract: the initial open goes through the shared retry
// executor, and a mid-stream failure surfaces as a synthetic interrupted
// chunk rather than a retry. chunkCount/failAfterFirstChunk stand in for
// a real chunked transport (HTTP streaming response, gRPC stream) the
// way HTTPCallStub stands in for a real outbound HTTP call.
type StreamingCallNode struct {
	name             string
	operationTimeout time.Duration
	retryExec        *retry.Executor
	open             streaming.Opener
}

// NewStreamingCallFactory returns a NodeFactory for StreamingCallNode,
// sharing the caller's retry executor so every attempt is governed by the
// same resilience policy as saga step dispatch.
func NewStreamingCallFactory(retryExec *retry.Executor) NodeFactory {
	return func(config map[string]interface{}) (Node, error) {
		name, _ := config["name"].(string)
		if name == "" {
			return nil, fmt.Errorf("streaming-call node requires a \"name\" config field")
		}
		chunkCount, _ := config["chunk_count"].(float64)
		if chunkCount <= 0 {
			chunkCount = 3
		}
		failAfterFirstChunk, _ := config["fail_after_first_chunk"].(bool)
		timeoutMs, _ := config["operation_timeout_ms"].(float64)
		timeout := time.Duration(timeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		return &StreamingCallNode{
			name:             name,
			operationTimeout: timeout,
			retryExec:        retryExec,
			open:             simulatedChunkOpener(int(chunkCount), failAfterFirstChunk),
		}, nil
	}
}

// Process implements Node.
func (n *StreamingCallNode) Process(ctx context.Context, tc *taskctx.TaskContext) (*taskctx.TaskContext, error) {
	chunks, err := streaming.Recover(ctx, n.operationTimeout, n.retryExec, n.open)
	if err != nil {
		return nil, &RunError{Kind: "ProcessingError", Node: n.name, Err: err}
	}

	received := 0
	interrupted := false
	reason := ""
	for c := range chunks {
		if c.Interrupted {
			interrupted = true
			reason = c.Reason
			continue
		}
		received++
	}

	tc.SetNode(n.name, map[string]interface{}{
		"chunks_received": received,
		"interrupted":     interrupted,
		"reason":          reason,
	})
	return tc, nil
}

// simulatedChunkOpener yields chunkCount chunks; if failAfterFirstChunk is
// set, it fails after the first chunk on every attempt (exercising the
// "interrupted after first chunk" path rather than the retried-before-
// any-data path).
func simulatedChunkOpener(chunkCount int, failAfterFirstChunk bool) streaming.Opener {
	return func(ctx context.Context) (<-chan []byte, <-chan error, error) {
		data := make(chan []byte, chunkCount)
		errs := make(chan error, 1)
		go func() {
			defer close(data)
			for i := 0; i < chunkCount; i++ {
				select {
				case <-ctx.Done():
					return
				case data <- []byte(fmt.Sprintf("chunk-%d", i)):
				}
				if i == 0 && failAfterFirstChunk {
					errs <- fmt.Errorf("simulated mid-stream failure after first chunk")
					return
				}
			}
		}()
		return data, errs, nil
	}
}
