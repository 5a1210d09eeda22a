// Package telemetry exposes the process's optional pprof debug endpoint.
package telemetry

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"

	"github.com/lyzr/workflowcore/internal/platform/logger"
)

// Telemetry owns the optional pprof debug listener.
type Telemetry struct {
	addr string
	log  *logger.Logger
}

// New builds a Telemetry bound to localhost:port.
func New(pprofPort int, log *logger.Logger) *Telemetry {
	return &Telemetry{addr: fmt.Sprintf("localhost:%d", pprofPort), log: log}
}

// Start launches the pprof HTTP server in the background. Errors are
// logged, not fatal: pprof is a debugging aid, not a request path.
func (t *Telemetry) Start() {
	go func() {
		t.log.Info("pprof listening", "addr", t.addr)
		if err := http.ListenAndServe(t.addr, nil); err != nil {
			t.log.Error("pprof server error", "error", err)
		}
	}()
}
