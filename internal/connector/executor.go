package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"
)

// PilotWriteExecutor is the single place permitted to perform network calls
// with real-world effect. It is only constructed when the write-execution flag
// is enabled, so "no writes" is a structural guarantee rather than a runtime
// check that can be forgotten.
type PilotWriteExecutor struct {
	registry *Registry
	timeout  time.Duration
	logger   *log.Logger
}

// NewPilotWriteExecutor builds the executor. timeout bounds each dispatched
// write; zero means 30s.
func NewPilotWriteExecutor(registry *Registry, timeout time.Duration, logger *log.Logger) *PilotWriteExecutor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = log.New(os.Stdout, "[pilot] ", log.LstdFlags)
	}
	return &PilotWriteExecutor{registry: registry, timeout: timeout, logger: logger}
}

// ExecuteWrite dispatches one approved write through the named connector.
// External calls run outside any store transaction.
func (e *PilotWriteExecutor) ExecuteWrite(ctx context.Context, connectorName, path string, payload json.RawMessage) (json.RawMessage, error) {
	c, err := e.registry.Get(connectorName)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	started := time.Now()
	result, err := c.Invoke(ctx, path, payload)
	if err != nil {
		e.logger.Printf("write via %s%s failed after %s: %v", connectorName, path, time.Since(started).Round(time.Millisecond), err)
		return nil, fmt.Errorf("execute write via %s: %w", connectorName, err)
	}
	e.logger.Printf("write via %s%s ok (%s)", connectorName, path, time.Since(started).Round(time.Millisecond))
	return result, nil
}
