package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"pixelagents/internal/agent"
	"pixelagents/internal/process"
	"pixelagents/internal/state"
	"pixelagents/internal/tail"
)

// RestoreAll reattaches to every persisted agent whose process is still
// alive. Records without a live process, or whose transcript cannot be
// prepared, are dropped. Restored agents start from the transcript's current
// end, so history is never replayed. Id and terminal-index counters are moved
// past every restored value. It returns the number of agents restored.
func (r *Registry) RestoreAll(ctx context.Context) (restored int, err error) {
	ctx, span := startSpan(ctx, traceSpanRestore)
	defer func() {
		span.SetAttributes(attribute.Int(traceAttrRestored, restored))
		markSpanResult(span, err)
		span.End()
	}()

	if r.store == nil {
		return 0, nil
	}
	records, err := state.LoadAgents(ctx, r.store)
	if err != nil {
		return 0, fmt.Errorf("registry: load agents: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	// Counters move past every persisted record, restored or not, so a new
	// agent never takes the id or terminal name of a dropped one.
	maxID, maxIdx := 0, 0
	for _, rec := range records {
		maxID = max(maxID, rec.ID)
		if m := terminalIndexPattern.FindStringSubmatch(rec.TerminalName); m != nil {
			if idx, err := strconv.Atoi(m[1]); err == nil {
				maxIdx = max(maxIdx, idx)
			}
		}
	}
	r.mu.Lock()
	if maxID >= r.nextID {
		r.nextID = maxID + 1
	}
	if maxIdx >= r.nextIdx {
		r.nextIdx = maxIdx + 1
	}
	r.mu.Unlock()

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return restored, err
		}
		if r.lookup(rec.ID) != nil {
			continue
		}
		e, ok := r.restoreOne(ctx, rec)
		if !ok {
			r.metrics.incRestored("skipped")
			continue
		}
		r.observe(e)
		r.metrics.incRestored("restored")
		restored++
	}

	r.persist()
	r.logger.Info("registry: restored %d of %d persisted agents", restored, len(records))
	return restored, nil
}

func (r *Registry) restoreOne(ctx context.Context, rec state.AgentRecord) (*entry, bool) {
	handle, err := r.launcher.Find(ctx, rec.TerminalName)
	if err != nil {
		if !errors.Is(err, process.ErrNotFound) {
			r.logger.Warn("registry: find %q for agent %d: %v", rec.TerminalName, rec.ID, err)
		} else {
			r.logger.Debug("registry: agent %d has no live process %q, dropping", rec.ID, rec.TerminalName)
		}
		return nil, false
	}

	size, err := prepareTranscript(rec.JSONLFile)
	if err != nil {
		r.logger.Warn("registry: restore transcript for agent %d: %v", rec.ID, err)
		releaseHandle(handle)
		return nil, false
	}

	sessionID := rec.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	a := agent.New(rec.ID, sessionID, rec.TerminalName, rec.JSONLFile, rec.ProjectDir)
	e, err := r.attach(a, handle, tail.Cursor{Offset: size}, false)
	if err != nil {
		r.logger.Warn("registry: restore agent %d: %v", rec.ID, err)
		releaseHandle(handle)
		return nil, false
	}
	r.logger.Info("registry: restored agent %d -> %q", rec.ID, rec.TerminalName)
	return e, true
}

// prepareTranscript makes sure the transcript exists and returns its size.
func prepareTranscript(path string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, err
	}
	info, err := f.Stat()
	closeErr := f.Close()
	if err != nil {
		return 0, err
	}
	return info.Size(), closeErr
}

// EnsureRestored runs RestoreAll the first time it succeeds and is a no-op
// afterwards.
func (r *Registry) EnsureRestored(ctx context.Context) error {
	r.restoreMu.Lock()
	defer r.restoreMu.Unlock()

	r.mu.Lock()
	done := r.restored
	r.mu.Unlock()
	if done {
		return nil
	}
	if _, err := r.RestoreAll(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	r.restored = true
	r.mu.Unlock()
	return nil
}
