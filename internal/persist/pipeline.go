// internal/persist/pipeline.go
package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/user/sandboxd/internal/projection"
	"github.com/user/sandboxd/internal/types"
)

// Store is the external durable target for completed turns.
type Store interface {
	PushState(ctx context.Context, sandboxID types.SandboxID, batch StateBatch) error
	PushLogs(ctx context.Context, sandboxID types.SandboxID, turnIndex int, ndjson []byte) error
}

// Pipeline drains completed turns into the store. Each sandbox gets its own
// FIFO lane so writes for one sandbox are strictly ordered and never
// overlap; the semaphore caps concurrency across lanes. Persistence failure
// is never fatal: exhausted retries are logged and the lane moves on.
type Pipeline struct {
	store       Store
	checkpoints *CheckpointStore
	retry       *RetryPolicy
	counter     TokenCounter
	archiveDir  string

	lanes     map[types.SandboxID]chan job
	semaphore *semaphore.Weighted

	cursorMu sync.Mutex
	cursor   int64
	pending  []MessageRow

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

type job struct {
	sandboxID types.SandboxID
	turn      projection.CompletedTurn
}

// New creates a Pipeline, loading the durable checkpoint so row cursors
// continue monotonically across daemon restarts. counter may be nil, in
// which case token counts are omitted.
func New(store Store, checkpoints *CheckpointStore, retry *RetryPolicy, counter TokenCounter, archiveDir string, maxConcurrent int64) (*Pipeline, error) {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	cp, err := checkpoints.Load()
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if retry == nil {
		retry = DefaultRetryPolicy()
	}
	return &Pipeline{
		store:       store,
		checkpoints: checkpoints,
		retry:       retry,
		counter:     counter,
		archiveDir:  archiveDir,
		lanes:       make(map[types.SandboxID]chan job),
		semaphore:   semaphore.NewWeighted(maxConcurrent),
		cursor:      cp.Cursor,
	}, nil
}

// Start initialises the pipeline's context. Must be called before Enqueue.
func (p *Pipeline) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
}

// Stop cancels the context, closes all lanes, and waits for in-flight
// writes to finish.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Lock()
	for _, lane := range p.lanes {
		close(lane)
	}
	p.lanes = make(map[types.SandboxID]chan job)
	p.mu.Unlock()
	p.wg.Wait()
}

// Enqueue queues a completed turn for durable storage, creating the
// sandbox's lane on first use. Returns an error if the lane's buffer is
// full.
func (p *Pipeline) Enqueue(sandboxID types.SandboxID, turn projection.CompletedTurn) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	lane, exists := p.lanes[sandboxID]
	if !exists {
		lane = make(chan job, 100)
		p.lanes[sandboxID] = lane
		p.wg.Add(1)
		go p.processLane(lane)
	}

	select {
	case lane <- job{sandboxID: sandboxID, turn: turn}:
		return nil
	default:
		return fmt.Errorf("persistence queue full for sandbox %s", sandboxID)
	}
}

// processLane drains one sandbox's lane. Jobs run synchronously, so task
// N+1 never starts before task N has settled.
func (p *Pipeline) processLane(lane chan job) {
	defer p.wg.Done()
	for {
		select {
		case j, ok := <-lane:
			if !ok {
				return
			}
			if err := p.semaphore.Acquire(p.ctx, 1); err != nil {
				return
			}
			p.processTurn(j)
			p.semaphore.Release(1)
		case <-p.ctx.Done():
			return
		}
	}
}

// processTurn converts a turn's aggregates to durable rows, advances the
// checkpoint, and issues both store writes with bounded retry. The
// checkpoint is deliberately saved before the network write: on a crash in
// between, checkpointed-but-unsent rows are lost rather than re-sent.
func (p *Pipeline) processTurn(j job) {
	rows := p.buildRows(j.turn)

	p.cursorMu.Lock()
	p.pending = append(p.pending, rows...)
	batch := StateBatch{Cursor: p.cursor, Messages: append([]MessageRow(nil), p.pending...)}
	p.cursorMu.Unlock()

	if err := p.checkpoints.Save(batch.Cursor); err != nil {
		slog.Error("save checkpoint", "error", err)
	}

	ndjson := encodeNDJSON(j.turn.Records)
	p.archiveLocally(j.turn.Turn.Index, ndjson)

	stateErr := p.retry.Execute(p.ctx, func() error {
		return p.store.PushState(p.ctx, j.sandboxID, batch)
	})
	if stateErr != nil {
		slog.Error("state upsert failed, skipping turn",
			"sandbox_id", j.sandboxID, "turn", j.turn.Turn.Index, "error", stateErr)
	} else {
		p.cursorMu.Lock()
		p.pending = nil
		p.cursorMu.Unlock()
	}

	if err := p.retry.Execute(p.ctx, func() error {
		return p.store.PushLogs(p.ctx, j.sandboxID, j.turn.Turn.Index, ndjson)
	}); err != nil {
		slog.Error("log archive upload failed, skipping turn",
			"sandbox_id", j.sandboxID, "turn", j.turn.Turn.Index, "error", err)
	}
}

// buildRows assigns each durable row the next monotonic cursor, continuing
// from the checkpoint.
func (p *Pipeline) buildRows(turn projection.CompletedTurn) []MessageRow {
	p.cursorMu.Lock()
	defer p.cursorMu.Unlock()

	var rows []MessageRow
	for _, m := range turn.Messages {
		p.cursor++
		rows = append(rows, MessageRow{
			Cursor:    p.cursor,
			Role:      string(m.Role),
			Content:   m.Text,
			TurnIndex: m.TurnIndex,
			Tokens:    p.countTokens(m.Text),
		})
	}
	for _, tc := range turn.Turn.ToolCalls {
		p.cursor++
		rows = append(rows, MessageRow{
			Cursor:     p.cursor,
			Role:       string(types.RoleTool),
			Content:    string(tc.Status),
			ToolName:   tc.ToolName,
			ToolCallID: string(tc.ID),
			TurnIndex:  turn.Turn.Index,
		})
	}
	return rows
}

func (p *Pipeline) countTokens(text string) int {
	if p.counter == nil || text == "" {
		return 0
	}
	return p.counter.Count(text)
}

// archiveLocally keeps a copy of the turn's raw events on disk before the
// upload attempt. Failures are logged and ignored.
func (p *Pipeline) archiveLocally(turnIndex int, ndjson []byte) {
	if p.archiveDir == "" {
		return
	}
	if err := os.MkdirAll(p.archiveDir, 0755); err != nil {
		slog.Warn("create archive dir", "error", err)
		return
	}
	path := filepath.Join(p.archiveDir, fmt.Sprintf("turn-%d.ndjsonl", turnIndex))
	if err := os.WriteFile(path, ndjson, 0644); err != nil {
		slog.Warn("write turn archive", "path", path, "error", err)
	}
}

func encodeNDJSON(records []types.Record) []byte {
	var out []byte
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		out = append(out, line...)
		out = append(out, '\n')
	}
	return out
}
