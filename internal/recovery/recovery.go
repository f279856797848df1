// Package recovery implements the Recovery Orchestrator of spec.md §4.6: it
// runs once at startup, before any client is accepted, to bring the store
// and reducer watermark to a consistent point from the newest snapshot (if
// any) plus log replay, handling the cold-start consumer rule.
package recovery

import (
	"context"
	"fmt"

	"worldstate/internal/apperr"
	"worldstate/internal/eventlog"
	"worldstate/internal/logging"
	"worldstate/internal/reducer"
	"worldstate/internal/snapshot"
	"worldstate/internal/store"
)

const (
	// StreamName is the single durable stream this engine reads and writes.
	StreamName = "events"
	// ConsumerName is the durable consumer name owned by the reducer task.
	ConsumerName = "reducer"
)

// Result reports what recovery did, useful for startup logging and tests.
type Result struct {
	LoadedSnapshot  bool
	SnapshotSeq     uint64
	ReplayedRecords uint64
	FinalWatermark  uint64
}

// Run restores store state from the newest snapshot in snapshotDir (if any)
// and replays every log record after it, applying each through red, until
// the durable consumer reports no more backlog. It must complete before the
// engine starts accepting ingest or subscriptions (spec.md §4.6 step 5).
func Run(ctx context.Context, log *eventlog.Log, st *store.Store, red *reducer.Reducer, snapshotDir string, logger *logging.Logger) (Result, *eventlog.Consumer, error) {
	if logger == nil {
		logger = logging.L()
	}
	if err := log.EnsureStream(StreamName); err != nil {
		return Result{}, nil, fmt.Errorf("recovery: ensure stream: %w", err)
	}

	var result Result
	startSeq := uint64(0)

	info, found, err := snapshot.Latest(snapshotDir)
	if err != nil {
		return Result{}, nil, fmt.Errorf("recovery: list snapshots: %w", err)
	}
	if found {
		path := snapshotDir + "/" + info.Name
		file, err := snapshot.Load(path)
		if err != nil {
			// A corrupt newest snapshot is fatal (apperr.Corrupt): startup
			// aborts instead of continuing without it.
			return Result{}, nil, apperr.Wrap(apperr.Corrupt, "recovery: snapshot unreadable: "+path, err)
		} else {
			st.LoadSnapshot(file.Entities)
			red.SetWatermark(file.SequenceNumber)
			startSeq = file.SequenceNumber
			result.LoadedSnapshot = true
			result.SnapshotSeq = file.SequenceNumber
			logger.Info("recovery: loaded snapshot", logging.String("path", path), logging.Uint64("sequence", file.SequenceNumber), logging.Int("entities", file.EntityCount))
		}
	} else {
		logger.Info("recovery: no snapshot found, replaying from the beginning")
	}

	//1.- Cold-start rule (spec.md §4.2/§4.6): always delete any previously
	// persisted consumer offset and recreate the durable consumer at
	// startSeq. Reusing a stale consumer offset here would silently skip
	// history between the old offset and startSeq after a snapshot
	// directory was wiped or rolled back.
	if err := log.DeleteConsumer(StreamName, ConsumerName); err != nil {
		return Result{}, nil, fmt.Errorf("recovery: delete stale consumer: %w", err)
	}
	consumer, err := log.OpenDurableConsumer(StreamName, ConsumerName, startSeq)
	if err != nil {
		return Result{}, nil, fmt.Errorf("recovery: open consumer: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return result, nil, err
		}
		rec, ok, err := consumer.TryFetch()
		if err != nil {
			return result, nil, fmt.Errorf("recovery: replay fetch: %w", err)
		}
		if !ok {
			break
		}
		red.Apply(rec.Sequence, rec.Data)
		if err := consumer.Ack(rec.Sequence); err != nil {
			return result, nil, fmt.Errorf("recovery: ack during replay: %w", err)
		}
		result.ReplayedRecords++
	}

	result.FinalWatermark = red.Watermark()
	logger.Info("recovery: complete", logging.Uint64("replayed", result.ReplayedRecords), logging.Uint64("watermark", result.FinalWatermark))
	return result, consumer, nil
}

// RunLive continuously fetches records from consumer and folds them through
// red until ctx is cancelled. Intended to run as the reducer's single
// long-lived goroutine after Run completes (spec.md §4.3: the reducer is a
// single logical task, never processing two records concurrently).
func RunLive(ctx context.Context, consumer *eventlog.Consumer, red *reducer.Reducer, logger *logging.Logger) error {
	if logger == nil {
		logger = logging.L()
	}
	for {
		rec, err := consumer.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("recovery: live fetch: %w", err)
		}
		red.Apply(rec.Sequence, rec.Data)
		if err := consumer.Ack(rec.Sequence); err != nil {
			logger.Error("recovery: ack failed", logging.Uint64("sequence", rec.Sequence), logging.Error(err))
		}
	}
}
