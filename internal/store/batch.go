package store

import (
	"context"
	"fmt"
)

// BatchLimit caps the mutation weight committed in one write batch, matching
// the transactional batch ceiling of the backing store.
const BatchLimit = 500

// StagedShardWrite is a year-shard write waiting to be flushed. Weight is the
// number of trades the write touches (minimum 1), so batching tracks the
// mutation volume rather than the shard count.
type StagedShardWrite struct {
	Shard  YearShard
	Weight int
}

// ChunkShardWrites splits staged writes into batches whose total weight stays
// within limit. A single write heavier than the limit gets a batch of its
// own; order within the input is preserved.
func ChunkShardWrites(staged []StagedShardWrite, limit int) [][]StagedShardWrite {
	if limit <= 0 {
		limit = BatchLimit
	}
	var batches [][]StagedShardWrite
	var current []StagedShardWrite
	currentWeight := 0
	for _, write := range staged {
		weight := write.Weight
		if weight < 1 {
			weight = 1
		}
		if len(current) > 0 && currentWeight+weight > limit {
			batches = append(batches, current)
			current = nil
			currentWeight = 0
		}
		current = append(current, write)
		currentWeight += weight
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

// CommitShardBatch writes one batch of shards inside a single transaction.
func (s *PostgresStore) CommitShardBatch(ctx context.Context, batch []StagedShardWrite) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin shard batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, write := range batch {
		if err := writeShardTx(ctx, tx, write.Shard.CalendarID, write.Shard.Year, write.Shard.Trades); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit shard batch: %w", err)
	}
	return nil
}
