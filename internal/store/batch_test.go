package store

import "testing"

func staged(shardYear, weight int) StagedShardWrite {
	return StagedShardWrite{Shard: YearShard{CalendarID: "cal", Year: shardYear}, Weight: weight}
}

func TestChunkShardWritesRespectsLimit(t *testing.T) {
	writes := []StagedShardWrite{staged(2021, 400), staged(2022, 400), staged(2023, 400)}

	batches := ChunkShardWrites(writes, 500)
	if len(batches) != 3 {
		t.Fatalf("1200 trade weight with limit 500 must flush in 3 batches, got %d", len(batches))
	}
	for i, batch := range batches {
		total := 0
		for _, write := range batch {
			total += write.Weight
		}
		if total > 500 {
			t.Fatalf("batch %d exceeds limit: weight %d", i, total)
		}
	}
}

func TestChunkShardWritesPacksSmallWrites(t *testing.T) {
	writes := []StagedShardWrite{staged(2020, 100), staged(2021, 100), staged(2022, 250), staged(2023, 100)}

	batches := ChunkShardWrites(writes, 500)
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(batches))
	}
	if len(batches[0]) != 3 || len(batches[1]) != 1 {
		t.Fatalf("unexpected packing: %d + %d", len(batches[0]), len(batches[1]))
	}
}

func TestChunkShardWritesOversizedWrite(t *testing.T) {
	writes := []StagedShardWrite{staged(2021, 700), staged(2022, 10)}

	batches := ChunkShardWrites(writes, 500)
	if len(batches) != 2 {
		t.Fatalf("oversized write must get its own batch, got %d batches", len(batches))
	}
	if batches[0][0].Weight != 700 {
		t.Fatalf("oversized write must flush first, got weight %d", batches[0][0].Weight)
	}
}

func TestChunkShardWritesZeroWeightCountsAsOne(t *testing.T) {
	writes := make([]StagedShardWrite, 0, 501)
	for i := 0; i < 501; i++ {
		writes = append(writes, staged(2000+i, 0))
	}
	batches := ChunkShardWrites(writes, 500)
	if len(batches) != 2 {
		t.Fatalf("501 unit-weight writes must flush in 2 batches, got %d", len(batches))
	}
}

func TestChunkShardWritesEmpty(t *testing.T) {
	if batches := ChunkShardWrites(nil, 500); batches != nil {
		t.Fatalf("no staged writes must yield no batches, got %v", batches)
	}
}
