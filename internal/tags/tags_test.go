package tags

import (
	"reflect"
	"testing"
	"time"

	"tradebook/api/internal/store"
)

func trade(id string, tagList ...string) store.Trade {
	return store.Trade{ID: id, Date: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), Tags: tagList}
}

func TestHaveTagsChanged(t *testing.T) {
	before := []store.Trade{trade("a", "Strategy:Long", "Setup:Breakout"), trade("b", "Strategy:Long")}

	if HaveTagsChanged(before, []store.Trade{trade("b", "Setup:Breakout", "Strategy:Long")}) {
		t.Fatal("expected no change when the distinct tag set is identical")
	}
	if !HaveTagsChanged(before, []store.Trade{trade("a", "Strategy:Long")}) {
		t.Fatal("expected change when a tag disappears")
	}
	if !HaveTagsChanged(before, append(before, trade("c", "Mood:Calm"))) {
		t.Fatal("expected change when a tag appears")
	}
	if HaveTagsChanged(nil, []store.Trade{trade("a", "  ", "")}) {
		t.Fatal("blank tags must not count as a change")
	}
}

func TestRenameInListReplacesExactMatches(t *testing.T) {
	got := RenameInList([]string{"Strategy:Long", "Setup:Breakout"}, "Strategy:Long", "Strategy:Swing")
	want := []string{"Strategy:Swing", "Setup:Breakout"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestRenameInListDeletionRemovesEntry(t *testing.T) {
	got := RenameInList([]string{"Strategy:Long", "Setup:Breakout"}, "Strategy:Long", "")
	want := []string{"Setup:Breakout"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestRenameInListCollapsesDuplicates(t *testing.T) {
	got := RenameInList([]string{"Strategy:Long", "Strategy:Swing"}, "Strategy:Long", "Strategy:Swing")
	want := []string{"Strategy:Swing"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestRenameInTrade(t *testing.T) {
	tr := trade("a", "Strategy:Long", "Setup:Breakout", "Strategy:Long")
	updated, slots := RenameInTrade(&tr, "Strategy:Long", " Strategy:Swing ")
	if !updated || slots != 2 {
		t.Fatalf("updated=%v slots=%d, want true/2", updated, slots)
	}
	want := []string{"Strategy:Swing", "Setup:Breakout", "Strategy:Swing"}
	if !reflect.DeepEqual(tr.Tags, want) {
		t.Fatalf("got %v, want %v", tr.Tags, want)
	}
}

func TestRenameInTradeDeletionRemovesSlot(t *testing.T) {
	tr := trade("a", "Strategy:Long", "Setup:Breakout")
	updated, slots := RenameInTrade(&tr, "Strategy:Long", "  ")
	if !updated || slots != 1 {
		t.Fatalf("updated=%v slots=%d, want true/1", updated, slots)
	}
	want := []string{"Setup:Breakout"}
	if !reflect.DeepEqual(tr.Tags, want) {
		t.Fatalf("deletion must remove the slot, not blank it: got %v", tr.Tags)
	}
}

func TestRenameInTradeNoOp(t *testing.T) {
	tr := trade("a", "Strategy:Long")
	updated, slots := RenameInTrade(&tr, "Strategy:Long", "Strategy:Long")
	if updated || slots != 0 {
		t.Fatalf("same old/new tag must be a no-op, got updated=%v slots=%d", updated, slots)
	}
	updated, slots = RenameInTrade(&tr, "Mood:Calm", "Mood:Focused")
	if updated || slots != 0 {
		t.Fatalf("absent tag must be a no-op, got updated=%v slots=%d", updated, slots)
	}
}

func TestRewriteRequiredGroups(t *testing.T) {
	groups := []string{"Strategy", "Mood"}

	got := RewriteRequiredGroups(groups, "Strategy:Long", "Setup:Long")
	if !reflect.DeepEqual(got, []string{"Setup", "Mood"}) {
		t.Fatalf("group rename not propagated: %v", got)
	}

	// Same group on both sides: untouched.
	got = RewriteRequiredGroups(groups, "Strategy:Long", "Strategy:Swing")
	if !reflect.DeepEqual(got, groups) {
		t.Fatalf("value-only rename must not touch groups: %v", got)
	}

	// Ungrouped tags: untouched.
	got = RewriteRequiredGroups(groups, "Breakout", "Reversal")
	if !reflect.DeepEqual(got, groups) {
		t.Fatalf("ungrouped rename must not touch groups: %v", got)
	}

	// Deletion never cleans up groups.
	got = RewriteRequiredGroups(groups, "Strategy:Long", "")
	if !reflect.DeepEqual(got, groups) {
		t.Fatalf("deletion must leave required groups untouched: %v", got)
	}
}

func TestRebuildCalendarTags(t *testing.T) {
	shards := []store.YearShard{
		{Year: 2023, Trades: []store.Trade{trade("a", "Strategy:Long", " Setup:Breakout "), trade("b", "Strategy:Long")}},
		{Year: 2024, Trades: []store.Trade{trade("c", "Mood:Calm", "Strategy:Long", "")}},
	}

	got := RebuildCalendarTags(shards)
	want := []string{"Mood:Calm", "Setup:Breakout", "Strategy:Long"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	// Reordering shards and trades must not change the result.
	reordered := []store.YearShard{
		{Year: 2024, Trades: []store.Trade{trade("c", "", "Strategy:Long", "Mood:Calm")}},
		{Year: 2023, Trades: []store.Trade{trade("b", "Strategy:Long"), trade("a", "Setup:Breakout", "Strategy:Long")}},
	}
	if !reflect.DeepEqual(RebuildCalendarTags(reordered), want) {
		t.Fatal("rebuild must be invariant under shard and trade ordering")
	}

	if got := RebuildCalendarTags(nil); len(got) != 0 {
		t.Fatalf("empty input must rebuild to an empty list, got %v", got)
	}
}

func TestGroup(t *testing.T) {
	if g, ok := Group("Strategy:Long"); !ok || g != "Strategy" {
		t.Fatalf("got %q/%v", g, ok)
	}
	if g, ok := Group("A:B:C"); !ok || g != "A" {
		t.Fatalf("split must use the first colon, got %q/%v", g, ok)
	}
	if _, ok := Group("Breakout"); ok {
		t.Fatal("ungrouped tag must report no group")
	}
}
