// Package tags implements the pure tag-consistency primitives: change
// detection across shard snapshots, exact-match renames over tag lists and
// trades, group-aware required-group rewrites, and the aggregate rebuild of a
// calendar's tag list from its year shards.
package tags

import (
	"sort"
	"strings"

	"tradebook/api/internal/store"
)

// Group returns the group portion of a group-qualified tag ("Strategy:Long"
// has group "Strategy"). Tags without a colon have no group.
func Group(tag string) (string, bool) {
	idx := strings.Index(tag, ":")
	if idx < 0 {
		return "", false
	}
	return tag[:idx], true
}

// distinct collects the set of trimmed, non-empty tags across a trade array.
func distinct(trades []store.Trade) map[string]struct{} {
	set := make(map[string]struct{})
	for _, trade := range trades {
		for _, tag := range trade.Tags {
			trimmed := strings.TrimSpace(tag)
			if trimmed == "" {
				continue
			}
			set[trimmed] = struct{}{}
		}
	}
	return set
}

// HaveTagsChanged reports whether the distinct tag sets of two shard
// snapshots differ. It guards the aggregate rebuild, which is linear in the
// calendar's total trade count.
func HaveTagsChanged(before, after []store.Trade) bool {
	beforeSet := distinct(before)
	afterSet := distinct(after)
	if len(beforeSet) != len(afterSet) {
		return true
	}
	for tag := range beforeSet {
		if _, ok := afterSet[tag]; !ok {
			return true
		}
	}
	return false
}

// RenameInList replaces every exact occurrence of oldTag in a flat tag list.
// An empty newTag removes the entry instead of inserting an empty string, and
// duplicates introduced by the collapse are dropped.
func RenameInList(list []string, oldTag, newTag string) []string {
	if oldTag == newTag {
		return list
	}
	replacement := strings.TrimSpace(newTag)
	out := make([]string, 0, len(list))
	seen := make(map[string]struct{}, len(list))
	for _, tag := range list {
		value := tag
		if tag == oldTag {
			if replacement == "" {
				continue
			}
			value = replacement
		}
		if _, dup := seen[value]; dup {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

// RenameInTrade rewrites every exact occurrence of oldTag in the trade's tag
// array. An empty (trimmed) newTag removes the slot. It reports whether the
// trade changed and how many tag slots were touched.
func RenameInTrade(trade *store.Trade, oldTag, newTag string) (bool, int) {
	if oldTag == newTag {
		return false, 0
	}
	replacement := strings.TrimSpace(newTag)
	touched := 0
	out := trade.Tags[:0]
	for _, tag := range trade.Tags {
		if tag != oldTag {
			out = append(out, tag)
			continue
		}
		touched++
		if replacement == "" {
			continue
		}
		out = append(out, replacement)
	}
	if touched == 0 {
		return false, 0
	}
	trade.Tags = out
	return true, touched
}

// RewriteRequiredGroups propagates a group rename through the required-group
// list. It fires only when both tags are group-qualified and their groups
// differ. A pure deletion (empty newTag) leaves the list untouched: removing
// one value under a group must not silently drop a required dimension the
// user configured.
func RewriteRequiredGroups(groups []string, oldTag, newTag string) []string {
	if strings.TrimSpace(newTag) == "" {
		return groups
	}
	oldGroup, oldOK := Group(oldTag)
	newGroup, newOK := Group(strings.TrimSpace(newTag))
	if !oldOK || !newOK || oldGroup == newGroup {
		return groups
	}
	out := make([]string, len(groups))
	for i, g := range groups {
		if g == oldGroup {
			out[i] = newGroup
		} else {
			out[i] = g
		}
	}
	return out
}

// RebuildCalendarTags recomputes a calendar's aggregate tag list from every
// trade across every year shard: trimmed, deduplicated, sorted. The result is
// invariant under shard ordering and trade ordering within a shard.
func RebuildCalendarTags(shards []store.YearShard) []string {
	set := make(map[string]struct{})
	for _, shard := range shards {
		for tag := range distinct(shard.Trades) {
			set[tag] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for tag := range set {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
