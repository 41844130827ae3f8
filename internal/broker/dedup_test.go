package broker

import (
	"testing"

	"github.com/canopy-search/canopy/internal/model"
	"github.com/canopy-search/canopy/internal/query"
)

func flatten(lists [][]*model.Document) []string {
	var out []string
	for _, list := range lists {
		for _, d := range list {
			out = append(out, d.PrimaryKey)
		}
	}
	return out
}

func TestDedupMaxScore(t *testing.T) {
	lists := [][]*model.Document{
		{doc("p", 5, 0, 3)},
		{doc("p", 8, 1, 1), doc("q", 2, 1, 2)},
	}
	out := dedup(lists, query.DedupMaxScore)
	if len(out[0]) != 0 {
		t.Errorf("shard 0 copy of p survived despite lower score")
	}
	if got := flatten(out); len(got) != 2 || got[0] != "p" || got[1] != "q" {
		t.Errorf("dedup result = %v", got)
	}
}

func TestDedupMaxScoreTiePrefersLowerShard(t *testing.T) {
	shard0 := doc("p", 5, 0, 7)
	shard1 := doc("p", 5, 1, 2)
	out := dedup([][]*model.Document{{shard1}, {shard0}}, query.DedupMaxScore)
	var kept *model.Document
	for _, list := range out {
		for _, d := range list {
			kept = d
		}
	}
	if kept == nil || kept.ShardID != 0 {
		t.Errorf("score tie kept shard %v, want shard 0", kept)
	}
}

func TestDedupFirstSeen(t *testing.T) {
	first := doc("p", 1, 0, 0)
	later := doc("p", 99, 1, 0)
	out := dedup([][]*model.Document{{first}, {later}}, query.DedupFirstSeen)
	if len(out[0]) != 1 || len(out[1]) != 0 {
		t.Errorf("first-seen kept wrong copy: %v / %v", out[0], out[1])
	}
}

func TestDedupNone(t *testing.T) {
	lists := [][]*model.Document{{doc("p", 1, 0, 0)}, {doc("p", 2, 1, 0)}}
	out := dedup(lists, query.DedupNone)
	if len(flatten(out)) != 2 {
		t.Error("policy none should not drop documents")
	}
}

func TestDedupIdempotent(t *testing.T) {
	lists := [][]*model.Document{
		{doc("p", 5, 0, 3), doc("q", 4, 0, 4)},
		{doc("p", 8, 1, 1)},
	}
	once := dedup(lists, query.DedupMaxScore)
	twice := dedup(once, query.DedupMaxScore)
	a, b := flatten(once), flatten(twice)
	if len(a) != len(b) {
		t.Fatalf("idempotence violated: %v vs %v", a, b)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("idempotence violated at %d: %v vs %v", i, a, b)
		}
	}
}
