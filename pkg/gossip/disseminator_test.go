package gossip

import (
	"testing"
)

func TestGetChangesChecksumAgreement(t *testing.T) {
	d := NewDisseminator(2, nil)
	d.adjustForMemberCount(3)
	d.insert(Change{Address: "a:1", Status: StatusAlive, Incarnation: 1})

	if got := d.GetChanges(1234, 1234, "b:1"); got != nil {
		t.Fatalf("expected nil when checksums agree, got %d changes", len(got))
	}
	if d.Len() != 1 {
		t.Fatal("agreement short-circuit must not consume piggyback budget")
	}
}

func TestGetChangesSkipsSourcePeer(t *testing.T) {
	d := NewDisseminator(2, nil)
	d.adjustForMemberCount(3)
	d.insert(Change{Address: "a:1", Status: StatusSuspect, Incarnation: 1, Source: "b:1"})
	d.insert(Change{Address: "c:1", Status: StatusAlive, Incarnation: 1, Source: "d:1"})

	got := d.GetChanges(1, 2, "b:1")
	if len(got) != 1 || got[0].Address != "c:1" {
		t.Fatalf("expected only c:1 (b:1 is the source of a:1's change), got %+v", got)
	}
}

func TestPiggybackBound(t *testing.T) {
	d := NewDisseminator(2, nil)
	d.adjustForMemberCount(3) // max = ceil(log2(4)) * 2 = 4
	max := d.MaxPiggybackCount()
	if max != 4 {
		t.Fatalf("expected maxPiggybackCount 4 for 3 members and k=2, got %d", max)
	}

	d.insert(Change{Address: "a:1", Status: StatusSuspect, Incarnation: 1})

	// A single change is handed out at most maxPiggybackCount times across
	// all peers combined, then leaves the buffer.
	seen := 0
	for i := 0; i < max*3; i++ {
		for _, c := range d.GetChanges(1, 2, "peer:1") {
			if c.Address == "a:1" {
				seen++
			}
		}
	}
	if seen != max {
		t.Fatalf("change disseminated %d times, want exactly %d", seen, max)
	}
	if d.Len() != 0 {
		t.Fatalf("buffer should be empty after cap reached, has %d entries", d.Len())
	}
}

func TestLeastDisseminatedFirst(t *testing.T) {
	d := NewDisseminator(1, nil)
	d.adjustForMemberCount(1) // max = ceil(log2(2)) * 1 = 1
	if d.MaxPiggybackCount() != 1 {
		t.Fatalf("expected cap 1, got %d", d.MaxPiggybackCount())
	}

	d.insert(Change{Address: "a:1", Status: StatusAlive, Incarnation: 1})
	d.insert(Change{Address: "b:1", Status: StatusAlive, Incarnation: 1})

	// With a cap of 1 per call, consecutive calls must drain distinct,
	// least-disseminated entries rather than repeating the first.
	first := d.GetChanges(1, 2, "x:1")
	second := d.GetChanges(1, 2, "x:1")
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("expected 1 change per call, got %d and %d", len(first), len(second))
	}
	if first[0].Address == second[0].Address {
		t.Fatalf("same entry %q returned twice; least-disseminated-first violated", first[0].Address)
	}
}

func TestInsertReplacesPriorEntry(t *testing.T) {
	d := NewDisseminator(2, nil)
	d.adjustForMemberCount(3)

	d.insert(Change{Address: "a:1", Status: StatusSuspect, Incarnation: 1})
	d.GetChanges(1, 2, "x:1") // bump a:1's piggyback count
	d.insert(Change{Address: "a:1", Status: StatusAlive, Incarnation: 2})

	got := d.GetChanges(1, 2, "x:1")
	if len(got) != 1 || got[0].Status != StatusAlive || got[0].PiggybackCount != 1 {
		t.Fatalf("replacement entry = %+v, want fresh alive change at count 1", got)
	}
	if d.Len() != 1 {
		t.Fatalf("expected 1 buffered entry, got %d", d.Len())
	}
}

func TestMaxPiggybackCountAdjustedFiresOnCountChangeOnly(t *testing.T) {
	d := NewDisseminator(2, nil)
	fires := 0
	d.OnMaxPiggybackCountAdjusted(func(old, new int) { fires++ })

	d.adjustForMemberCount(1) // 0 -> 2
	if fires != 1 {
		t.Fatalf("expected 1 fire after first member, got %d", fires)
	}

	// Same member count: recompute yields the same cap, no event. This is
	// what makes status-only churn invisible here.
	d.adjustForMemberCount(1)
	if fires != 1 {
		t.Fatalf("expected no fire on unchanged count, got %d total", fires)
	}

	d.adjustForMemberCount(3) // 2 -> 4
	if fires != 2 {
		t.Fatalf("expected 2 fires after growth, got %d", fires)
	}

	// 3 -> 4 members: ceil(log2(4))=2 vs ceil(log2(5))=3, cap moves 4 -> 6.
	d.adjustForMemberCount(4)
	if fires != 3 {
		t.Fatalf("expected 3 fires, got %d", fires)
	}
}

func TestMembershipFeedsDisseminator(t *testing.T) {
	d := NewDisseminator(2, nil)
	m := NewMembership("127.0.0.1:3000", d, nil)

	m.Update([]Change{{Address: "127.0.0.1:3001", Status: StatusAlive, Incarnation: 1}})
	if d.Len() != 1 {
		t.Fatalf("accepted change not buffered: len = %d", d.Len())
	}

	// Rejected changes must not touch the buffer.
	d.remove("127.0.0.1:3001")
	m.Update([]Change{{Address: "127.0.0.1:3001", Status: StatusAlive, Incarnation: 1}})
	if d.Len() != 0 {
		t.Fatalf("rejected change was buffered: len = %d", d.Len())
	}
}
