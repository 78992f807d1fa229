package crdt

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// syncFrom brings dst up to date with src the way the handshake does:
// dst advertises its state vector and src answers with the diff.
func syncFrom(t *testing.T, dst, src *Map) {
	t.Helper()
	diff, err := src.EncodeStateAsUpdate(dst.EncodeStateVector())
	if err != nil {
		t.Fatalf("EncodeStateAsUpdate() error = %v", err)
	}
	if err := dst.ApplyUpdate(diff, "sync"); err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}
}

func TestMap_SetGetDelete(t *testing.T) {
	m := NewMap(1)
	m.Set("title", []byte("draft"))

	v, ok := m.Get("title")
	if !ok || string(v) != "draft" {
		t.Fatalf("Get(title) = %q, %v; want draft, true", v, ok)
	}

	m.Set("title", []byte("final"))
	if v, _ := m.Get("title"); string(v) != "final" {
		t.Errorf("Get(title) after overwrite = %q, want final", v)
	}

	m.Delete("title")
	if _, ok := m.Get("title"); ok {
		t.Error("Get(title) after Delete returned ok")
	}
	if m.Len() != 0 {
		t.Errorf("Len() = %d, want 0", m.Len())
	}

	before := m.StateVector()[1]
	m.Delete("missing")
	if after := m.StateVector()[1]; after != before {
		t.Errorf("Delete(missing) advanced the clock from %d to %d", before, after)
	}
}

func TestMap_SetCopiesValue(t *testing.T) {
	m := NewMap(1)
	value := []byte("abc")
	m.Set("k", value)
	value[0] = 'X'

	if v, _ := m.Get("k"); string(v) != "abc" {
		t.Errorf("Get(k) = %q, want abc", v)
	}
}

func TestMap_ConvergenceFromStateVector(t *testing.T) {
	a := NewMap(1)
	b := NewMap(2)

	a.Set("a1", []byte("x"))
	a.Set("shared", []byte("from-a"))
	b.Set("b1", []byte("y"))
	syncFrom(t, b, a)

	// a keeps editing after b's first sync; b only needs the tail.
	a.Set("a2", []byte("z"))
	a.Delete("a1")

	diff, err := a.EncodeStateAsUpdate(b.EncodeStateVector())
	if err != nil {
		t.Fatalf("EncodeStateAsUpdate() error = %v", err)
	}
	ops, err := DecodeUpdate(diff)
	if err != nil {
		t.Fatalf("DecodeUpdate() error = %v", err)
	}
	if len(ops) != 2 {
		t.Errorf("diff holds %d ops, want 2", len(ops))
	}
	if err := b.ApplyUpdate(diff, nil); err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}
	syncFrom(t, a, b)

	if diff := cmp.Diff(a.Snapshot(), b.Snapshot()); diff != "" {
		t.Errorf("replicas diverged (-a +b):\n%s", diff)
	}
	want := map[string][]byte{
		"shared": []byte("from-a"),
		"a2":     []byte("z"),
		"b1":     []byte("y"),
	}
	if diff := cmp.Diff(want, b.Snapshot()); diff != "" {
		t.Errorf("Snapshot() mismatch (-want +got):\n%s", diff)
	}
	if !a.StateVector().Covers(b.StateVector()) || !b.StateVector().Covers(a.StateVector()) {
		t.Errorf("state vectors differ: a=%v b=%v", a.StateVector(), b.StateVector())
	}
}

func TestMap_ConcurrentWritesResolveIdentically(t *testing.T) {
	a := NewMap(10)
	b := NewMap(20)

	a.Set("k", []byte("a"))
	b.Set("k", []byte("b"))

	syncFrom(t, a, b)
	syncFrom(t, b, a)

	va, _ := a.Get("k")
	vb, _ := b.Get("k")
	if string(va) != string(vb) {
		t.Fatalf("replicas disagree: a=%q b=%q", va, vb)
	}
	// Equal Lamport timestamps: the higher client id wins.
	if string(va) != "b" {
		t.Errorf("Get(k) = %q, want b", va)
	}
}

func TestMap_LaterLamportWins(t *testing.T) {
	a := NewMap(99)
	b := NewMap(1)

	a.Set("k", []byte("a"))
	syncFrom(t, b, a)
	b.Set("k", []byte("b")) // Lamport 2 beats a's Lamport 1 despite lower id.
	syncFrom(t, a, b)

	if v, _ := a.Get("k"); string(v) != "b" {
		t.Errorf("Get(k) = %q, want b", v)
	}
}

func TestMap_DuplicateApplyIsIdempotent(t *testing.T) {
	src := NewMap(1)
	var updates [][]byte
	src.OnUpdate(func(update []byte, origin any) {
		updates = append(updates, update)
	})
	src.Set("a", []byte("1"))
	src.Set("b", []byte("2"))
	src.Delete("a")

	dst := NewMap(2)
	notified := 0
	dst.OnUpdate(func([]byte, any) { notified++ })

	for _, u := range updates {
		if err := dst.ApplyUpdate(u, nil); err != nil {
			t.Fatalf("ApplyUpdate() error = %v", err)
		}
	}
	first := dst.Snapshot()
	firstSV := dst.StateVector()

	for _, u := range updates {
		if err := dst.ApplyUpdate(u, nil); err != nil {
			t.Fatalf("duplicate ApplyUpdate() error = %v", err)
		}
	}

	if diff := cmp.Diff(first, dst.Snapshot()); diff != "" {
		t.Errorf("duplicate delivery changed contents (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(firstSV, dst.StateVector()); diff != "" {
		t.Errorf("duplicate delivery changed state vector:\n%s", diff)
	}
	if notified != len(updates) {
		t.Errorf("handlers notified %d times, want %d", notified, len(updates))
	}
}

func TestMap_OutOfOrderOpsWaitForGap(t *testing.T) {
	src := NewMap(1)
	var updates [][]byte
	src.OnUpdate(func(update []byte, origin any) {
		updates = append(updates, update)
	})
	src.Set("k", []byte("1"))
	src.Set("k", []byte("2"))
	src.Set("k", []byte("3"))

	dst := NewMap(2)
	var integrated int
	dst.OnUpdate(func(update []byte, origin any) {
		ops, err := DecodeUpdate(update)
		if err != nil {
			t.Errorf("handler got undecodable update: %v", err)
		}
		integrated += len(ops)
	})

	if err := dst.ApplyUpdate(updates[2], nil); err != nil {
		t.Fatal(err)
	}
	if err := dst.ApplyUpdate(updates[1], nil); err != nil {
		t.Fatal(err)
	}
	if _, ok := dst.Get("k"); ok {
		t.Fatal("ops integrated before their predecessor arrived")
	}
	if dst.PendingCount() != 2 {
		t.Errorf("PendingCount() = %d, want 2", dst.PendingCount())
	}

	if err := dst.ApplyUpdate(updates[0], nil); err != nil {
		t.Fatal(err)
	}
	if v, _ := dst.Get("k"); string(v) != "3" {
		t.Errorf("Get(k) = %q, want 3", v)
	}
	if dst.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0", dst.PendingCount())
	}
	if integrated != 3 {
		t.Errorf("handlers saw %d ops, want 3", integrated)
	}
}

func TestMap_RemoteLamportCannotWrapLocalClock(t *testing.T) {
	m := NewMap(1)
	evil := EncodeUpdate([]Op{{Client: 7, Clock: 0, Lamport: math.MaxUint64, Key: "title", Value: []byte("evil")}})
	if err := m.ApplyUpdate(evil, nil); !errors.Is(err, ErrMalformedUpdate) {
		t.Fatalf("ApplyUpdate() error = %v, want ErrMalformedUpdate", err)
	}
	if _, ok := m.Get("title"); ok {
		t.Fatal("rejected op was integrated")
	}

	high := EncodeUpdate([]Op{{Client: 7, Clock: 0, Lamport: MaxLamport, Key: "title", Value: []byte("high")}})
	if err := m.ApplyUpdate(high, nil); err != nil {
		t.Fatalf("ApplyUpdate() at MaxLamport error = %v", err)
	}
	m.Set("title", []byte("mine"))
	if v, _ := m.Get("title"); string(v) != "mine" {
		t.Errorf("Get(title) = %q, want mine", v)
	}
	if m.lamport != MaxLamport+1 {
		t.Errorf("lamport = %d, want %d", m.lamport, uint64(MaxLamport)+1)
	}
}

func TestMap_PendingBufferIsBounded(t *testing.T) {
	gapped := func(from, to uint64) []byte {
		var ops []Op
		for c := from; c <= to; c++ {
			ops = append(ops, Op{Client: 7, Clock: c, Lamport: c + 1, Key: "k", Value: []byte("v")})
		}
		return EncodeUpdate(ops)
	}

	tests := []struct {
		name   string
		update []byte
	}{
		{name: "too_many_pending", update: gapped(1, 50000)},
		{name: "clock_too_far_ahead", update: gapped(MaxClockGap+1, MaxClockGap+1)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := NewMap(1)
			if err := m.ApplyUpdate(tc.update, nil); !errors.Is(err, ErrMalformedUpdate) {
				t.Errorf("ApplyUpdate() error = %v, want ErrMalformedUpdate", err)
			}
			if m.PendingCount() != 0 {
				t.Errorf("PendingCount() = %d, want 0", m.PendingCount())
			}
		})
	}

	t.Run("within_limits", func(t *testing.T) {
		m := NewMap(1)
		if err := m.ApplyUpdate(gapped(1, MaxClockGap), nil); err != nil {
			t.Fatal(err)
		}
		if m.PendingCount() != MaxClockGap {
			t.Errorf("PendingCount() = %d, want %d", m.PendingCount(), MaxClockGap)
		}
		if err := m.ApplyUpdate(gapped(0, 0), nil); err != nil {
			t.Fatal(err)
		}
		if m.PendingCount() != 0 {
			t.Errorf("PendingCount() = %d, want 0", m.PendingCount())
		}
	})

	t.Run("contiguous_update", func(t *testing.T) {
		m := NewMap(1)
		if err := m.ApplyUpdate(gapped(0, 4999), nil); err != nil {
			t.Fatal(err)
		}
		if m.PendingCount() != 0 {
			t.Errorf("PendingCount() = %d, want 0", m.PendingCount())
		}
	})
}

func TestMap_OnUpdateOrigin(t *testing.T) {
	src := NewMap(1)
	dst := NewMap(2)

	var origins []any
	dst.OnUpdate(func(update []byte, origin any) {
		origins = append(origins, origin)
	})

	type peer struct{ name string }
	remote := &peer{name: "remote"}

	src.Set("k", []byte("v"))
	full, _ := src.EncodeStateAsUpdate(nil)
	if err := dst.ApplyUpdate(full, remote); err != nil {
		t.Fatal(err)
	}
	dst.Set("local", []byte("x"))

	if len(origins) != 2 {
		t.Fatalf("got %d notifications, want 2", len(origins))
	}
	if origins[0] != remote {
		t.Errorf("origin[0] = %v, want remote peer", origins[0])
	}
	if origins[1] != nil {
		t.Errorf("origin[1] = %v, want nil for local edit", origins[1])
	}
}

func TestMap_Unsubscribe(t *testing.T) {
	m := NewMap(1)
	calls := 0
	unsubscribe := m.OnUpdate(func([]byte, any) { calls++ })

	m.Set("a", nil)
	unsubscribe()
	unsubscribe()
	m.Set("b", nil)

	if calls != 1 {
		t.Errorf("handler called %d times, want 1", calls)
	}
}

func TestMap_MalformedUpdateLeavesStateUnchanged(t *testing.T) {
	m := NewMap(1)
	m.Set("k", []byte("v"))
	before := m.Snapshot()

	good := EncodeUpdate([]Op{{Client: 7, Clock: 0, Lamport: 5, Key: "x", Value: []byte("y")}})
	tests := []struct {
		name   string
		update []byte
	}{
		{name: "empty", update: nil},
		{name: "truncated", update: good[:len(good)-1]},
		{name: "trailing", update: append(append([]byte{}, good...), 0x00)},
		{name: "count_too_large", update: []byte{0x7F, 0x00}},
		{name: "deleted_with_value", update: EncodeUpdate([]Op{{Client: 7, Key: "x", Deleted: true, Value: []byte("y")}})},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := m.ApplyUpdate(tc.update, nil)
			if !errors.Is(err, ErrMalformedUpdate) {
				t.Errorf("ApplyUpdate() error = %v, want ErrMalformedUpdate", err)
			}
			if diff := cmp.Diff(before, m.Snapshot()); diff != "" {
				t.Errorf("contents changed (-before +after):\n%s", diff)
			}
		})
	}
}

func TestMap_EncodeStateAsUpdateRejectsBadVector(t *testing.T) {
	m := NewMap(1)
	if _, err := m.EncodeStateAsUpdate([]byte{0x05, 0x01}); !errors.Is(err, ErrMalformedStateVector) {
		t.Errorf("EncodeStateAsUpdate() error = %v, want ErrMalformedStateVector", err)
	}
}

func TestNewClientID(t *testing.T) {
	seen := make(map[ClientID]bool)
	for i := 0; i < 100; i++ {
		id := NewClientID()
		if id == 0 {
			t.Fatal("NewClientID() returned 0")
		}
		if seen[id] {
			t.Fatalf("NewClientID() repeated %d", id)
		}
		seen[id] = true
	}
}
