package linebreak

import "testing"

func TestDecide_Table(t *testing.T) {
	t.Parallel()

	p := New(true, 1500)

	// First result in the session always opens a line.
	nl, typ := p.Decide("speaker_1", 0, 2000)
	if !nl || typ != TypeNewSpeaker {
		t.Fatalf("first result = (%v, %s), want (true, new_speaker)", nl, typ)
	}

	// Same speaker, short gap: continuation.
	nl, typ = p.Decide("speaker_1", 2500, 4500)
	if nl || typ != TypeContinue {
		t.Fatalf("short gap = (%v, %s), want (false, continue)", nl, typ)
	}

	// Same speaker, long gap: pause.
	nl, typ = p.Decide("speaker_1", 6500, 8000)
	if !nl || typ != TypePause {
		t.Fatalf("long gap = (%v, %s), want (true, pause)", nl, typ)
	}

	// Speaker change trumps the gap.
	nl, typ = p.Decide("speaker_2", 8100, 9000)
	if !nl || typ != TypeNewSpeaker {
		t.Fatalf("speaker change = (%v, %s), want (true, new_speaker)", nl, typ)
	}
}

func TestDecide_PauseBoundary(t *testing.T) {
	t.Parallel()

	p := New(true, 1500)
	p.Decide("speaker_1", 0, 1000)

	// Exactly the threshold is a pause.
	if nl, typ := p.Decide("speaker_1", 2500, 3000); !nl || typ != TypePause {
		t.Errorf("gap 1500 = (%v, %s), want (true, pause)", nl, typ)
	}

	// One millisecond under continues.
	if nl, typ := p.Decide("speaker_1", 4499, 5000); nl || typ != TypeContinue {
		t.Errorf("gap 1499 = (%v, %s), want (false, continue)", nl, typ)
	}
}

func TestDecide_SmartDisabled(t *testing.T) {
	t.Parallel()

	p := New(false, 1500)
	for i := range 3 {
		start := int64(i * 100)
		nl, typ := p.Decide("speaker_1", start, start+50)
		if !nl || typ != TypeTraditional {
			t.Fatalf("result %d = (%v, %s), want (true, traditional)", i, nl, typ)
		}
	}
}

func TestDecide_Deterministic(t *testing.T) {
	t.Parallel()

	type in struct {
		id         string
		start, end int64
	}
	seq := []in{
		{"speaker_1", 0, 2000},
		{"speaker_1", 2400, 4400},
		{"speaker_2", 4500, 6000},
		{"speaker_2", 8000, 9000},
	}

	run := func() []SegmentType {
		p := New(true, 1500)
		var out []SegmentType
		for _, s := range seq {
			_, typ := p.Decide(s.id, s.start, s.end)
			out = append(out, typ)
		}
		return out
	}

	a, b := run(), run()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("run diverged at %d: %s vs %s", i, a[i], b[i])
		}
	}
	want := []SegmentType{TypeNewSpeaker, TypeContinue, TypeNewSpeaker, TypePause}
	for i := range want {
		if a[i] != want[i] {
			t.Errorf("decision %d = %s, want %s", i, a[i], want[i])
		}
	}
}
