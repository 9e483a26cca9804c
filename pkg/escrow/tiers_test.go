package escrow

import "testing"

func TestEffectiveBps(t *testing.T) {
	ts := TierSchedule{{MinScore: 740, MaxBps: 2500}, {MinScore: 800, MaxBps: 2000}}
	tests := []struct {
		name      string
		requested uint16
		score     uint16
		hasScore  bool
		want      uint16
	}{
		{"no score", 3000, 0, false, 3000},
		{"below every tier", 3000, 600, true, 3000},
		{"middle tier", 3000, 750, true, 2500},
		{"top tier", 3000, 810, true, 2000},
		{"exact breakpoint", 3000, 800, true, 2000},
		{"request already lower", 1000, 850, true, 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ts.EffectiveBps(tt.requested, tt.score, tt.hasScore); got != tt.want {
				t.Errorf("EffectiveBps = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestParseTiers(t *testing.T) {
	ts, err := ParseTiers(" 740:2500, 800:2000 ")
	if err != nil {
		t.Fatal(err)
	}
	if got := ts.String(); got != "800:2000,740:2500" {
		t.Errorf("String = %q", got)
	}
	if ts, err := ParseTiers(""); err != nil || len(ts) != 0 {
		t.Errorf("empty schedule = %v, %v", ts, err)
	}
	for _, bad := range []string{"800", "800:x", "200:2000", "800:10001", "800:2000,800:1000"} {
		if _, err := ParseTiers(bad); err == nil {
			t.Errorf("ParseTiers(%q) accepted", bad)
		}
	}
	if DefaultTiers().String() != "800:2000" {
		t.Errorf("default tiers = %s", DefaultTiers())
	}
}

func TestStatusTransitions(t *testing.T) {
	allowed := map[Status][]Status{
		StatusOpen:      {StatusAccepted, StatusCancelled},
		StatusAccepted:  {StatusFunded, StatusCancelled},
		StatusFunded:    {StatusDelivered},
		StatusDelivered: {StatusSettled},
	}
	for from := StatusOpen; from <= StatusCancelled; from++ {
		for to := StatusOpen; to <= StatusCancelled; to++ {
			want := false
			for _, s := range allowed[from] {
				want = want || s == to
			}
			if got := from.CanTransition(to); got != want {
				t.Errorf("%s -> %s = %v, want %v", from, to, got, want)
			}
		}
		if from.IsTerminal() != (len(allowed[from]) == 0) {
			t.Errorf("%s terminal = %v", from, from.IsTerminal())
		}
		parsed, err := ParseStatus(from.String())
		if err != nil || parsed != from {
			t.Errorf("ParseStatus(%s) = %v, %v", from, parsed, err)
		}
	}
	if _, err := ParseStatus("PENDING"); err == nil {
		t.Error("unknown status parsed")
	}
	for _, in := range []string{"cancelled", "Delivered", "sEtTlEd"} {
		if _, err := ParseStatus(in); err != nil {
			t.Errorf("ParseStatus(%q): %v", in, err)
		}
	}
}
