package assessment

import "testing"

func TestHappyPathToReady(t *testing.T) {
	m := NewMachine("card-1", 2)

	if !m.Ask() || !m.FirstReply() || !m.ProbeReply() {
		t.Fatalf("happy-path transitions rejected, phase = %q", m.Phase())
	}
	if m.Exchanges() != 2 {
		t.Fatalf("Exchanges() = %d, want 2", m.Exchanges())
	}
	if !m.MasteryAchieved() {
		t.Fatalf("MasteryAchieved() = false after 2 exchanges, want true")
	}
	if !m.ScoringAllowed() {
		t.Fatalf("ScoringAllowed() = false in ready, want true")
	}
}

func TestMasteryRejectedBeforeMinimumExchanges(t *testing.T) {
	m := NewMachine("card-1", 2)
	m.Ask()
	m.FirstReply()

	// Only one exchange completed; the machine is not even in judging yet.
	if m.MasteryAchieved() {
		t.Fatalf("MasteryAchieved() = true from probing, want false")
	}
	if m.ScoringAllowed() {
		t.Fatalf("ScoringAllowed() = true before ready, want false")
	}
	if m.Phase() != PhaseProbing {
		t.Fatalf("rejected transition changed phase to %q", m.Phase())
	}
}

func TestMasteryGateCountsExchangesNotCalls(t *testing.T) {
	m := NewMachine("card-1", 3)
	m.Ask()
	m.FirstReply()
	m.ProbeReply()

	// Two exchanges < minimum of three: rejected, still judging.
	if m.MasteryAchieved() {
		t.Fatalf("MasteryAchieved() = true with 2/3 exchanges")
	}
	if m.Phase() != PhaseJudging {
		t.Fatalf("phase = %q, want judging", m.Phase())
	}

	// One more exchange through the final-check loop satisfies the gate.
	if !m.NeedsFinalCheck() || !m.FinalReply() {
		t.Fatalf("final-check loop rejected, phase = %q", m.Phase())
	}
	if m.Exchanges() != 3 {
		t.Fatalf("Exchanges() = %d, want 3", m.Exchanges())
	}
	if !m.MasteryAchieved() {
		t.Fatalf("MasteryAchieved() = false after final-check exchange")
	}
}

func TestWrongSourceTransitionsRejected(t *testing.T) {
	m := NewMachine("card-1", 2)

	if m.FirstReply() {
		t.Fatalf("FirstReply() from start = true, want false")
	}
	if m.ProbeReply() {
		t.Fatalf("ProbeReply() from start = true, want false")
	}
	if m.NeedsFinalCheck() {
		t.Fatalf("NeedsFinalCheck() from start = true, want false")
	}
	if m.FinalReply() {
		t.Fatalf("FinalReply() from start = true, want false")
	}
	if m.Phase() != PhaseStart {
		t.Fatalf("rejected transitions moved phase to %q", m.Phase())
	}

	m.Ask()
	if m.Ask() {
		t.Fatalf("second Ask() = true, want false")
	}
	if m.Exchanges() != 0 {
		t.Fatalf("rejected transitions incremented exchanges to %d", m.Exchanges())
	}
}

func TestResetReturnsToStart(t *testing.T) {
	m := NewMachine("card-1", 2)
	m.Ask()
	m.FirstReply()
	m.ProbeReply()
	m.MasteryAchieved()

	m.Reset()
	if m.Phase() != PhaseStart || m.Exchanges() != 0 || m.ScoringAllowed() {
		t.Fatalf("Reset() left phase=%q exchanges=%d", m.Phase(), m.Exchanges())
	}
	if !m.Ask() {
		t.Fatalf("Ask() after reset = false, want true")
	}
}
