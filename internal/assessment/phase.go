package assessment

import (
	"log/slog"
	"sync"
)

// Phase is where the tutor stands in probing the learner's understanding.
type Phase string

const (
	PhaseStart      Phase = "start"
	PhaseObserving  Phase = "observing"
	PhaseProbing    Phase = "probing"
	PhaseJudging    Phase = "judging"
	PhaseFinalCheck Phase = "final_check"
	PhaseReady      Phase = "ready"
)

// Machine enforces the minimum-exchange protocol before a scoring action is
// permitted. Ready is the only phase where scoring is allowed, and it is
// reachable only after enough completed exchanges.
type Machine struct {
	mu           sync.Mutex
	cardID       string
	phase        Phase
	exchanges    int
	minExchanges int
}

func NewMachine(cardID string, minExchanges int) *Machine {
	if minExchanges <= 0 {
		minExchanges = 2
	}
	return &Machine{
		cardID:       cardID,
		phase:        PhaseStart,
		minExchanges: minExchanges,
	}
}

// Ask records the tutor opening the card: start -> observing.
func (m *Machine) Ask() bool {
	return m.transition(PhaseStart, PhaseObserving, false, "ask")
}

// FirstReply records the learner's first answer: observing -> probing.
func (m *Machine) FirstReply() bool {
	return m.transition(PhaseObserving, PhaseProbing, true, "first_reply")
}

// ProbeReply records the answer to the tutor's probe: probing -> judging.
func (m *Machine) ProbeReply() bool {
	return m.transition(PhaseProbing, PhaseJudging, true, "probe_reply")
}

// NeedsFinalCheck records an unclear verdict: judging -> final_check.
func (m *Machine) NeedsFinalCheck() bool {
	return m.transition(PhaseJudging, PhaseFinalCheck, false, "needs_final_check")
}

// FinalReply records the answer to the clarifying question: final_check ->
// judging, completing exactly one additional exchange.
func (m *Machine) FinalReply() bool {
	return m.transition(PhaseFinalCheck, PhaseJudging, true, "final_reply")
}

// MasteryAchieved moves judging -> ready, but only once the minimum number
// of exchanges has completed. Before that the call is rejected and the
// machine stays in judging.
func (m *Machine) MasteryAchieved() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseJudging {
		m.rejectLocked("mastery_achieved")
		return false
	}
	if m.exchanges < m.minExchanges {
		slog.Debug("scoring blocked before minimum exchanges",
			"card_id", m.cardID,
			"exchanges", m.exchanges,
			"min_exchanges", m.minExchanges)
		return false
	}
	m.phase = PhaseReady
	return true
}

// ScoringAllowed is the sole authorization flag for an external scoring call.
func (m *Machine) ScoringAllowed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase == PhaseReady
}

func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Exchanges reports completed learner exchanges on this card.
func (m *Machine) Exchanges() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exchanges
}

// Reset returns the machine to start without clearing the card identity.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = PhaseStart
	m.exchanges = 0
}

func (m *Machine) transition(from, to Phase, completesExchange bool, op string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != from {
		m.rejectLocked(op)
		return false
	}
	m.phase = to
	if completesExchange {
		m.exchanges++
	}
	return true
}

func (m *Machine) rejectLocked(op string) {
	slog.Debug("assessment transition rejected",
		"card_id", m.cardID,
		"op", op,
		"phase", m.phase)
}
