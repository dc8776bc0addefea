package main

import "time"

// DaemonState is the daemon-owned bookkeeping for routed keys. Only the daemon
// goroutine touches it; other goroutines see copies via StateSnapshot.
type DaemonState struct {
	Self string

	// Received counts routed broadcasts; Aborted counts those whose default
	// delivery was stopped.
	Received uint64
	Aborted  uint64

	LastDecision *DecisionRecord
}

// DecisionRecord is the externally visible summary of one routing decision.
type DecisionRecord struct {
	Event   KeyEvent  `json:"event"`
	Key     string    `json:"key"`
	Source  string    `json:"source,omitempty"`
	Action  string    `json:"action"`
	Target  string    `json:"target,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	Aborted bool      `json:"aborted"`
	At      time.Time `json:"at"`
}

func newDecisionRecord(b Broadcast, out Outcome, now time.Time) DecisionRecord {
	return DecisionRecord{
		Event:   b.Event,
		Key:     keyName(b.Event.Code),
		Source:  b.Source,
		Action:  out.Decision.Action.String(),
		Target:  out.Decision.Target.Flatten(),
		Reason:  out.Decision.Reason,
		Aborted: out.Aborted,
		At:      now,
	}
}

// recordDecision updates counters and the last decision.
func (s *DaemonState) recordDecision(rec DecisionRecord) {
	s.Received++
	if rec.Aborted {
		s.Aborted++
	}
	s.LastDecision = &rec
}

// StateSnapshot is a point-in-time copy of everything a client may want to
// render: preferences, the open chooser and routing counters.
type StateSnapshot struct {
	Self         string          `json:"self"`
	Prefs        Preferences     `json:"preferences"`
	Chooser      *ChooserRequest `json:"chooser,omitempty"`
	Received     uint64          `json:"received"`
	Aborted      uint64          `json:"aborted"`
	LastDecision *DecisionRecord `json:"last_decision,omitempty"`

	// WSClients is filled in by the HTTP status handler.
	WSClients int `json:"ws_clients"`
}

func (s *DaemonState) snapshot(prefs Preferences, chooser *ChooserRequest) StateSnapshot {
	snap := StateSnapshot{
		Self:     s.Self,
		Prefs:    prefs,
		Chooser:  chooser,
		Received: s.Received,
		Aborted:  s.Aborted,
	}
	if s.LastDecision != nil {
		rec := *s.LastDecision
		snap.LastDecision = &rec
	}
	return snap
}
