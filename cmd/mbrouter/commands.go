package main

import "fmt"

// ==============================
// Commands (side effects)
// ==============================

// Command represents an external side effect to be executed by the router
// after the engine has decided.
type Command interface {
	commandMarker()
	String() string
}

// CmdForward delivers a key to a receiver.
type CmdForward struct {
	Target  Component
	KeyCode uint16
	Event   KeyEvent
}

func (CmdForward) commandMarker() {}
func (c CmdForward) String() string {
	return fmt.Sprintf("CmdForward(target=%s, key=%s)", c.Target.Flatten(), keyName(c.KeyCode))
}

// CmdShowChooser opens the chooser for a key press.
type CmdShowChooser struct {
	KeyCode    uint16
	Event      KeyEvent
	Candidates []Component
}

func (CmdShowChooser) commandMarker() {}
func (c CmdShowChooser) String() string {
	return fmt.Sprintf("CmdShowChooser(key=%s, candidates=%d)", keyName(c.KeyCode), len(c.Candidates))
}

// CmdRebroadcast hands a key to the open chooser only.
type CmdRebroadcast struct {
	Event KeyEvent
}

func (CmdRebroadcast) commandMarker() {}
func (c CmdRebroadcast) String() string {
	return fmt.Sprintf("CmdRebroadcast(event=%s)", c.Event)
}

// commandsFor translates a decision into the commands that carry it out.
// Suppress and pass-through need no side effects.
func commandsFor(d Decision, ev KeyEvent) []Command {
	code := adjustedKeyCode(ev.Code)
	switch d.Action {
	case ActionForward:
		return []Command{CmdForward{Target: d.Target, KeyCode: code, Event: ev}}
	case ActionShowChooser:
		return []Command{CmdShowChooser{KeyCode: code, Event: ev, Candidates: d.Candidates}}
	case ActionRebroadcast:
		return []Command{CmdRebroadcast{Event: ev}}
	}
	return nil
}
