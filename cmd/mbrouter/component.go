package main

import (
	"fmt"
	"strings"
)

// Component identifies a media button receiver: the owning package plus the
// receiver name inside it. For MPRIS players the name is the bus name.
type Component struct {
	Package string `json:"package" yaml:"package"`
	Name    string `json:"name" yaml:"name"`
}

// IsZero reports whether c is unset.
func (c Component) IsZero() bool {
	return c.Package == "" && c.Name == ""
}

// Flatten returns the "package/name" form stored in preferences and in the receiver slot.
func (c Component) Flatten() string {
	if c.IsZero() {
		return ""
	}
	return c.Package + "/" + c.Name
}

func (c Component) String() string { return c.Flatten() }

// UnflattenComponent parses the "package/name" form. A name beginning with "."
// is relative to the package.
func UnflattenComponent(s string) (Component, error) {
	s = strings.TrimSpace(s)
	sep := strings.IndexByte(s, '/')
	if sep <= 0 || sep == len(s)-1 {
		return Component{}, fmt.Errorf("invalid component %q: want package/name", s)
	}
	pkg, name := s[:sep], s[sep+1:]
	if strings.HasPrefix(name, ".") {
		name = pkg + name
	}
	return Component{Package: pkg, Name: name}, nil
}

// Candidate is a receiver able to handle media button events.
type Candidate struct {
	Component Component `json:"component"`
	// Identity is a human-readable player name, if the probe knows one.
	Identity string `json:"identity,omitempty"`
}

// RunningService is weak evidence that its package is the one playing audio.
type RunningService struct {
	Package    string
	Foreground bool
	Started    bool
}
