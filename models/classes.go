// Package models - Label sets and metadata for the bundled sign classifiers.
package models

import (
	"fmt"
	"sort"
	"sync"
)

// Label represents one classifier output.
type Label struct {
	// The integer index returned by the model.
	Index int
	// The human-readable label.
	Name string
}

// LabelSet ties a name to its full ordered list of labels.
type LabelSet struct {
	// Label set identifier.
	Name string
	// Labels in model output order.
	Labels []Label
	// nameToIdx for fast lookup by name
	nameToIdx map[string]int
}

// NewLabelSet builds a label set from names in model output order.
func NewLabelSet(name string, names []string) *LabelSet {
	set := &LabelSet{Name: name, Labels: make([]Label, len(names))}
	for i, n := range names {
		set.Labels[i] = Label{Index: i, Name: n}
	}
	set.buildNameIndexMap()
	return set
}

// buildNameIndexMap builds or rebuilds the name->index map.
func (s *LabelSet) buildNameIndexMap() {
	s.nameToIdx = make(map[string]int, len(s.Labels))
	for _, l := range s.Labels {
		s.nameToIdx[l.Name] = l.Index
	}
}

// Len returns the number of labels.
func (s *LabelSet) Len() int {
	return len(s.Labels)
}

// Names returns the label names in output order.
func (s *LabelSet) Names() []string {
	names := make([]string, len(s.Labels))
	for i, l := range s.Labels {
		names[i] = l.Name
	}
	return names
}

// NameOf returns the label for an output index.
func (s *LabelSet) NameOf(idx int) (string, error) {
	if idx < 0 || idx >= len(s.Labels) {
		return "", fmt.Errorf("index %d out of range for label set %q", idx, s.Name)
	}
	return s.Labels[idx].Name, nil
}

// IndexOf returns the output index of a label.
func (s *LabelSet) IndexOf(name string) (int, error) {
	idx, ok := s.nameToIdx[name]
	if !ok {
		return -1, fmt.Errorf("label %q not found in label set %q", name, s.Name)
	}
	return idx, nil
}

// Registry holds all registered label sets.
type Registry struct {
	mu   sync.RWMutex
	sets map[string]*LabelSet
}

// NewRegistry initializes a registry with the given sets.
func NewRegistry(sets ...*LabelSet) *Registry {
	r := &Registry{sets: make(map[string]*LabelSet, len(sets))}
	for _, set := range sets {
		r.Register(set)
	}
	return r
}

// Register adds or replaces a label set.
func (r *Registry) Register(set *LabelSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set.nameToIdx == nil {
		set.buildNameIndexMap()
	}
	r.sets[set.Name] = set
}

// Get returns a registered label set.
func (r *Registry) Get(name string) (*LabelSet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.sets[name]
	if !ok {
		return nil, fmt.Errorf("label set %q not registered", name)
	}
	return set, nil
}

// Names lists the registered label sets, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sets))
	for name := range r.sets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ASLAlphabet is the American Sign Language fingerspelling alphabet plus the three control
// gestures used by the common 29-class ASL alphabet datasets, in their training order.
var ASLAlphabet = NewLabelSet("asl-alphabet", []string{
	"A", "B", "C", "D", "E", "F", "G", "H", "I", "J", "K", "L", "M",
	"N", "O", "P", "Q", "R", "S", "T", "U", "V", "W", "X", "Y", "Z",
	"del", "nothing", "space",
})

// ASLDigits covers the ASL number signs 0-9.
var ASLDigits = NewLabelSet("asl-digits", []string{
	"0", "1", "2", "3", "4", "5", "6", "7", "8", "9",
})

// DefaultRegistry holds the built-in label sets.
var DefaultRegistry = NewRegistry(ASLAlphabet, ASLDigits)
