// Package param models named pulsar-timing parameters with prefixed,
// indexed names such as GLF0_2. Parameter naming follows the standard
// par-file convention and must be preserved exactly for compatibility
// with external tooling.
package param

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Family describes one prefixed parameter family (units, time scale and
// description shared by every index). New parameters are built from the
// family metadata rather than by copying an existing parameter.
type Family struct {
	Prefix      string // includes the trailing underscore, e.g. "GLF0_"
	Units       string
	TimeScale   string // "tdb" for epoch-typed parameters, empty otherwise
	Description string // format string taking the event index
}

// New builds the family's parameter at the given index.
func (f Family) New(index int, value float64) *Param {
	return &Param{
		Name:        fmt.Sprintf("%s%d", f.Prefix, index),
		Prefix:      f.Prefix,
		Index:       index,
		Value:       value,
		Units:       f.Units,
		TimeScale:   f.TimeScale,
		Description: fmt.Sprintf(f.Description, index),
	}
}

// Param is a single named scalar parameter. Value is mutable; everything
// else is fixed at construction.
type Param struct {
	Name        string
	Prefix      string
	Index       int
	Value       float64
	Units       string
	TimeScale   string
	Description string
}

// ParfileLine renders the parameter as one key-value par-file line,
// newline terminated.
func (p *Param) ParfileLine() string {
	return fmt.Sprintf("%-15s %.15g\n", p.Name, p.Value)
}

// SplitPrefixed splits a prefixed parameter name into its family prefix
// (underscore included) and positive integer index.
func SplitPrefixed(name string) (prefix string, index int, err error) {
	cut := strings.LastIndex(name, "_")
	if cut < 1 || cut == len(name)-1 {
		return "", 0, fmt.Errorf("%q is not a prefixed parameter name", name)
	}
	index, err = strconv.Atoi(name[cut+1:])
	if err != nil || index < 1 {
		return "", 0, fmt.Errorf("%q has no positive integer index", name)
	}
	return name[:cut+1], index, nil
}

// Set holds parameters keyed by name, with an explicit (family, index)
// map so callers never rediscover indices by string scanning.
type Set struct {
	byName  map[string]*Param
	byIndex map[string]map[int]*Param
	names   []string // insertion order
}

func NewSet() *Set {
	return &Set{
		byName:  make(map[string]*Param),
		byIndex: make(map[string]map[int]*Param),
	}
}

// Add inserts a parameter. Names are unique.
func (s *Set) Add(p *Param) error {
	if _, ok := s.byName[p.Name]; ok {
		return fmt.Errorf("parameter %s already present", p.Name)
	}
	s.byName[p.Name] = p
	if s.byIndex[p.Prefix] == nil {
		s.byIndex[p.Prefix] = make(map[int]*Param)
	}
	s.byIndex[p.Prefix][p.Index] = p
	s.names = append(s.names, p.Name)
	return nil
}

func (s *Set) Get(name string) (*Param, bool) {
	p, ok := s.byName[name]
	return p, ok
}

func (s *Set) Has(name string) bool {
	_, ok := s.byName[name]
	return ok
}

// Value returns the parameter's current value, or 0 if absent.
func (s *Set) Value(name string) float64 {
	if p, ok := s.byName[name]; ok {
		return p.Value
	}
	return 0
}

// SetValue updates an existing parameter.
func (s *Set) SetValue(name string, value float64) error {
	p, ok := s.byName[name]
	if !ok {
		return fmt.Errorf("no parameter %s", name)
	}
	p.Value = value
	return nil
}

// At returns the family's parameter at the given index.
func (s *Set) At(prefix string, index int) (*Param, bool) {
	p, ok := s.byIndex[prefix][index]
	return p, ok
}

// Indices returns the sorted indices present for a family.
func (s *Set) Indices(prefix string) []int {
	indexed := s.byIndex[prefix]
	out := make([]int, 0, len(indexed))
	for i := range indexed {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// Names returns all parameter names in insertion order.
func (s *Set) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

func (s *Set) Len() int {
	return len(s.byName)
}

// MissingParameterError reports a parameter a component requires but was
// not given. Fatal to model construction.
type MissingParameterError struct {
	Component string
	Name      string
	Msg       string
}

func (e *MissingParameterError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s: missing parameter %s: %s", e.Component, e.Name, e.Msg)
	}
	return fmt.Sprintf("%s: missing parameter %s", e.Component, e.Name)
}
