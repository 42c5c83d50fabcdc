// Package glitch implements the phase contribution of pulsar spin-down
// glitches: sudden jumps in spin frequency and its derivatives, each
// with an optional exponentially decaying frequency component.
//
// A model holds one event per distinct parameter index. Event parameter
// values may be updated by an external fitting loop between evaluations;
// concurrent mutation during an evaluation is the caller's problem
// (single-writer discipline).
package glitch

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"

	"github.com/pulsekit/glitchtrace-agent/internal/param"
)

// SecondsPerDay converts day-precision TDB offsets to seconds.
const SecondsPerDay = 86400.0

var (
	epochFamily = param.Family{Prefix: "GLEP_", Units: "day", TimeScale: "tdb",
		Description: "Epoch of glitch %d"}
	phaseFamily = param.Family{Prefix: "GLPH_", Units: "pulse phase",
		Description: "Phase change for glitch %d"}
	f0Family = param.Family{Prefix: "GLF0_", Units: "Hz",
		Description: "Permanent frequency change for glitch %d"}
	f1Family = param.Family{Prefix: "GLF1_", Units: "Hz/s",
		Description: "Permanent frequency-derivative change for glitch %d"}
	f2Family = param.Family{Prefix: "GLF2_", Units: "Hz/s^2",
		Description: "Permanent second frequency-derivative change for glitch %d"}
	f0dFamily = param.Family{Prefix: "GLF0D_", Units: "Hz",
		Description: "Decaying frequency change for glitch %d"}
	tdFamily = param.Family{Prefix: "GLTD_", Units: "day",
		Description: "Decay time constant for glitch %d"}
)

// valueFamilies are the six per-glitch families that default to zero when
// an index is known from any other family.
var valueFamilies = []param.Family{
	phaseFamily, f0Family, f1Family, f2Family, f0dFamily, tdFamily,
}

// ErrInvalidParam signals a derivative operation invoked with a parameter
// it is not responsible for. Programming error, not retried.
var ErrInvalidParam = errors.New("invalid parameter for derivative")

// DerivFunc evaluates d(phase)/d(param) over the given TOAs, in cycles
// per the parameter's native unit.
type DerivFunc func(mjds, delays []float64, name string) ([]float64, error)

// Model is the glitch phase component.
type Model struct {
	params  *param.Set
	indices []int
	derivs  map[string]DerivFunc
}

func NewModel() *Model {
	return &Model{
		params: param.NewSet(),
		derivs: make(map[string]DerivFunc),
	}
}

// Params exposes the underlying parameter set (read and value updates;
// the fitting engine enumerates names from here).
func (m *Model) Params() *param.Set {
	return m.params
}

// Indices returns the validated glitch indices, ascending. Empty before
// Setup.
func (m *Model) Indices() []int {
	out := make([]int, len(m.indices))
	copy(out, m.indices)
	return out
}

func familyByPrefix(prefix string) (param.Family, bool) {
	if prefix == epochFamily.Prefix {
		return epochFamily, true
	}
	for _, fam := range valueFamilies {
		if fam.Prefix == prefix {
			return fam, true
		}
	}
	return param.Family{}, false
}

// SetParam adds or updates a glitch parameter by its prefixed name.
func (m *Model) SetParam(name string, value float64) error {
	prefix, index, err := param.SplitPrefixed(name)
	if err != nil {
		return fmt.Errorf("set %s: %w", name, err)
	}
	fam, ok := familyByPrefix(prefix)
	if !ok {
		return fmt.Errorf("set %s: unknown glitch parameter family %s", name, prefix)
	}
	if m.params.Has(name) {
		return m.params.SetValue(name, value)
	}
	return m.params.Add(fam.New(index, value))
}

// Setup discovers glitch indices, checks required parameters and fills in
// defaults. Indices are the union over the six value families plus any
// explicit epoch parameters. Each index must carry an epoch, and a nonzero
// decaying amplitude must carry a nonzero decay timescale. Idempotent.
func (m *Model) Setup() error {
	seen := make(map[int]bool)
	for _, idx := range m.params.Indices(epochFamily.Prefix) {
		seen[idx] = true
	}
	for _, fam := range valueFamilies {
		for _, idx := range m.params.Indices(fam.Prefix) {
			seen[idx] = true
		}
	}
	indices := make([]int, 0, len(seen))
	for idx := range seen {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	for _, idx := range indices {
		epochName := fmt.Sprintf("%s%d", epochFamily.Prefix, idx)
		if !m.params.Has(epochName) {
			return &param.MissingParameterError{
				Component: "glitch",
				Name:      epochName,
				Msg:       fmt.Sprintf("glitch %d needs an epoch", idx),
			}
		}
		for _, fam := range valueFamilies {
			if _, ok := m.params.At(fam.Prefix, idx); !ok {
				if err := m.params.Add(fam.New(idx, 0.0)); err != nil {
					return err
				}
			}
			name := fmt.Sprintf("%s%d", fam.Prefix, idx)
			m.derivs[name] = m.derivForFamily(fam.Prefix)
		}
	}

	for _, idx := range indices {
		if m.params.Value(fmt.Sprintf("GLF0D_%d", idx)) != 0 &&
			m.params.Value(fmt.Sprintf("GLTD_%d", idx)) == 0 {
			name := fmt.Sprintf("GLTD_%d", idx)
			return &param.MissingParameterError{
				Component: "glitch",
				Name:      name,
				Msg: fmt.Sprintf("nonzero GLF0D_%d needs a nonzero %s",
					idx, name),
			}
		}
	}

	m.indices = indices
	return nil
}

func (m *Model) derivForFamily(prefix string) DerivFunc {
	switch prefix {
	case phaseFamily.Prefix:
		return m.DPhaseDGLPH
	case f0Family.Prefix:
		return m.DPhaseDGLF0
	case f1Family.Prefix:
		return m.DPhaseDGLF1
	case f2Family.Prefix:
		return m.DPhaseDGLF2
	case f0dFamily.Prefix:
		return m.DPhaseDGLF0D
	case tdFamily.Prefix:
		return m.DPhaseDGLTD
	}
	return nil
}

// Deriv returns the derivative function registered for a fit parameter.
// Epoch parameters have no registered derivative.
func (m *Model) Deriv(name string) (DerivFunc, bool) {
	fn, ok := m.derivs[name]
	return fn, ok
}

// FitParamNames lists every parameter with a registered derivative, in
// index order, family order within an index.
func (m *Model) FitParamNames() []string {
	names := make([]string, 0, len(m.indices)*len(valueFamilies))
	for _, idx := range m.indices {
		for _, fam := range valueFamilies {
			names = append(names, fmt.Sprintf("%s%d", fam.Prefix, idx))
		}
	}
	return names
}

// event is a snapshot of one glitch's current parameter values, read at
// evaluation time so fitter updates between calls are picked up.
type event struct {
	epoch float64 // MJD, TDB
	phase float64 // cycles
	f0    float64 // Hz
	f1    float64 // Hz/s
	f2    float64 // Hz/s^2
	f0d   float64 // Hz
	td    float64 // days
}

func (m *Model) event(idx int) event {
	return event{
		epoch: m.params.Value(fmt.Sprintf("GLEP_%d", idx)),
		phase: m.params.Value(fmt.Sprintf("GLPH_%d", idx)),
		f0:    m.params.Value(fmt.Sprintf("GLF0_%d", idx)),
		f1:    m.params.Value(fmt.Sprintf("GLF1_%d", idx)),
		f2:    m.params.Value(fmt.Sprintf("GLF2_%d", idx)),
		f0d:   m.params.Value(fmt.Sprintf("GLF0D_%d", idx)),
		td:    m.params.Value(fmt.Sprintf("GLTD_%d", idx)),
	}
}

func checkLengths(mjds, delays []float64) error {
	if len(mjds) != len(delays) {
		return fmt.Errorf("got %d TOAs but %d delays", len(mjds), len(delays))
	}
	return nil
}

// Phase evaluates the summed glitch phase contribution, in cycles, over
// the TOAs. mjds are day-precision TDB times; delays are per-TOA
// TOA-to-emission delays in seconds. A TOA is affected by an event only
// when it falls strictly after the event's epoch (dt > 0); unaffected
// TOAs take exactly zero contribution from that event.
func (m *Model) Phase(mjds, delays []float64) ([]float64, error) {
	if err := checkLengths(mjds, delays); err != nil {
		return nil, err
	}
	phase := make([]float64, len(mjds))
	contrib := make([]float64, len(mjds))
	for _, idx := range m.indices {
		ev := m.event(idx)
		tau := ev.td * SecondsPerDay
		for i := range mjds {
			contrib[i] = 0
			dt := (mjds[i]-ev.epoch)*SecondsPerDay - delays[i]
			if dt <= 0 {
				continue
			}
			p := ev.phase + dt*(ev.f0+0.5*dt*ev.f1+dt*dt*ev.f2/6.0)
			if ev.f0d != 0 {
				// tau != 0 is guaranteed by Setup when f0d != 0.
				p += ev.f0d * tau * (1.0 - math.Exp(-dt/tau))
			}
			contrib[i] = p
		}
		floats.Add(phase, contrib)
	}
	return phase, nil
}

// derivTarget checks that name belongs to the family a derivative
// operation is responsible for and resolves it to a known glitch index.
func (m *Model) derivTarget(fam param.Family, name string, mjds, delays []float64) (event, error) {
	if err := checkLengths(mjds, delays); err != nil {
		return event{}, err
	}
	prefix, idx, err := param.SplitPrefixed(name)
	if err != nil {
		return event{}, fmt.Errorf("%w: %v", ErrInvalidParam, err)
	}
	if prefix != fam.Prefix {
		return event{}, fmt.Errorf("%w: cannot take d_phase_d_%s with respect to %s",
			ErrInvalidParam, strings.TrimSuffix(fam.Prefix, "_"), name)
	}
	if _, ok := m.params.At(fam.Prefix, idx); !ok {
		return event{}, fmt.Errorf("%w: no glitch at index %d", ErrInvalidParam, idx)
	}
	return m.event(idx), nil
}

// glitchDt is the signed TOA-to-epoch offset in seconds, shared by the
// phase function and every derivative so the affected set never diverges.
func glitchDt(ev event, mjds, delays []float64) []float64 {
	dt := make([]float64, len(mjds))
	for i := range mjds {
		dt[i] = (mjds[i]-ev.epoch)*SecondsPerDay - delays[i]
	}
	return dt
}

// DPhaseDGLPH is d(phase)/d(GLPH_n): 1 over the affected TOAs.
func (m *Model) DPhaseDGLPH(mjds, delays []float64, name string) ([]float64, error) {
	ev, err := m.derivTarget(phaseFamily, name, mjds, delays)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(mjds))
	for i, dt := range glitchDt(ev, mjds, delays) {
		if dt > 0 {
			out[i] = 1.0
		}
	}
	return out, nil
}

// DPhaseDGLF0 is d(phase)/d(GLF0_n): dt seconds over the affected TOAs.
func (m *Model) DPhaseDGLF0(mjds, delays []float64, name string) ([]float64, error) {
	ev, err := m.derivTarget(f0Family, name, mjds, delays)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(mjds))
	for i, dt := range glitchDt(ev, mjds, delays) {
		if dt > 0 {
			out[i] = dt
		}
	}
	return out, nil
}

// DPhaseDGLF1 is d(phase)/d(GLF1_n): dt^2/2.
func (m *Model) DPhaseDGLF1(mjds, delays []float64, name string) ([]float64, error) {
	ev, err := m.derivTarget(f1Family, name, mjds, delays)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(mjds))
	for i, dt := range glitchDt(ev, mjds, delays) {
		if dt > 0 {
			out[i] = 0.5 * dt * dt
		}
	}
	return out, nil
}

// DPhaseDGLF2 is d(phase)/d(GLF2_n): dt^3/6.
func (m *Model) DPhaseDGLF2(mjds, delays []float64, name string) ([]float64, error) {
	ev, err := m.derivTarget(f2Family, name, mjds, delays)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(mjds))
	for i, dt := range glitchDt(ev, mjds, delays) {
		if dt > 0 {
			out[i] = dt * dt * dt / 6.0
		}
	}
	return out, nil
}

// DPhaseDGLF0D is d(phase)/d(GLF0D_n): tau*(1 - exp(-dt/tau)).
func (m *Model) DPhaseDGLF0D(mjds, delays []float64, name string) ([]float64, error) {
	ev, err := m.derivTarget(f0dFamily, name, mjds, delays)
	if err != nil {
		return nil, err
	}
	tau := ev.td * SecondsPerDay
	out := make([]float64, len(mjds))
	for i, dt := range glitchDt(ev, mjds, delays) {
		if dt > 0 {
			out[i] = tau * (1.0 - math.Exp(-dt/tau))
		}
	}
	return out, nil
}

// DPhaseDGLTD is d(phase)/d(GLTD_n), in cycles/day. When the current
// timescale is exactly zero the parameter is inactive and the derivative
// is the zero array.
func (m *Model) DPhaseDGLTD(mjds, delays []float64, name string) ([]float64, error) {
	ev, err := m.derivTarget(tdFamily, name, mjds, delays)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(mjds))
	if ev.td == 0 {
		return out, nil
	}
	tau := ev.td * SecondsPerDay
	for i, dt := range glitchDt(ev, mjds, delays) {
		if dt > 0 {
			x := dt / tau
			e := math.Exp(-x)
			// Per-second form scaled to the parameter's native days.
			out[i] = SecondsPerDay * ev.f0d * ((1.0 - e) - x*e)
		}
	}
	return out, nil
}

// PrintPar renders every glitch parameter as par-file lines, epoch first
// then the six value families, per index.
func (m *Model) PrintPar() string {
	var b strings.Builder
	for _, idx := range m.indices {
		if p, ok := m.params.At(epochFamily.Prefix, idx); ok {
			b.WriteString(p.ParfileLine())
		}
		for _, fam := range valueFamilies {
			if p, ok := m.params.At(fam.Prefix, idx); ok {
				b.WriteString(p.ParfileLine())
			}
		}
	}
	return b.String()
}
