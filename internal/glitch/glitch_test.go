package glitch

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsekit/glitchtrace-agent/internal/param"
)

// newTestModel builds and validates a model from a parameter map.
func newTestModel(t *testing.T, params map[string]float64) *Model {
	t.Helper()
	m := NewModel()
	for name, value := range params {
		require.NoError(t, m.SetParam(name, value))
	}
	require.NoError(t, m.Setup())
	return m
}

func TestSetupMissingEpoch(t *testing.T) {
	m := NewModel()
	require.NoError(t, m.SetParam("GLF0_2", 1e-6))

	err := m.Setup()
	require.Error(t, err)
	var missing *param.MissingParameterError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "GLEP_2", missing.Name)
	assert.Equal(t, "glitch", missing.Component)
}

func TestSetupDecayNeedsTimescale(t *testing.T) {
	m := NewModel()
	require.NoError(t, m.SetParam("GLEP_1", 55000))
	require.NoError(t, m.SetParam("GLF0D_1", 1e-9))

	err := m.Setup()
	require.Error(t, err)
	var missing *param.MissingParameterError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "GLTD_1", missing.Name)
}

func TestSetupSynthesizesDefaults(t *testing.T) {
	// An index known only from its epoch still validates, with all six
	// value families defaulting to zero.
	m := newTestModel(t, map[string]float64{"GLEP_3": 55000})

	assert.Equal(t, []int{3}, m.Indices())
	for _, name := range []string{"GLPH_3", "GLF0_3", "GLF1_3", "GLF2_3", "GLF0D_3", "GLTD_3"} {
		p, ok := m.Params().Get(name)
		require.True(t, ok, "expected %s to be synthesized", name)
		assert.Zero(t, p.Value, name)
	}
	ep, ok := m.Params().Get("GLEP_3")
	require.True(t, ok)
	assert.Equal(t, "tdb", ep.TimeScale)
}

func TestSetupNonContiguousIndices(t *testing.T) {
	m := newTestModel(t, map[string]float64{
		"GLEP_1": 55000,
		"GLF0_1": 1e-6,
		"GLEP_5": 55100,
		"GLF0_5": 2e-6,
	})
	assert.Equal(t, []int{1, 5}, m.Indices())
}

func TestSetupIdempotent(t *testing.T) {
	m := newTestModel(t, map[string]float64{
		"GLEP_1":  55000,
		"GLF0_1":  1e-6,
		"GLF0D_1": 1e-9,
		"GLTD_1":  20,
	})
	namesBefore := m.Params().Names()
	valuesBefore := make(map[string]float64)
	for _, n := range namesBefore {
		valuesBefore[n] = m.Params().Value(n)
	}

	require.NoError(t, m.Setup())

	assert.Equal(t, namesBefore, m.Params().Names())
	for _, n := range namesBefore {
		assert.Equal(t, valuesBefore[n], m.Params().Value(n), n)
	}
}

func TestSetParamRejectsUnknownFamily(t *testing.T) {
	m := NewModel()
	assert.Error(t, m.SetParam("F0_1", 10))
	assert.Error(t, m.SetParam("GLEP", 55000))
}

func TestPhasePolynomialFirstOrder(t *testing.T) {
	// One glitch, freq offset only: 10 days after the epoch the phase is
	// 1e-6 Hz * 10*86400 s.
	m := newTestModel(t, map[string]float64{
		"GLEP_1": 55000,
		"GLF0_1": 1e-6,
	})
	phase, err := m.Phase([]float64{55010}, []float64{0})
	require.NoError(t, err)
	require.Len(t, phase, 1)
	assert.InEpsilon(t, 1e-6*10*86400, phase[0], 1e-12)
}

func TestPhaseBeforeAndAtEpoch(t *testing.T) {
	m := newTestModel(t, map[string]float64{
		"GLEP_1": 55000,
		"GLPH_1": 0.5,
		"GLF0_1": 1e-6,
	})
	// dt < 0 and dt == 0 exactly are both unaffected; the boundary is
	// strictly greater than zero.
	phase, err := m.Phase([]float64{54990, 55000}, []float64{0, 0})
	require.NoError(t, err)
	assert.Zero(t, phase[0])
	assert.Zero(t, phase[1])
}

func TestPhaseDelayShiftsDt(t *testing.T) {
	m := newTestModel(t, map[string]float64{
		"GLEP_1": 55000,
		"GLF0_1": 1e-6,
	})
	delay := 120.0
	phase, err := m.Phase([]float64{55010}, []float64{delay})
	require.NoError(t, err)
	assert.InEpsilon(t, 1e-6*(10*86400-delay), phase[0], 1e-12)

	// A delay large enough to push dt non-positive removes the
	// contribution entirely.
	phase, err = m.Phase([]float64{55000.001}, []float64{100000})
	require.NoError(t, err)
	assert.Zero(t, phase[0])
}

func TestPhaseDecayIgnoredWhenAmplitudeZero(t *testing.T) {
	// With a zero decaying amplitude the phase reduces to the pure
	// polynomial regardless of the timescale value, including zero.
	mjds := []float64{55001, 55010, 55123.5}
	delays := []float64{0, 30, 1.5}

	base := newTestModel(t, map[string]float64{
		"GLEP_1": 55000,
		"GLPH_1": 0.25,
		"GLF0_1": 1e-6,
		"GLF1_1": 1e-14,
	})
	want, err := base.Phase(mjds, delays)
	require.NoError(t, err)

	for _, td := range []float64{0, 100} {
		m := newTestModel(t, map[string]float64{
			"GLEP_1": 55000,
			"GLPH_1": 0.25,
			"GLF0_1": 1e-6,
			"GLF1_1": 1e-14,
			"GLTD_1": td,
		})
		got, err := m.Phase(mjds, delays)
		require.NoError(t, err)
		assert.Equal(t, want, got, "GLTD=%g", td)
	}
}

func TestPhaseFullModel(t *testing.T) {
	m := newTestModel(t, map[string]float64{
		"GLEP_2":  55000,
		"GLPH_2":  0.1,
		"GLF0_2":  2e-7,
		"GLF1_2":  1e-14,
		"GLF2_2":  -1e-22,
		"GLF0D_2": 5e-8,
		"GLTD_2":  50,
	})
	delay := 12.5
	phase, err := m.Phase([]float64{55030}, []float64{delay})
	require.NoError(t, err)

	dt := 30*86400.0 - delay
	tau := 50 * 86400.0
	want := 0.1 + dt*(2e-7+0.5*dt*1e-14+dt*dt*(-1e-22)/6.0) +
		5e-8*tau*(1.0-math.Exp(-dt/tau))
	assert.InEpsilon(t, want, phase[0], 1e-12)
}

func TestPhaseAdditivity(t *testing.T) {
	mjds := []float64{54990, 55005, 55020, 55100}
	delays := []float64{0, 60, 0, 3600}

	p1 := map[string]float64{"GLEP_1": 55000, "GLF0_1": 1e-6, "GLPH_1": 0.2}
	p2 := map[string]float64{"GLEP_2": 55010, "GLF0_2": -3e-7, "GLF0D_2": 1e-8, "GLTD_2": 10}

	only1, err := newTestModel(t, p1).Phase(mjds, delays)
	require.NoError(t, err)
	only2, err := newTestModel(t, p2).Phase(mjds, delays)
	require.NoError(t, err)

	combined := map[string]float64{}
	for k, v := range p1 {
		combined[k] = v
	}
	for k, v := range p2 {
		combined[k] = v
	}
	both, err := newTestModel(t, combined).Phase(mjds, delays)
	require.NoError(t, err)

	for i := range mjds {
		assert.InDelta(t, only1[i]+only2[i], both[i], 1e-12, "TOA %d", i)
	}
}

func TestPhaseLengthMismatch(t *testing.T) {
	m := newTestModel(t, map[string]float64{"GLEP_1": 55000})
	_, err := m.Phase([]float64{55010, 55020}, []float64{0})
	assert.Error(t, err)
}

// testParams is a fully-populated single glitch used by the derivative
// consistency checks.
func testParams() map[string]float64 {
	return map[string]float64{
		"GLEP_1":  55000,
		"GLPH_1":  0.1,
		"GLF0_1":  2e-7,
		"GLF1_1":  1e-14,
		"GLF2_1":  -1e-22,
		"GLF0D_1": 5e-8,
		"GLTD_1":  50,
	}
}

var (
	derivMJDs   = []float64{54990, 55000, 55003.25, 55100, 55500}
	derivDelays = []float64{0, 10, 120, 0.5, 3600}
)

// numericalDeriv central-differences the forward phase with respect to
// one parameter.
func numericalDeriv(t *testing.T, params map[string]float64, name string, h float64) []float64 {
	t.Helper()
	perturbed := func(v float64) []float64 {
		p := make(map[string]float64, len(params))
		for k, val := range params {
			p[k] = val
		}
		p[name] = v
		phase, err := newTestModel(t, p).Phase(derivMJDs, derivDelays)
		require.NoError(t, err)
		return phase
	}
	v := params[name]
	plus := perturbed(v + h)
	minus := perturbed(v - h)
	out := make([]float64, len(plus))
	for i := range plus {
		out[i] = (plus[i] - minus[i]) / (2 * h)
	}
	return out
}

func TestDerivativesMatchNumerical(t *testing.T) {
	// Parameter sets the law must hold at, including zero fields and
	// large/small magnitudes.
	variants := map[string]map[string]float64{
		"typical": testParams(),
		"zeros": {
			"GLEP_1": 55000, "GLPH_1": 0, "GLF0_1": 0, "GLF1_1": 0,
			"GLF2_1": 0, "GLF0D_1": 0, "GLTD_1": 50,
		},
		"extremes": {
			"GLEP_1": 55000, "GLPH_1": -2.5, "GLF0_1": 1e-4,
			"GLF1_1": -5e-13, "GLF2_1": 1e-24, "GLF0D_1": 1e-10,
			"GLTD_1": 400,
		},
	}
	steps := []struct {
		name string
		step float64
	}{
		{"GLPH_1", 1e-4},
		{"GLF0_1", 1e-10},
		{"GLF1_1", 1e-17},
		{"GLF2_1", 1e-23},
		{"GLF0D_1", 1e-11},
		{"GLTD_1", 1e-3},
	}
	for vname, params := range variants {
		for _, tt := range steps {
			t.Run(vname+"/"+tt.name, func(t *testing.T) {
				m := newTestModel(t, params)
				fn, ok := m.Deriv(tt.name)
				require.True(t, ok)

				analytic, err := fn(derivMJDs, derivDelays, tt.name)
				require.NoError(t, err)
				numeric := numericalDeriv(t, params, tt.name, tt.step)

				for i := range analytic {
					tol := math.Max(1e-6, 1e-5*math.Abs(analytic[i]))
					assert.InDelta(t, numeric[i], analytic[i], tol, "TOA %d", i)
				}
			})
		}
	}
}

func TestDerivativesZeroOutsideAffected(t *testing.T) {
	m := newTestModel(t, testParams())
	// derivMJDs[0] is before the epoch; derivMJDs[1] lands exactly on it
	// but its delay pushes dt negative.
	for _, name := range m.FitParamNames() {
		fn, ok := m.Deriv(name)
		require.True(t, ok, name)
		out, err := fn(derivMJDs, derivDelays, name)
		require.NoError(t, err, name)
		assert.Zero(t, out[0], name)
		assert.Zero(t, out[1], name)
	}
}

func TestDerivativeValues(t *testing.T) {
	m := newTestModel(t, testParams())
	dt := (55100-55000)*86400.0 - 0.5 // derivMJDs[3]
	tau := 50 * 86400.0

	tests := []struct {
		name string
		want float64
	}{
		{"GLPH_1", 1},
		{"GLF0_1", dt},
		{"GLF1_1", 0.5 * dt * dt},
		{"GLF2_1", dt * dt * dt / 6.0},
		{"GLF0D_1", tau * (1 - math.Exp(-dt/tau))},
		{"GLTD_1", 86400.0 * 5e-8 * ((1 - math.Exp(-dt/tau)) - dt/tau*math.Exp(-dt/tau))},
	}
	for _, tt := range tests {
		fn, _ := m.Deriv(tt.name)
		out, err := fn(derivMJDs, derivDelays, tt.name)
		require.NoError(t, err, tt.name)
		assert.InEpsilon(t, tt.want, out[3], 1e-12, tt.name)
	}
}

func TestDPhaseDGLTDZeroTimescale(t *testing.T) {
	// A fitter may step GLTD to exactly zero between evaluations; the
	// derivative is then the zero array even with a nonzero amplitude.
	m := newTestModel(t, testParams())
	require.NoError(t, m.SetParam("GLTD_1", 0))

	out, err := m.DPhaseDGLTD(derivMJDs, derivDelays, "GLTD_1")
	require.NoError(t, err)
	for i, v := range out {
		assert.Zero(t, v, "TOA %d", i)
	}
}

func TestDerivWrongPrefix(t *testing.T) {
	m := newTestModel(t, testParams())

	_, err := m.DPhaseDGLF0(derivMJDs, derivDelays, "GLPH_1")
	assert.ErrorIs(t, err, ErrInvalidParam)

	_, err = m.DPhaseDGLPH(derivMJDs, derivDelays, "not a name")
	assert.ErrorIs(t, err, ErrInvalidParam)

	_, err = m.DPhaseDGLF0(derivMJDs, derivDelays, "GLF0_9")
	assert.ErrorIs(t, err, ErrInvalidParam, "unknown index")
}

func TestDerivRegistry(t *testing.T) {
	m := newTestModel(t, map[string]float64{"GLEP_1": 55000, "GLEP_4": 55200})

	_, ok := m.Deriv("GLF1_4")
	assert.True(t, ok)
	_, ok = m.Deriv("GLEP_1")
	assert.False(t, ok, "epochs are not fit parameters")
	_, ok = m.Deriv("GLF0_2")
	assert.False(t, ok)

	assert.Equal(t, []string{
		"GLPH_1", "GLF0_1", "GLF1_1", "GLF2_1", "GLF0D_1", "GLTD_1",
		"GLPH_4", "GLF0_4", "GLF1_4", "GLF2_4", "GLF0D_4", "GLTD_4",
	}, m.FitParamNames())
}

func TestPrintPar(t *testing.T) {
	m := newTestModel(t, map[string]float64{
		"GLEP_1": 55000,
		"GLF0_1": 1e-6,
		"GLEP_5": 55100,
	})
	out := m.PrintPar()
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 14, "seven lines per glitch")

	// Epoch first, then the six value families, per index.
	assert.True(t, strings.HasPrefix(lines[0], "GLEP_1"))
	assert.True(t, strings.HasPrefix(lines[1], "GLPH_1"))
	assert.True(t, strings.HasPrefix(lines[6], "GLTD_1"))
	assert.True(t, strings.HasPrefix(lines[7], "GLEP_5"))
	assert.Contains(t, out, "GLF0_1          1e-06\n")
}
