package models

type TOA struct {
	MJD         float64 `json:"mjd_tdb"`     // day-precision, TDB time scale
	Delay       float64 `json:"delay_s"`     // TOA-to-emission delay, seconds
	Observatory *string `json:"observatory"` // nullable
}

type TOABatch struct {
	TOAs []TOA `json:"toas"`
}

type IngestResponse struct {
	BatchID string `json:"batch_id"`
	Count   int    `json:"count"`
}

// EvalRequest carries a glitch parameter map, e.g. {"GLEP_1": 55000}.
// When Deriv names a fit parameter the response holds that partial
// derivative instead of the phase.
type EvalRequest struct {
	Params map[string]float64 `json:"params"`
	Deriv  string             `json:"deriv,omitempty"`
}

type EvalResponse struct {
	N      int       `json:"n"`
	Values []float64 `json:"values"`
	Mean   float64   `json:"mean"`
	StdDev float64   `json:"stddev"`
}
