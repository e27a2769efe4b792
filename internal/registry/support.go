package registry

// SupportData carries tool-facing metadata for an instance or typedef
// field: physical limits, unit, the linear conversion rule (physical =
// raw*Factor + Offset), and free-form annotation text. None of it affects
// addressing or wire encoding; it rides along for the description a
// calibration tool uses to render values sensibly.
type SupportData struct {
	Unit       string
	Min, Max   float64
	HasLimits  bool
	Factor     float64 // defaults to 1.0 for "no conversion"
	Offset     float64
	Annotation string
}

// DefaultSupportData returns a SupportData with an identity conversion rule
// and no limits, the same defaults the original registration macros apply
// when the caller does not specify any.
func DefaultSupportData() SupportData {
	return SupportData{Factor: 1.0}
}

// WithLimits returns a copy of s with Min/Max set and HasLimits true.
func (s SupportData) WithLimits(min, max float64) SupportData {
	s.Min, s.Max, s.HasLimits = min, max, true
	return s
}

// WithConversion returns a copy of s with the linear conversion rule set.
func (s SupportData) WithConversion(factor, offset float64) SupportData {
	s.Factor, s.Offset = factor, offset
	return s
}
