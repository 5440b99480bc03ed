// Package units provides shared constants and conversion for length units.
// The stage works in millimetres; regions may be entered in micrometres.
package units

// Unit constants
const (
	MM = "mm"
	UM = "um"
	NM = "nm"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{MM, UM, NM}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return "mm, um, nm"
}

// ToMillimetres converts a length in unit to millimetres.
func ToMillimetres(v float64, unit string) float64 {
	switch unit {
	case UM:
		return v / 1e3
	case NM:
		return v / 1e6
	default:
		return v // default to mm if unknown unit
	}
}

// FromMillimetres converts a length in millimetres to unit.
func FromMillimetres(mm float64, unit string) float64 {
	switch unit {
	case UM:
		return mm * 1e3
	case NM:
		return mm * 1e6
	default:
		return mm
	}
}
