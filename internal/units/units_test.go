package units

import (
	"math"
	"testing"
)

func TestToMillimetres(t *testing.T) {
	tests := []struct {
		name     string
		value    float64
		unit     string
		expected float64
	}{
		{"10 um to mm", 10, UM, 0.01},
		{"250 nm to mm", 250, NM, 0.00025},
		{"mm unchanged", 1.5, MM, 1.5},
		{"unknown units default to mm", 2, "furlong", 2},
		{"zero", 0, UM, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ToMillimetres(tt.value, tt.unit)
			if math.Abs(result-tt.expected) > 1e-12 {
				t.Errorf("ToMillimetres(%g, %s) = %g, want %g", tt.value, tt.unit, result, tt.expected)
			}
		})
	}
}

func TestFromMillimetresRoundTrip(t *testing.T) {
	for _, unit := range ValidUnits {
		got := ToMillimetres(FromMillimetres(0.0123, unit), unit)
		if math.Abs(got-0.0123) > 1e-15 {
			t.Errorf("%s round trip = %g", unit, got)
		}
	}
}

func TestIsValid(t *testing.T) {
	tests := []struct {
		name     string
		unit     string
		expected bool
	}{
		{"valid mm", MM, true},
		{"valid um", UM, true},
		{"valid nm", NM, true},
		{"invalid unit", "invalid", false},
		{"empty string", "", false},
		{"case sensitive", "UM", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValid(tt.unit); got != tt.expected {
				t.Errorf("IsValid(%q) = %v, want %v", tt.unit, got, tt.expected)
			}
		})
	}
}

func TestGetValidUnitsString(t *testing.T) {
	if got := GetValidUnitsString(); got != "mm, um, nm" {
		t.Errorf("GetValidUnitsString() = %q", got)
	}
}
