package object

// Value is a tagged property value. Exactly one field is set.
type Value struct {
	Vector *Vec3    `json:"vector,omitempty"`
	Number *float64 `json:"number,omitempty"`
	Flag   *bool    `json:"flag,omitempty"`
	Text   *string  `json:"text,omitempty"`
}

// VectorValue wraps a vector.
func VectorValue(v Vec3) Value {
	return Value{Vector: &v}
}

// NumberValue wraps a number.
func NumberValue(n float64) Value {
	return Value{Number: &n}
}

// FlagValue wraps a boolean.
func FlagValue(b bool) Value {
	return Value{Flag: &b}
}

// TextValue wraps a string.
func TextValue(s string) Value {
	return Value{Text: &s}
}

// IsZero reports whether no field is set.
func (v Value) IsZero() bool {
	return v.Vector == nil && v.Number == nil && v.Flag == nil && v.Text == nil
}

// Samples returns the numeric components of the value. Text values have no
// numeric form and return false.
func (v Value) Samples() ([]float64, bool) {
	switch {
	case v.Vector != nil:
		return v.Vector.Components(), true
	case v.Number != nil:
		return []float64{*v.Number}, true
	case v.Flag != nil:
		if *v.Flag {
			return []float64{1}, true
		}
		return []float64{0}, true
	default:
		return nil, false
	}
}

// Equal compares two values by content.
func (v Value) Equal(o Value) bool {
	switch {
	case v.Vector != nil:
		return o.Vector != nil && *v.Vector == *o.Vector
	case v.Number != nil:
		return o.Number != nil && *v.Number == *o.Number
	case v.Flag != nil:
		return o.Flag != nil && *v.Flag == *o.Flag
	case v.Text != nil:
		return o.Text != nil && *v.Text == *o.Text
	default:
		return o.IsZero()
	}
}
