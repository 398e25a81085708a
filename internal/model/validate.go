package model

import (
	"math"
	"strconv"
)

// ValidateData checks data against the value's type descriptor. The write is
// rejected before anything is mutated, so a failed validation leaves the
// prior state untouched.
func (v *Value) ValidateData(data string) error {
	switch {
	case v.Number != nil:
		return v.validateNumber(data)
	case v.String != nil:
		if v.String.Max > 0 && len(data) > v.String.Max {
			return validationErrorf(TooLong, "string of length %d exceeds max %d", len(data), v.String.Max)
		}
		return nil
	case v.Blob != nil:
		if v.Blob.Max > 0 && len(data) > v.Blob.Max {
			return validationErrorf(TooLong, "blob of length %d exceeds max %d", len(data), v.Blob.Max)
		}
		return nil
	case v.XML != nil:
		if data == "" {
			return validationErrorf(WrongType, "empty xml payload for value %s", v.Name)
		}
		return nil
	}
	return validationErrorf(WrongType, "value %s has no type descriptor", v.Name)
}

func (v *Value) validateNumber(data string) error {
	num, err := strconv.ParseFloat(data, 64)
	if err != nil || math.IsNaN(num) {
		return validationErrorf(WrongType, "not a number: %q", data)
	}
	spec := v.Number
	if num < spec.Min || num > spec.Max {
		return validationErrorf(OutOfRange, "number %v outside range %v-%v", num, spec.Min, spec.Max)
	}
	if spec.Step > 0 {
		steps := (num - spec.Min) / spec.Step
		if math.Abs(math.Round(steps)-steps) > 1e-9 {
			return validationErrorf(OutOfRange, "number %v does not match step %v from %v", num, spec.Step, spec.Min)
		}
	}
	return nil
}
