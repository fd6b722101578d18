// Package testutil provides shared test helpers used across packages.
package testutil

// Float64Ptr returns a pointer to f.
func Float64Ptr(f float64) *float64 { return &f }

// StringPtr returns a pointer to s.
func StringPtr(s string) *string { return &s }

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool { return &b }
