// Package validation enforces constructor contracts.
//
// Missing mandatory dependencies are programmer errors, so these helpers panic
// at wiring time instead of returning errors callers would have to thread through.
package validation

import "fmt"

// AssertNotNil panics when a mandatory dependency is nil.
//
//	validation.AssertNotNil(db, "fetcher", "database pool")
func AssertNotNil[T any](ptr *T, component, name string) {
	if ptr == nil {
		panic(fmt.Sprintf("%s: %s cannot be nil", component, name))
	}
}

// AssertNotEmpty panics when a mandatory setting is an empty string.
func AssertNotEmpty(value, component, name string) {
	if value == "" {
		panic(fmt.Sprintf("%s: %s cannot be empty", component, name))
	}
}
