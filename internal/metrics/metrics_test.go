package metrics

import "testing"

func TestRegister_Idempotent(t *testing.T) {
	// A second call must not panic with duplicate-collector errors.
	Register()
	Register()
}
