package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateSemver(t *testing.T) {
	valid := []string{"1.0.0", "0.0.1", "10.20.30"}
	for _, v := range valid {
		assert.NoError(t, validateSemver(v), v)
	}

	invalid := []string{"", "1", "1.0", "1.0.0.0", "v1.0.0", "1.0.x", "1..0"}
	for _, v := range invalid {
		assert.ErrorIs(t, validateSemver(v), ErrBadVersion, v)
	}
}
