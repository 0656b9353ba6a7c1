package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	Version, Commit, BuildDate = "v1.2.0", "abc123", "2024-01-01"
	assert.Equal(t, "v1.2.0 (commit abc123, built 2024-01-01)", String())
}
