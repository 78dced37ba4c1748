package version_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"instance-transfer/src/version"
)

func TestVersionNonEmpty(t *testing.T) {
	assert.NotEmpty(t, version.Version)
}
