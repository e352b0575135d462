package beep

import (
	"testing"

	assert "github.com/stretchr/testify/require"
)

func TestResolveOptionsMergesOverDefaults(t *testing.T) {
	resolved := resolveOptions(&Options{WorkerPoolSize: 1})
	assert.Equal(t, 1, resolved.WorkerPoolSize)
	assert.Equal(t, DefaultOptions.DefaultFrameSize, resolved.DefaultFrameSize, "unset fields fall back to DefaultOptions")
	assert.Equal(t, DefaultOptions.SetupTimeout, resolved.SetupTimeout)
}

func TestResolveOptionsNilUsesDefaults(t *testing.T) {
	resolved := resolveOptions(nil)
	assert.Equal(t, DefaultOptions, resolved)
}
