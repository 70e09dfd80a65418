package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewRespectsDebugFlag(t *testing.T) {
	info := New(false)
	require.NotNil(t, info)
	assert.False(t, info.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, info.Core().Enabled(zapcore.InfoLevel))

	debug := New(true)
	require.NotNil(t, debug)
	assert.True(t, debug.Core().Enabled(zapcore.DebugLevel))
}
