package profstats

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindFatal(t *testing.T) {
	fatal := []Kind{KindInvalidArgs, KindTargetNotFound, KindProbeLoad, KindOutputWriteFailed}
	for _, k := range fatal {
		assert.True(t, k.Fatal(), k.String())
	}

	nonFatal := []Kind{KindNotGoBinary, KindMapFull, KindStackWalkFailed, KindSymbolLookupFailed}
	for _, k := range nonFatal {
		assert.False(t, k.Fatal(), k.String())
	}
}

func TestKindExitCode(t *testing.T) {
	assert.Equal(t, 2, KindInvalidArgs.ExitCode())
	assert.Equal(t, 3, KindTargetNotFound.ExitCode())
	assert.Equal(t, 4, KindProbeLoad.ExitCode())
	assert.Equal(t, 5, KindOutputWriteFailed.ExitCode())
	assert.Equal(t, 0, KindMapFull.ExitCode())
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindProbeLoad, cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "probe_load: boom", err.Error())
}

func TestErrorNilCause(t *testing.T) {
	err := Wrap(KindTargetNotFound, nil)
	assert.Equal(t, "target_not_found", err.Error())
}
