package environment

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrimID_StripsTrailingNewline(t *testing.T) {
	assert.Equal(t, "abc123", trimID([]byte("abc123\n")))
	assert.Equal(t, "abc123", trimID([]byte("abc123\r\n")))
	assert.Equal(t, "abc123", trimID([]byte("abc123")))
}

func TestContainer_AddContext_BookkeepingWithoutDocker(t *testing.T) {
	// Exercises the pure locals bookkeeping without spinning up a real
	// container; NewContainer itself requires a docker daemon and is left
	// to an environment with Docker available.
	e := &Container{locals: make(map[string]any)}

	e.AddContext("payload")
	assert.Equal(t, 1, e.ContextCount())

	v, ok := e.FinalVar("context")
	assert.True(t, ok)
	assert.Equal(t, "payload", v)

	e.AddHistory("turn")
	assert.Equal(t, 1, e.HistoryCount())
}
