package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNamerTrimsAndBounds(t *testing.T) {
	stub := &generateStub{response: `  "A very long session title that keeps going"  `}
	n := NewNamer(stub, nil)

	name, err := n.GenerateName(context.Background(), "q")
	require.NoError(t, err)
	assert.NotContains(t, name, `"`)
	assert.LessOrEqual(t, len([]rune(name)), maxSessionNameRunes)
	assert.True(t, strings.HasPrefix(name, "A very long"))
}

func TestNamerEmptyResponse(t *testing.T) {
	stub := &generateStub{response: `""`}
	n := NewNamer(stub, nil)

	_, err := n.GenerateName(context.Background(), "q")
	assert.Error(t, err)
}

func TestNamerModelError(t *testing.T) {
	stub := &generateStub{err: errors.New("down")}
	n := NewNamer(stub, nil)

	_, err := n.GenerateName(context.Background(), "q")
	assert.ErrorContains(t, err, "session name")
}
