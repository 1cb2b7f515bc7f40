package broker

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_JSON(t *testing.T) {
	for _, st := range []State{Unregistered, Registered, Root} {
		raw, err := json.Marshal(st)
		require.NoError(t, err)

		var back State
		require.NoError(t, json.Unmarshal(raw, &back))
		assert.Equal(t, st, back)
	}

	var s State
	assert.Error(t, json.Unmarshal([]byte(`"lost"`), &s))
	assert.Equal(t, "state(7)", State(7).String())
}
