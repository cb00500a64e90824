package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrefixed(t *testing.T) {
	got := prefixed("i", "id, agent_id,\n\tstatus")
	assert.Equal(t, "i.id, i.agent_id, i.status", got)
}
