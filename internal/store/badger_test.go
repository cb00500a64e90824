package store_test

import (
	"testing"

	"github.com/EternisAI/silo-orchestrator/internal/store"
	"github.com/EternisAI/silo-orchestrator/internal/store/storetest"
	"github.com/stretchr/testify/require"
)

func TestBadgerStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := store.NewBadgerStore("")
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestBadgerStorePersistsToDisk(t *testing.T) {
	dir := t.TempDir()

	s, err := store.NewBadgerStore(dir)
	require.NoError(t, err)
	agent := seedAgent(t, s)
	require.NoError(t, s.Close())

	reopened, err := store.NewBadgerStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetAgent(t.Context(), agent)
	require.NoError(t, err)
	require.Equal(t, "user-1", got.UserID)
}
