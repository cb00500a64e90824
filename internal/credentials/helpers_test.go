package credentials

import (
	"context"
	"testing"

	"github.com/EternisAI/silo-orchestrator/internal/store"
	"github.com/stretchr/testify/require"
)

func newTestSealer(t *testing.T) *AgeSealer {
	t.Helper()
	identity, err := GenerateIdentity()
	require.NoError(t, err)
	s, err := NewAgeSealer(identity)
	require.NoError(t, err)
	return s
}

func newTestStore(t *testing.T) *store.BadgerStore {
	t.Helper()
	s, err := store.NewBadgerStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seal(t *testing.T, s Sealer, plaintext string) string {
	t.Helper()
	sealed, err := s.Seal([]byte(plaintext))
	require.NoError(t, err)
	return sealed
}

func open(t *testing.T, s Sealer, sealed string) string {
	t.Helper()
	plaintext, err := OpenString(s, sealed)
	require.NoError(t, err)
	return plaintext
}

var ctx = context.Background()
