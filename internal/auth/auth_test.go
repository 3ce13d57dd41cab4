package auth_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/quizlive/internal/auth"
	"github.com/victornm/quizlive/internal/store"
)

func TestStored_Token(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	ts := auth.Stored{Store: s}

	tok, err := ts.Token(ctx)
	require.NoError(t, err)
	assert.Empty(t, tok, "missing credential should yield an empty token")

	require.NoError(t, auth.Save(ctx, s, "", " t0k\n"))
	tok, err = ts.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t0k", tok)
	assert.Equal(t, "Bearer t0k", auth.Bearer(tok))
}
