package deviceauth

import (
	"context"
	"sync"
	"testing"

	"github.com/haasonsaas/tether/pkg/apperr"
	"github.com/haasonsaas/tether/pkg/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestAuthenticator(t *testing.T) (*Authenticator, *store.Store) {
	t.Helper()
	st, err := store.OpenInMemory(t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st, 0, zerolog.Nop()), st
}

func issueToken(t *testing.T, st *store.Store, agentID string) *store.AgentToken {
	t.Helper()
	tok := &store.AgentToken{AgentID: agentID, AgentName: agentID, IsActive: true}
	require.NoError(t, st.CreateToken(context.Background(), tok))
	return tok
}

func TestAuthenticateRejectsUnknownAndInactiveTokensAlike(t *testing.T) {
	a, st := newTestAuthenticator(t)
	ctx := context.Background()

	_, err := a.Authenticate(ctx, Credentials{Token: "agt_nope", Fingerprint: "fp"})
	require.True(t, apperr.Is(err, apperr.KindAuthentication))
	require.Equal(t, msgInvalidToken, apperr.PublicMessage(err))

	tok := issueToken(t, st, "a1")
	require.NoError(t, st.SetTokenActive(ctx, tok.ID, false))
	_, err = a.Authenticate(ctx, Credentials{Token: tok.Token, Fingerprint: "fp"})
	require.Equal(t, msgInvalidToken, apperr.PublicMessage(err))
}

func TestAuthenticateRequiresFingerprint(t *testing.T) {
	a, st := newTestAuthenticator(t)
	tok := issueToken(t, st, "a1")

	_, err := a.Authenticate(context.Background(), Credentials{Token: tok.Token, Fingerprint: "  "})
	require.True(t, apperr.Is(err, apperr.KindAuthentication))
	require.Equal(t, msgFingerprintRequired, apperr.PublicMessage(err))

	reloaded, err := st.TokenByID(context.Background(), tok.ID)
	require.NoError(t, err)
	require.False(t, reloaded.Bound())
}

func TestAuthenticateBindsOnFirstUse(t *testing.T) {
	a, st := newTestAuthenticator(t)
	ctx := context.Background()
	tok := issueToken(t, st, "a1")

	got, err := a.Authenticate(ctx, Credentials{Token: tok.Token, Fingerprint: "fp-1", Hostname: "host-1"})
	require.NoError(t, err)
	require.Equal(t, "fp-1", got.Fingerprint())
	require.Equal(t, "host-1", got.BoundHostname)
	require.NotNil(t, got.BoundAt)
	require.NotNil(t, got.LastUsed)

	again, err := a.Authenticate(ctx, Credentials{Token: tok.Token, Fingerprint: "fp-1"})
	require.NoError(t, err)
	require.Equal(t, got.ID, again.ID)
	require.Equal(t, 0, again.FingerprintMismatchCount)
}

func TestAuthenticateMismatchNeverRebinds(t *testing.T) {
	a, st := newTestAuthenticator(t)
	ctx := context.Background()
	tok := issueToken(t, st, "a1")

	_, err := a.Authenticate(ctx, Credentials{Token: tok.Token, Fingerprint: "fp-1"})
	require.NoError(t, err)

	_, err = a.Authenticate(ctx, Credentials{Token: tok.Token, Fingerprint: "fp-2"})
	require.True(t, apperr.Is(err, apperr.KindAuthentication))
	require.Equal(t, msgFingerprintMismatch, apperr.PublicMessage(err))

	reloaded, err := st.TokenByID(ctx, tok.ID)
	require.NoError(t, err)
	require.Equal(t, "fp-1", reloaded.Fingerprint())
	require.Equal(t, 1, reloaded.FingerprintMismatchCount)
	require.NotNil(t, reloaded.LastFingerprintMismatch)
	require.True(t, reloaded.IsActive)
}

func TestAuthenticateDeactivatesAfterThreshold(t *testing.T) {
	a, st := newTestAuthenticator(t)
	ctx := context.Background()
	tok := issueToken(t, st, "a1")

	_, err := a.Authenticate(ctx, Credentials{Token: tok.Token, Fingerprint: "fp-1"})
	require.NoError(t, err)

	for i := 1; i <= DefaultMismatchThreshold; i++ {
		_, err = a.Authenticate(ctx, Credentials{Token: tok.Token, Fingerprint: "spoofed"})
		require.Equal(t, msgFingerprintMismatch, apperr.PublicMessage(err))
		reloaded, err := st.TokenByID(ctx, tok.ID)
		require.NoError(t, err)
		require.Equal(t, i, reloaded.FingerprintMismatchCount)
		require.Equal(t, i < DefaultMismatchThreshold, reloaded.IsActive)
	}

	// the legitimate device is locked out too once the token is disabled
	_, err = a.Authenticate(ctx, Credentials{Token: tok.Token, Fingerprint: "fp-1"})
	require.Equal(t, msgInvalidToken, apperr.PublicMessage(err))
}

func TestAuthenticateAgentIDMismatchWritesNothing(t *testing.T) {
	a, st := newTestAuthenticator(t)
	ctx := context.Background()
	tok := issueToken(t, st, "a1")

	_, err := a.Authenticate(ctx, Credentials{Token: tok.Token, Fingerprint: "fp-1", AgentID: "a2"})
	require.True(t, apperr.Is(err, apperr.KindValidation))

	reloaded, err := st.TokenByID(ctx, tok.ID)
	require.NoError(t, err)
	require.False(t, reloaded.Bound())
	require.Nil(t, reloaded.LastUsed)
}

func TestVerifyDoesNotBind(t *testing.T) {
	a, st := newTestAuthenticator(t)
	ctx := context.Background()
	tok := issueToken(t, st, "a1")
	creds := Credentials{Token: tok.Token, Fingerprint: "fp-1", Hostname: "host-1", AgentID: "a1"}

	verified, err := a.Verify(ctx, creds)
	require.NoError(t, err)
	require.Equal(t, tok.ID, verified.ID)

	reloaded, err := st.TokenByID(ctx, tok.ID)
	require.NoError(t, err)
	require.False(t, reloaded.Bound())
	require.Nil(t, reloaded.LastUsed)

	confirmed, err := a.Confirm(ctx, verified, creds)
	require.NoError(t, err)
	require.Equal(t, "fp-1", confirmed.Fingerprint())

	_, err = a.Confirm(ctx, confirmed, Credentials{Token: tok.Token, Fingerprint: "fp-2"})
	require.Equal(t, msgFingerprintMismatch, apperr.PublicMessage(err))
}

func TestAuthenticateConcurrentFirstUseBindsOnce(t *testing.T) {
	a, st := newTestAuthenticator(t)
	ctx := context.Background()
	tok := issueToken(t, st, "a1")

	fingerprints := []string{"fp-a", "fp-b", "fp-c", "fp-d"}
	var wg sync.WaitGroup
	results := make(chan error, len(fingerprints))
	for _, fp := range fingerprints {
		wg.Add(1)
		go func(fp string) {
			defer wg.Done()
			_, err := a.Authenticate(ctx, Credentials{Token: tok.Token, Fingerprint: fp})
			results <- err
		}(fp)
	}
	wg.Wait()
	close(results)

	ok := 0
	for err := range results {
		if err == nil {
			ok++
		}
	}
	require.Equal(t, 1, ok)

	reloaded, err := st.TokenByID(ctx, tok.ID)
	require.NoError(t, err)
	require.Contains(t, fingerprints, reloaded.Fingerprint())
	require.Equal(t, len(fingerprints)-1, reloaded.FingerprintMismatchCount)
}
