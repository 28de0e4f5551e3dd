package audit

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/symbiont-run/symbiont/internal/cryptoutil"
	"github.com/symbiont-run/symbiont/internal/domain"
)

func newTestChain(t *testing.T) (*Chain, *cryptoutil.SigningKeyPair) {
	t.Helper()
	dir := t.TempDir()
	backend, err := NewFileBackend(dir)
	require.NoError(t, err)

	key, err := cryptoutil.GenerateSigningKeyPair()
	require.NoError(t, err)

	chain, err := New(Config{Backend: backend, SigningKey: key})
	require.NoError(t, err)
	t.Cleanup(func() { _ = chain.Close() })
	return chain, key
}

func TestAppendThenVerifyRoundTrip(t *testing.T) {
	chain, _ := newTestChain(t)

	for i := 0; i < 5; i++ {
		_, err := chain.Append(domain.EventAgentCreated, "agent-1", map[string]string{"n": "x"})
		require.NoError(t, err)
	}

	require.NoError(t, chain.Verify(0, 4))
}

func TestSequenceNumbersAreMonotone(t *testing.T) {
	chain, _ := newTestChain(t)

	var ids []uint64
	for i := 0; i < 3; i++ {
		id, err := chain.Append(domain.EventAgentStarted, "agent-1", nil)
		require.NoError(t, err)
		require.False(t, id.IsZero())
	}
	events, err := chain.Query(Filter{Actor: "agent-1"})
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		ids = append(ids, ev.SequenceNumber)
		require.EqualValues(t, i, ev.SequenceNumber)
	}
}

func TestVerifyDetectsTamperedSelfHash(t *testing.T) {
	chain, _ := newTestChain(t)
	_, err := chain.Append(domain.EventAgentCreated, "agent-1", nil)
	require.NoError(t, err)
	_, err = chain.Append(domain.EventAgentStarted, "agent-1", nil)
	require.NoError(t, err)

	events, err := chain.Query(Filter{})
	require.NoError(t, err)
	require.Len(t, events, 2)

	events[0].SelfHash[0] ^= 0xFF
	require.NoError(t, chain.backend.Append(events[0]))

	err = chain.Verify(0, 1)
	require.Error(t, err)
	var mismatch *MismatchError
	require.ErrorAs(t, err, &mismatch)
}

func TestRotateSigningKeyPreservesVerifiability(t *testing.T) {
	chain, _ := newTestChain(t)

	_, err := chain.Append(domain.EventAgentCreated, "agent-1", nil)
	require.NoError(t, err)

	newKey, err := cryptoutil.GenerateSigningKeyPair()
	require.NoError(t, err)
	_, err = chain.RotateSigningKey(newKey)
	require.NoError(t, err)

	_, err = chain.Append(domain.EventAgentStarted, "agent-1", nil)
	require.NoError(t, err)

	require.NoError(t, chain.Verify(0, 2))
}

func TestSealBatchRecordsMerkleRoot(t *testing.T) {
	chain, _ := newTestChain(t)

	var batch []*domain.AuditEvent
	for i := 0; i < 4; i++ {
		_, err := chain.Append(domain.EventMessageSent, "agent-1", nil)
		require.NoError(t, err)
	}
	events, err := chain.Query(Filter{})
	require.NoError(t, err)
	batch = events

	id, err := chain.SealBatch(batch)
	require.NoError(t, err)
	require.False(t, id.IsZero())

	sealed, err := chain.Query(Filter{EventType: "AuditBatchSealed"})
	require.NoError(t, err)
	require.Len(t, sealed, 1)
	leaves := make([][32]byte, len(batch))
	for i, ev := range batch {
		leaves[i] = ev.SelfHash
	}
	root := cryptoutil.MerkleRoot(leaves)
	require.Equal(t, hex.EncodeToString(root[:]), sealed[0].Details["merkle_root"])

	require.NoError(t, chain.Verify(0, uint64(len(batch))))
}

func TestRecoverTailStateResumesAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	key, err := cryptoutil.GenerateSigningKeyPair()
	require.NoError(t, err)

	backend1, err := NewFileBackend(dir)
	require.NoError(t, err)
	chain1, err := New(Config{Backend: backend1, SigningKey: key})
	require.NoError(t, err)
	_, err = chain1.Append(domain.EventAgentCreated, "agent-1", nil)
	require.NoError(t, err)
	require.NoError(t, chain1.Close())

	backend2, err := NewFileBackend(dir)
	require.NoError(t, err)
	chain2, err := New(Config{Backend: backend2, SigningKey: key})
	require.NoError(t, err)
	defer chain2.Close()

	id, err := chain2.Append(domain.EventAgentStarted, "agent-1", nil)
	require.NoError(t, err)
	require.False(t, id.IsZero())

	events, err := chain2.Query(Filter{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.EqualValues(t, 1, events[1].SequenceNumber)

	require.NoError(t, chain2.Verify(0, 1))
}

func TestAlertTrackerFiresAfterThreshold(t *testing.T) {
	var notified []SecurityAlert
	sink := sinkFunc(func(a SecurityAlert) { notified = append(notified, a) })

	tracker := NewAlertTracker(AlertTrackerConfig{
		DenialThreshold: 3,
		DenialWindow:    0, // 0 falls back to default window in NewAlertTracker
		AlertCooldown:   0,
		Sink:            sink,
	})

	for i := 0; i < 2; i++ {
		tracker.TrackDenial("agent-1", "policy_denied", "tool.exec")
	}
	require.Empty(t, notified)

	tracker.TrackDenial("agent-1", "policy_denied", "tool.exec")
	require.Len(t, notified, 1)
	require.Equal(t, "excessive_denials", notified[0].AlertType)
}

type sinkFunc func(SecurityAlert)

func (f sinkFunc) Notify(a SecurityAlert) { f(a) }
