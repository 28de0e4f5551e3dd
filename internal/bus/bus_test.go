package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/symbiont-run/symbiont/internal/cryptoutil"
	"github.com/symbiont-run/symbiont/internal/domain"
	"github.com/symbiont-run/symbiont/internal/ids"
)

type testAgent struct {
	id      ids.AgentId
	signing *cryptoutil.SigningKeyPair
	enc     *cryptoutil.EncryptionKeyPair
}

func newTestAgent(t *testing.T) testAgent {
	t.Helper()
	signing, err := cryptoutil.GenerateSigningKeyPair()
	require.NoError(t, err)
	enc, err := cryptoutil.GenerateEncryptionKeyPair()
	require.NoError(t, err)
	return testAgent{id: ids.NewAgentId(), signing: signing, enc: enc}
}

func TestSendDirectMessageDeliversToRecipientInbox(t *testing.T) {
	b := New(Config{})
	alice := newTestAgent(t)
	bob := newTestAgent(t)

	b.RegisterAgent(alice.id, AgentKeys{SigningPublicKey: alice.signing.Public, EncryptionKeyPair: alice.enc})
	b.RegisterAgent(bob.id, AgentKeys{SigningPublicKey: bob.signing.Public, EncryptionKeyPair: bob.enc})

	msg, err := b.EncryptAndSign(alice.id, alice.signing, alice.enc, bob.enc.Public, &bob.id, nil, domain.MessageDirect, domain.AtLeastOnce, false, time.Minute, []byte("hello"))
	require.NoError(t, err)

	require.NoError(t, b.Send(msg))

	received, err := b.Receive(bob.id)
	require.NoError(t, err)
	require.NotNil(t, received)
	require.Equal(t, msg.ID, received.ID)

	plaintext, err := b.DecryptPayload(received, bob.enc, alice.enc.Public)
	require.NoError(t, err)
	require.Equal(t, "hello", string(plaintext))
}

func TestSendRejectsInvalidSignature(t *testing.T) {
	b := New(Config{})
	alice := newTestAgent(t)
	bob := newTestAgent(t)
	b.RegisterAgent(alice.id, AgentKeys{SigningPublicKey: alice.signing.Public, EncryptionKeyPair: alice.enc})
	b.RegisterAgent(bob.id, AgentKeys{SigningPublicKey: bob.signing.Public, EncryptionKeyPair: bob.enc})

	msg, err := b.EncryptAndSign(alice.id, alice.signing, alice.enc, bob.enc.Public, &bob.id, nil, domain.MessageDirect, domain.AtLeastOnce, false, time.Minute, []byte("hello"))
	require.NoError(t, err)

	msg.Signature[0] ^= 0xFF
	err = b.Send(msg)
	require.Error(t, err)
}

func TestReceiveOnEmptyInboxReturnsNilWithoutBlocking(t *testing.T) {
	b := New(Config{})
	bob := newTestAgent(t)
	b.RegisterAgent(bob.id, AgentKeys{SigningPublicKey: bob.signing.Public, EncryptionKeyPair: bob.enc})

	msg, err := b.Receive(bob.id)
	require.NoError(t, err)
	require.Nil(t, msg)
}

func TestInboxOverflowDropsOldestAndEmitsMessageDropped(t *testing.T) {
	var events []string
	b := New(Config{InboxCapacity: 2, AuditAppend: func(eventType, actor string, details map[string]string) {
		events = append(events, eventType)
	}})
	alice := newTestAgent(t)
	bob := newTestAgent(t)
	b.RegisterAgent(alice.id, AgentKeys{SigningPublicKey: alice.signing.Public, EncryptionKeyPair: alice.enc})
	b.RegisterAgent(bob.id, AgentKeys{SigningPublicKey: bob.signing.Public, EncryptionKeyPair: bob.enc})

	for i := 0; i < 3; i++ {
		msg, err := b.EncryptAndSign(alice.id, alice.signing, alice.enc, bob.enc.Public, &bob.id, nil, domain.MessageDirect, domain.AtLeastOnce, false, time.Minute, []byte("x"))
		require.NoError(t, err)
		require.NoError(t, b.Send(msg))
	}
	require.Contains(t, events, domain.EventMessageDropped)
}

func TestTopicSubscribeAndFanout(t *testing.T) {
	b := New(Config{})
	publisher := newTestAgent(t)
	sub1 := newTestAgent(t)
	sub2 := newTestAgent(t)
	b.RegisterAgent(publisher.id, AgentKeys{SigningPublicKey: publisher.signing.Public, EncryptionKeyPair: publisher.enc})
	b.RegisterAgent(sub1.id, AgentKeys{SigningPublicKey: sub1.signing.Public, EncryptionKeyPair: sub1.enc})
	b.RegisterAgent(sub2.id, AgentKeys{SigningPublicKey: sub2.signing.Public, EncryptionKeyPair: sub2.enc})

	_, err := b.Subscribe(sub1.id, "topic.alerts")
	require.NoError(t, err)
	_, err = b.Subscribe(sub2.id, "topic.alerts")
	require.NoError(t, err)

	topic := "topic.alerts"
	msg, err := b.EncryptAndSign(publisher.id, publisher.signing, publisher.enc, sub1.enc.Public, nil, &topic, domain.MessagePublish, domain.AtLeastOnce, false, time.Minute, []byte("alert"))
	require.NoError(t, err)
	require.NoError(t, b.Send(msg))

	m1, err := b.Receive(sub1.id)
	require.NoError(t, err)
	require.NotNil(t, m1)
	m2, err := b.Receive(sub2.id)
	require.NoError(t, err)
	require.NotNil(t, m2)
}

func TestExactlyOnceDedupSuppressesSecondDelivery(t *testing.T) {
	b := New(Config{DedupWindow: time.Minute})
	alice := newTestAgent(t)
	bob := newTestAgent(t)
	b.RegisterAgent(alice.id, AgentKeys{SigningPublicKey: alice.signing.Public, EncryptionKeyPair: alice.enc})
	b.RegisterAgent(bob.id, AgentKeys{SigningPublicKey: bob.signing.Public, EncryptionKeyPair: bob.enc})

	msg, err := b.EncryptAndSign(alice.id, alice.signing, alice.enc, bob.enc.Public, &bob.id, nil, domain.MessageDirect, domain.ExactlyOnce, true, time.Minute, []byte("once"))
	require.NoError(t, err)

	require.NoError(t, b.Send(msg))
	require.NoError(t, b.Send(msg)) // resend of same MessageId: must be suppressed, not redelivered

	first, err := b.Receive(bob.id)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := b.Receive(bob.id)
	require.NoError(t, err)
	require.Nil(t, second, "dedup window must prevent the resend from being enqueued twice")
}

func TestSendToUnregisteredRecipientGoesToDeadLetter(t *testing.T) {
	b := New(Config{})
	alice := newTestAgent(t)
	ghost := newTestAgent(t)
	b.RegisterAgent(alice.id, AgentKeys{SigningPublicKey: alice.signing.Public, EncryptionKeyPair: alice.enc})

	msg, err := b.EncryptAndSign(alice.id, alice.signing, alice.enc, ghost.enc.Public, &ghost.id, nil, domain.MessageDirect, domain.AtLeastOnce, false, time.Minute, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, b.Send(msg))

	require.Len(t, b.DeadLetters(), 1)
}
