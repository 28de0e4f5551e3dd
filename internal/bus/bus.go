// Package bus implements the Communication Bus (spec §4.6): direct and
// topic routing, ChaCha20-Poly1305 encryption with HKDF-ratcheted
// per-conversation keys, Ed25519 signing over the CBOR canonical form,
// delivery guarantees, and a dead-letter queue.
//
// Grounded on system/core/bus.go's fan-out/timeout/concurrency-limited
// dispatch and system/sandbox/ipc.go's capability-checked, audited
// inter-service calls.
package bus

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/symbiont-run/symbiont/internal/apperr"
	"github.com/symbiont-run/symbiont/internal/cryptoutil"
	"github.com/symbiont-run/symbiont/internal/domain"
	"github.com/symbiont-run/symbiont/internal/ids"
	"github.com/symbiont-run/symbiont/internal/policy"
	"github.com/symbiont-run/symbiont/internal/wire"
	"github.com/symbiont-run/symbiont/pkg/logger"
)

// inbox is one agent's bounded mailbox (spec §4.6: "suspended agents buffer
// up to inbox_capacity, overflow drops oldest and emits MessageDropped").
type inbox struct {
	mu       sync.Mutex
	messages *list.List
	capacity int
}

func newInbox(capacity int) *inbox {
	return &inbox{messages: list.New(), capacity: capacity}
}

// push returns the dropped message (if any) after appending msg, evicting
// the oldest entry when over capacity.
func (b *inbox) push(msg *domain.SecureMessage) *domain.SecureMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages.PushBack(msg)
	if b.messages.Len() > b.capacity {
		front := b.messages.Front()
		b.messages.Remove(front)
		return front.Value.(*domain.SecureMessage)
	}
	return nil
}

func (b *inbox) pop() *domain.SecureMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	front := b.messages.Front()
	if front == nil {
		return nil
	}
	b.messages.Remove(front)
	return front.Value.(*domain.SecureMessage)
}

// ratchet tracks a ChaCha20-Poly1305 key for one conversation (sender,
// recipient) pair, reseeded every N messages or T seconds (spec §4.6).
type ratchet struct {
	sharedSecret []byte
	generation   uint64
	messageCount int
	lastRatchet  time.Time
}

// Config configures a Bus.
type Config struct {
	InboxCapacity      int
	KeyRatchetMessages int
	KeyRatchetInterval time.Duration
	DedupWindow        time.Duration
	Logger             *logger.Logger
	// AuditAppend records MessageSent/MessageDelivered/MessageDropped/
	// InvalidSignature events; nil disables audit emission (tests).
	AuditAppend func(eventType, actor string, details map[string]string)
	// Policy gates Send on the pre_message_send hook; nil skips the check
	// (tests that never register policies).
	Policy *policy.Engine
}

// AgentKeys are the signing/encryption identity the Bus needs to verify and
// decrypt traffic for one agent.
type AgentKeys struct {
	SigningPublicKey    []byte
	EncryptionKeyPair   *cryptoutil.EncryptionKeyPair
}

// Bus is the Communication Bus.
type Bus struct {
	cfg Config
	log *logger.Logger

	mu            sync.RWMutex
	directRoutes  map[ids.AgentId]*inbox
	subscriptions map[string]map[ids.AgentId]struct{}
	keys          map[ids.AgentId]AgentKeys
	ratchets      map[string]*ratchet // keyed "sender|recipient"
	sendLimiters  map[ids.AgentId]*rate.Limiter

	deadLetterMu sync.Mutex
	deadLetter   []*domain.SecureMessage

	dedupMu sync.Mutex
	dedup   map[ids.MessageId]time.Time
}

// New creates a Bus.
func New(cfg Config) *Bus {
	if cfg.InboxCapacity <= 0 {
		cfg.InboxCapacity = 1024
	}
	if cfg.KeyRatchetMessages <= 0 {
		cfg.KeyRatchetMessages = 1000
	}
	if cfg.KeyRatchetInterval <= 0 {
		cfg.KeyRatchetInterval = time.Hour
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 10 * time.Minute
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("bus")
	}
	return &Bus{
		cfg:           cfg,
		log:           log,
		directRoutes:  make(map[ids.AgentId]*inbox),
		subscriptions: make(map[string]map[ids.AgentId]struct{}),
		keys:          make(map[ids.AgentId]AgentKeys),
		ratchets:      make(map[string]*ratchet),
		sendLimiters:  make(map[ids.AgentId]*rate.Limiter),
		dedup:         make(map[ids.MessageId]time.Time),
	}
}

func (b *Bus) audit(eventType, actor string, details map[string]string) {
	if b.cfg.AuditAppend != nil {
		b.cfg.AuditAppend(eventType, actor, details)
	}
}

// RegisterAgent installs agentID's inbox and keys, making it reachable via
// direct routing and eligible to subscribe to topics.
func (b *Bus) RegisterAgent(agentID ids.AgentId, keys AgentKeys) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.directRoutes[agentID] = newInbox(b.cfg.InboxCapacity)
	b.keys[agentID] = keys
	b.sendLimiters[agentID] = rate.NewLimiter(rate.Limit(100), 100)
}

// UnregisterAgent removes agentID's inbox, keys and subscriptions.
func (b *Bus) UnregisterAgent(agentID ids.AgentId) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.directRoutes, agentID)
	delete(b.keys, agentID)
	delete(b.sendLimiters, agentID)
	for topic, subs := range b.subscriptions {
		delete(subs, agentID)
		if len(subs) == 0 {
			delete(b.subscriptions, topic)
		}
	}
}

func conversationKey(sender, recipient ids.AgentId) string {
	return sender.String() + "|" + recipient.String()
}

func (b *Bus) ratchetFor(sender, recipient ids.AgentId, sharedSecret []byte) ([]byte, error) {
	key := conversationKey(sender, recipient)
	b.mu.Lock()
	r, ok := b.ratchets[key]
	if !ok {
		r = &ratchet{sharedSecret: sharedSecret, lastRatchet: time.Now()}
		b.ratchets[key] = r
	}
	if r.messageCount >= b.cfg.KeyRatchetMessages || time.Since(r.lastRatchet) >= b.cfg.KeyRatchetInterval {
		r.generation++
		r.messageCount = 0
		r.lastRatchet = time.Now()
	}
	r.messageCount++
	generation := r.generation
	b.mu.Unlock()

	return cryptoutil.DeriveConversationKey(sharedSecret, key, generation)
}

// EncryptAndSign builds a signed, encrypted SecureMessage from plaintext,
// addressed either to recipient (direct) or topic (pub/sub). senderSigning
// carries the sender's signing private key material in the caller's
// cryptoutil.SigningKeyPair; the Bus itself never holds private keys.
func (b *Bus) EncryptAndSign(sender ids.AgentId, senderSigning *cryptoutil.SigningKeyPair, senderEnc *cryptoutil.EncryptionKeyPair, recipientEncPub [32]byte, recipient *ids.AgentId, topic *string, msgType domain.MessageType, guarantee domain.DeliveryGuarantee, critical bool, ttl time.Duration, plaintext []byte) (*domain.SecureMessage, error) {
	var convPartner ids.AgentId
	if recipient != nil {
		convPartner = *recipient
	} else {
		convPartner = sender
	}
	sharedSecret, err := senderEnc.SharedSecret(recipientEncPub)
	if err != nil {
		return nil, apperr.CommError("EncryptAndSign", "derive shared secret", err)
	}
	key, err := b.ratchetFor(sender, convPartner, sharedSecret)
	if err != nil {
		return nil, apperr.CommError("EncryptAndSign", "ratchet conversation key", err)
	}
	nonce, ciphertext, err := cryptoutil.Encrypt(key, plaintext, nil)
	if err != nil {
		return nil, apperr.CommError("EncryptAndSign", "encrypt payload", err)
	}

	msg := &domain.SecureMessage{
		ID:                ids.NewMessageId(),
		Sender:            sender,
		Recipient:         recipient,
		Topic:             topic,
		PayloadCiphertext: ciphertext,
		Nonce:             nonce,
		SenderPublicKey:   append([]byte(nil), senderSigning.Public...),
		Timestamp:         time.Now().UTC(),
		TTL:               ttl,
		Type:              msgType,
		Guarantee:         guarantee,
		Critical:          critical,
	}
	if err := msg.Validate(); err != nil {
		return nil, apperr.CommError("EncryptAndSign", "validate message shape", err)
	}
	canonical, err := wire.CanonicalMessageBytes(msg)
	if err != nil {
		return nil, apperr.CommError("EncryptAndSign", "canonicalize message", err)
	}
	msg.Signature = senderSigning.Sign(canonical)
	return msg, nil
}

// subjectFor builds the composite subject a pre_message_send policy rule
// matches against: sender and target joined the same way ratchetFor keys a
// conversation, letting a SubjectPattern constrain either side (e.g.
// "*|confidential/*" denies any sender targeting that topic).
func subjectFor(sender ids.AgentId, msg *domain.SecureMessage) string {
	target := ""
	switch {
	case msg.Recipient != nil:
		target = msg.Recipient.String()
	case msg.Topic != nil:
		target = *msg.Topic
	default:
		target = string(msg.Type)
	}
	return sender.String() + "|" + target
}

// Send verifies msg's signature, runs the pre_message_send policy hook
// (spec §4.6), and enqueues to the recipient's inbox (direct) or every
// current subscriber (topic).
func (b *Bus) Send(msg *domain.SecureMessage) error {
	if err := msg.Validate(); err != nil {
		return apperr.CommError("Send", "invalid message shape", err)
	}
	if msg.Expired(time.Now()) {
		return apperr.CommError("Send", "message already expired", nil)
	}

	b.mu.RLock()
	senderKeys, known := b.keys[msg.Sender]
	limiter := b.sendLimiters[msg.Sender]
	b.mu.RUnlock()
	if !known {
		return apperr.CommError("Send", "unknown sender", nil)
	}
	if limiter != nil && !limiter.Allow() {
		return apperr.CommError("Send", "sender rate limit exceeded", nil)
	}

	canonical, err := wire.CanonicalMessageBytes(msg)
	if err != nil {
		return apperr.CommError("Send", "canonicalize message", err)
	}
	if !cryptoutil.Verify(senderKeys.SigningPublicKey, canonical, msg.Signature) {
		b.audit(domain.EventInvalidSignature, msg.Sender.String(), map[string]string{"message_id": msg.ID.String()})
		return apperr.CommError("Send", "invalid signature", nil)
	}

	if b.cfg.Policy != nil {
		decision := b.cfg.Policy.Evaluate(subjectFor(msg.Sender, msg), policy.EvalContext{
			ActorType:  "agent",
			ActionType: "send_message",
			Hook:       domain.HookPreMessageSend,
			Fields: map[string]any{
				"message_type": string(msg.Type),
				"critical":     msg.Critical,
			},
		})
		if !decision.Allowed() {
			b.audit(domain.EventPolicyViolation, msg.Sender.String(), map[string]string{
				"hook":       string(domain.HookPreMessageSend),
				"reason":     decision.Reason,
				"message_id": msg.ID.String(),
			})
			return apperr.PolicyRejected("Send", decision.Reason)
		}
	}

	if msg.Guarantee == domain.ExactlyOnce || msg.Critical {
		if b.isDuplicate(msg.ID) {
			return nil // already delivered within the dedup window; silently accepted
		}
	}

	switch {
	case msg.Recipient != nil:
		b.deliverDirect(msg)
	case msg.Topic != nil:
		b.deliverTopic(msg)
	case msg.Type == domain.MessageBroadcast:
		b.deliverBroadcast(msg)
	}

	b.audit(domain.EventMessageSent, msg.Sender.String(), map[string]string{"message_id": msg.ID.String(), "type": string(msg.Type)})
	return nil
}

func (b *Bus) isDuplicate(id ids.MessageId) bool {
	b.dedupMu.Lock()
	defer b.dedupMu.Unlock()
	now := time.Now()
	for k, seenAt := range b.dedup {
		if now.Sub(seenAt) > b.cfg.DedupWindow {
			delete(b.dedup, k)
		}
	}
	if _, ok := b.dedup[id]; ok {
		return true
	}
	b.dedup[id] = now
	return false
}

func (b *Bus) deliverDirect(msg *domain.SecureMessage) {
	b.mu.RLock()
	box, ok := b.directRoutes[*msg.Recipient]
	b.mu.RUnlock()
	if !ok {
		b.toDeadLetter(msg)
		return
	}
	if dropped := box.push(msg); dropped != nil {
		b.audit(domain.EventMessageDropped, dropped.Sender.String(), map[string]string{"message_id": dropped.ID.String(), "reason": "inbox_overflow"})
	}
	b.audit(domain.EventMessageDelivered, msg.Sender.String(), map[string]string{"message_id": msg.ID.String(), "recipient": msg.Recipient.String()})
}

func (b *Bus) deliverTopic(msg *domain.SecureMessage) {
	b.mu.RLock()
	subs := b.subscriptions[*msg.Topic]
	recipients := make([]ids.AgentId, 0, len(subs))
	for id := range subs {
		recipients = append(recipients, id)
	}
	b.mu.RUnlock()

	if len(recipients) == 0 {
		b.toDeadLetter(msg)
		return
	}
	for _, id := range recipients {
		b.mu.RLock()
		box := b.directRoutes[id]
		b.mu.RUnlock()
		if box == nil {
			continue
		}
		if dropped := box.push(msg); dropped != nil {
			b.audit(domain.EventMessageDropped, dropped.Sender.String(), map[string]string{"message_id": dropped.ID.String(), "reason": "inbox_overflow"})
		}
	}
	b.audit(domain.EventMessageDelivered, msg.Sender.String(), map[string]string{"message_id": msg.ID.String(), "topic": *msg.Topic, "fanout": fmt.Sprintf("%d", len(recipients))})
}

func (b *Bus) deliverBroadcast(msg *domain.SecureMessage) {
	b.mu.RLock()
	recipients := make([]ids.AgentId, 0, len(b.directRoutes))
	for id := range b.directRoutes {
		if id != msg.Sender {
			recipients = append(recipients, id)
		}
	}
	b.mu.RUnlock()
	for _, id := range recipients {
		b.mu.RLock()
		box := b.directRoutes[id]
		b.mu.RUnlock()
		box.push(msg)
	}
}

func (b *Bus) toDeadLetter(msg *domain.SecureMessage) {
	b.deadLetterMu.Lock()
	b.deadLetter = append(b.deadLetter, msg)
	b.deadLetterMu.Unlock()
	b.audit(domain.EventMessageDropped, msg.Sender.String(), map[string]string{"message_id": msg.ID.String(), "reason": "undeliverable"})
}

// DeadLetters returns a snapshot of currently undeliverable messages.
func (b *Bus) DeadLetters() []*domain.SecureMessage {
	b.deadLetterMu.Lock()
	defer b.deadLetterMu.Unlock()
	return append([]*domain.SecureMessage(nil), b.deadLetter...)
}

// Subscribe registers agentID for topicPattern, returning a SubscriptionId
// of the form "topic|agentID" (the Bus treats patterns as exact topic names;
// glob expansion is a Policy Engine/DSL concern, not the bus's).
func (b *Bus) Subscribe(agentID ids.AgentId, topicPattern string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.directRoutes[agentID]; !ok {
		return "", apperr.CommError("Subscribe", "agent not registered", nil)
	}
	subs, ok := b.subscriptions[topicPattern]
	if !ok {
		subs = make(map[ids.AgentId]struct{})
		b.subscriptions[topicPattern] = subs
	}
	subs[agentID] = struct{}{}
	return topicPattern + "|" + agentID.String(), nil
}

// Unsubscribe removes subscriptionID (as returned by Subscribe).
func (b *Bus) Unsubscribe(subscriptionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, subs := range b.subscriptions {
		for id := range subs {
			if topic+"|"+id.String() == subscriptionID {
				delete(subs, id)
				if len(subs) == 0 {
					delete(b.subscriptions, topic)
				}
				return nil
			}
		}
	}
	return apperr.CommError("Unsubscribe", "unknown subscription id", nil)
}

// Receive is non-blocking: it pops the oldest buffered message for agentID,
// or returns nil if the inbox is empty (spec §4.6).
func (b *Bus) Receive(agentID ids.AgentId) (*domain.SecureMessage, error) {
	b.mu.RLock()
	box, ok := b.directRoutes[agentID]
	b.mu.RUnlock()
	if !ok {
		return nil, apperr.CommError("Receive", "agent not registered", nil)
	}
	return box.pop(), nil
}

// DecryptPayload decrypts msg's ciphertext using the shared secret between
// msg.Sender and recipient, resolving the ratchet generation this package
// tracks for that conversation pair. generation must match the generation
// active when the message was sent; callers that buffer messages across a
// ratchet boundary should decrypt promptly.
func (b *Bus) DecryptPayload(msg *domain.SecureMessage, recipientEnc *cryptoutil.EncryptionKeyPair, senderEncPub [32]byte) ([]byte, error) {
	sharedSecret, err := recipientEnc.SharedSecret(senderEncPub)
	if err != nil {
		return nil, apperr.CommError("DecryptPayload", "derive shared secret", err)
	}
	key := conversationKey(msg.Sender, *msg.Recipient)
	b.mu.RLock()
	r, ok := b.ratchets[key]
	b.mu.RUnlock()
	var generation uint64
	if ok {
		generation = r.generation
	}
	convKey, err := cryptoutil.DeriveConversationKey(sharedSecret, key, generation)
	if err != nil {
		return nil, apperr.CommError("DecryptPayload", "derive conversation key", err)
	}
	plaintext, err := cryptoutil.Decrypt(convKey, msg.Nonce, msg.PayloadCiphertext, nil)
	if err != nil {
		return nil, apperr.CommError("DecryptPayload", "decrypt payload", err)
	}
	return plaintext, nil
}
