package bus

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/symbiont-run/symbiont/internal/domain"
	"github.com/symbiont-run/symbiont/internal/ids"
	"github.com/symbiont-run/symbiont/pkg/logger"
)

// WSTransport adapts the Bus's Send/Receive contract to agents that run in
// a separate process group (Tier 2 out-of-process workers), using
// gorilla/websocket as the wire transport. Messages still carry the same
// Ed25519 signature and ChaCha20-Poly1305 ciphertext Send/Receive produce
// in-process; this transport only moves the already-sealed SecureMessage
// bytes across the socket.
type WSTransport struct {
	bus      *Bus
	upgrader websocket.Upgrader
	log      *logger.Logger

	mu    sync.Mutex
	conns map[ids.AgentId]*websocket.Conn
}

// NewWSTransport wraps bus with a websocket endpoint for out-of-process agents.
func NewWSTransport(bus *Bus, log *logger.Logger) *WSTransport {
	if log == nil {
		log = logger.NewDefault("bus-ws")
	}
	return &WSTransport{
		bus:      bus,
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		log:      log,
		conns:    make(map[ids.AgentId]*websocket.Conn),
	}
}

// wireEnvelope is the JSON-over-websocket framing for one SecureMessage,
// since the ciphertext/signature/nonce are already opaque bytes by the
// time they reach this layer.
type wireEnvelope struct {
	ID                string `json:"id"`
	Sender            string `json:"sender"`
	Recipient         string `json:"recipient,omitempty"`
	Topic             string `json:"topic,omitempty"`
	PayloadCiphertext []byte `json:"payload_ciphertext"`
	Nonce             []byte `json:"nonce"`
	Signature         []byte `json:"signature"`
	SenderPublicKey   []byte `json:"sender_public_key"`
	TimestampUnixNano int64  `json:"timestamp"`
	TTLNanos          int64  `json:"ttl"`
	Type              string `json:"type"`
	Guarantee         string `json:"guarantee"`
	Critical          bool   `json:"critical"`
}

// ServeHTTP upgrades the connection for agentID, registers it for
// PushToAgent, and relays inbound frames into the Bus via Send. Outbound
// deliveries are written to the socket by PushToAgent.
func (t *WSTransport) ServeHTTP(agentID ids.AgentId, w http.ResponseWriter, r *http.Request) error {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket for agent %s: %w", agentID, err)
	}
	t.mu.Lock()
	t.conns[agentID] = conn
	t.mu.Unlock()

	go t.readLoop(agentID, conn)
	return nil
}

func (t *WSTransport) readLoop(agentID ids.AgentId, conn *websocket.Conn) {
	defer func() {
		t.mu.Lock()
		delete(t.conns, agentID)
		t.mu.Unlock()
		_ = conn.Close()
	}()
	for {
		var env wireEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			t.log.WithField("agent_id", agentID.String()).Debugf("websocket read loop ended: %v", err)
			return
		}
		msg, err := envelopeToMessage(env)
		if err != nil {
			t.log.WithField("agent_id", agentID.String()).Warnf("drop malformed websocket frame: %v", err)
			continue
		}
		if err := t.bus.Send(msg); err != nil {
			t.log.WithField("agent_id", agentID.String()).Warnf("bus rejected relayed message: %v", err)
		}
	}
}

// PushToAgent delivers msg to agentID's remote websocket connection, used
// by a dispatch loop that drains the in-process inbox for out-of-process
// agents.
func (t *WSTransport) PushToAgent(agentID ids.AgentId, msg *domain.SecureMessage) error {
	t.mu.Lock()
	conn, ok := t.conns[agentID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("no websocket connection for agent %s", agentID)
	}
	return conn.WriteJSON(messageToEnvelope(msg))
}

func messageToEnvelope(m *domain.SecureMessage) wireEnvelope {
	env := wireEnvelope{
		ID:                m.ID.String(),
		Sender:            m.Sender.String(),
		PayloadCiphertext: m.PayloadCiphertext,
		Nonce:             append([]byte(nil), m.Nonce[:]...),
		Signature:         m.Signature,
		SenderPublicKey:   m.SenderPublicKey,
		TimestampUnixNano: m.Timestamp.UnixNano(),
		TTLNanos:          int64(m.TTL),
		Type:              string(m.Type),
		Guarantee:         string(m.Guarantee),
		Critical:          m.Critical,
	}
	if m.Recipient != nil {
		env.Recipient = m.Recipient.String()
	}
	if m.Topic != nil {
		env.Topic = *m.Topic
	}
	return env
}

func envelopeToMessage(env wireEnvelope) (*domain.SecureMessage, error) {
	msgID, err := parseMessageID(env.ID)
	if err != nil {
		return nil, err
	}
	senderID, err := ids.ParseAgentId(env.Sender)
	if err != nil {
		return nil, fmt.Errorf("parse sender: %w", err)
	}
	msg := &domain.SecureMessage{
		ID:                msgID,
		Sender:            senderID,
		PayloadCiphertext: env.PayloadCiphertext,
		Signature:         env.Signature,
		SenderPublicKey:   env.SenderPublicKey,
		TTL:               timeDurationFromNanos(env.TTLNanos),
		Type:              domain.MessageType(env.Type),
		Guarantee:         domain.DeliveryGuarantee(env.Guarantee),
		Critical:          env.Critical,
	}
	copy(msg.Nonce[:], env.Nonce)
	msg.Timestamp = timeFromUnixNano(env.TimestampUnixNano)
	if env.Recipient != "" {
		recipientID, err := ids.ParseAgentId(env.Recipient)
		if err != nil {
			return nil, fmt.Errorf("parse recipient: %w", err)
		}
		msg.Recipient = &recipientID
	}
	if env.Topic != "" {
		topic := env.Topic
		msg.Topic = &topic
	}
	return msg, nil
}

func parseMessageID(s string) (ids.MessageId, error) {
	var id ids.MessageId
	if err := (&id).UnmarshalText([]byte(s)); err != nil {
		return ids.MessageId{}, err
	}
	return id, nil
}

func timeDurationFromNanos(n int64) time.Duration { return time.Duration(n) }

func timeFromUnixNano(n int64) time.Time { return time.Unix(0, n).UTC() }
