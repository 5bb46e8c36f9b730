package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fentz26/agentplane/internal/models"
)

// Messaging task kinds.
const (
	TaskSendMessage     = "send_message"
	TaskHandleMessage   = "handle_message"
	TaskGetMessages     = "get_messages"
	TaskSetAutoResponse = "set_auto_response"
)

const defaultMessageLimit = 50

// Message is one chat message seen or sent by a messaging agent.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	From      string    `json:"from,omitempty"`
	Text      string    `json:"text"`
	Incoming  bool      `json:"incoming"`
	Timestamp time.Time `json:"timestamp"`
}

// MessagingAgent keeps per-chat message history and an optional auto reply.
type MessagingAgent struct {
	*Base

	dataMu       sync.Mutex
	chats        map[string][]Message
	autoResponse string
}

// NewMessagingAgent wraps base with messaging support.
func NewMessagingAgent(base *Base) *MessagingAgent {
	a := &MessagingAgent{Base: base, chats: make(map[string][]Message)}
	if v, ok := base.setting("auto_response"); ok {
		if s, ok := v.(string); ok {
			a.autoResponse = s
		}
	}
	return a
}

// ProcessTask dispatches messaging task kinds.
func (a *MessagingAgent) ProcessTask(ctx context.Context, req models.TaskRequest) models.TaskResult {
	a.Touch()

	switch req.Type {
	case TaskSendMessage:
		msg, err := a.SendMessage(ctx, stringField(req.Payload, "chat_id"), stringField(req.Payload, "message"))
		if err != nil {
			return a.failTask(req, err)
		}
		return models.TaskResult{Success: true, Data: map[string]any{"message_id": msg.ID}}

	case TaskHandleMessage:
		var msg Message
		if err := decodePayload(req.Payload, &msg); err != nil {
			return a.failTask(req, err)
		}
		reply, err := a.HandleMessage(ctx, msg)
		if err != nil {
			return a.failTask(req, err)
		}
		return models.TaskResult{Success: true, Data: map[string]any{"response": reply}}

	case TaskGetMessages:
		msgs := a.Messages(stringField(req.Payload, "chat_id"), intField(req.Payload, "limit", defaultMessageLimit))
		return models.TaskResult{Success: true, Data: map[string]any{"messages": msgs}}

	case TaskSetAutoResponse:
		a.SetAutoResponse(stringField(req.Payload, "message"))
		return models.TaskResult{Success: true}

	default:
		return a.unknownTask(req)
	}
}

// SendMessage records an outgoing message.
func (a *MessagingAgent) SendMessage(ctx context.Context, chatID, text string) (Message, error) {
	if chatID == "" || text == "" {
		return Message{}, fmt.Errorf("%w: chat_id and message are required", ErrInvalidPayload)
	}
	msg := Message{
		ID:        uuid.New().String(),
		ChatID:    chatID,
		From:      a.Name(),
		Text:      text,
		Timestamp: a.now().UTC(),
	}
	a.dataMu.Lock()
	a.chats[chatID] = append(a.chats[chatID], msg)
	a.dataMu.Unlock()
	return msg, nil
}

// HandleMessage stores an incoming message, publishes it and sends the
// auto response when one is configured.
func (a *MessagingAgent) HandleMessage(ctx context.Context, msg Message) (string, error) {
	if msg.ChatID == "" {
		return "", fmt.Errorf("%w: chat_id is required", ErrInvalidPayload)
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = a.now().UTC()
	}
	msg.Incoming = true

	a.dataMu.Lock()
	a.chats[msg.ChatID] = append(a.chats[msg.ChatID], msg)
	reply := a.autoResponse
	a.dataMu.Unlock()

	a.publish(ctx, models.EventMessageReceived, map[string]any{"chat_id": msg.ChatID, "from": msg.From, "text": msg.Text})

	if reply == "" {
		return "", nil
	}
	if _, err := a.SendMessage(ctx, msg.ChatID, reply); err != nil {
		return "", err
	}
	return reply, nil
}

// Messages returns up to limit most recent messages of a chat, oldest first.
func (a *MessagingAgent) Messages(chatID string, limit int) []Message {
	a.dataMu.Lock()
	defer a.dataMu.Unlock()
	msgs := a.chats[chatID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// SetAutoResponse sets the reply sent to every incoming message. Empty disables it.
func (a *MessagingAgent) SetAutoResponse(text string) {
	a.dataMu.Lock()
	a.autoResponse = text
	a.dataMu.Unlock()
}
