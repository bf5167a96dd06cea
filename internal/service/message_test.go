package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/OzzMkl/backend-serverless-chat/internal/gateway/gatewaytest"
	"github.com/OzzMkl/backend-serverless-chat/internal/models"
	"github.com/OzzMkl/backend-serverless-chat/internal/msglog"
	"github.com/OzzMkl/backend-serverless-chat/internal/protocol"
	"github.com/OzzMkl/backend-serverless-chat/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func messagesOf(t *testing.T, p gatewaytest.Push) protocol.MessagesValue {
	t.Helper()
	var env struct {
		Type  string                 `json:"type"`
		Value protocol.MessagesValue `json:"value"`
	}
	require.NoError(t, json.Unmarshal(p.Payload, &env))
	require.Equal(t, protocol.TypeMessages, env.Type)
	return env.Value
}

func messageOf(t *testing.T, p gatewaytest.Push) models.Message {
	t.Helper()
	var env struct {
		Type  string                `json:"type"`
		Value protocol.MessageValue `json:"value"`
	}
	require.NoError(t, json.Unmarshal(p.Payload, &env))
	require.Equal(t, protocol.TypeMessage, env.Type)
	return env.Value.Message
}

// tick makes every call to now one millisecond later than the previous one.
func tick(svc *MessageService) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time {
		at = at.Add(time.Millisecond)
		return at
	}
}

func TestSend_AliceToBob(t *testing.T) {
	f := newFixture()
	f.connect(t, "1", "alice")
	f.connect(t, "2", "bob")
	f.tr.Reset()
	ctx := context.Background()

	msg, err := f.messages.Send(ctx, "1", protocol.SendMessageBody{Message: "hi", RecipientNickname: "bob"})
	require.NoError(t, err)
	assert.Equal(t, "alice#bob", msg.ConversationKey)
	assert.Equal(t, "alice", msg.Sender)
	assert.Equal(t, "hi", msg.Body)
	assert.NotEmpty(t, msg.MessageID)

	bobPushes := f.tr.PushesTo("2")
	require.Len(t, bobPushes, 1)
	assert.Equal(t, msg.MessageID, messageOf(t, bobPushes[0]).MessageID)

	alicePushes := f.tr.PushesTo("1")
	require.Len(t, alicePushes, 1, "sender receives the stored message as confirmation")
	assert.Equal(t, msg.MessageID, messageOf(t, alicePushes[0]).MessageID)

	got, err := f.messages.History(ctx, "2", protocol.GetHistoryBody{TargetNickname: "alice", Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, msg.MessageID, got[0].MessageID)

	bobPushes = f.tr.PushesTo("2")
	require.Len(t, bobPushes, 2)
	pushed := messagesOf(t, bobPushes[1])
	require.Len(t, pushed.Messages, 1)
	assert.Empty(t, pushed.ContinuationToken)
}

func TestSend_OfflineRecipientStillPersists(t *testing.T) {
	f := newFixture()
	f.connect(t, "1", "alice")
	ctx := context.Background()

	msg, err := f.messages.Send(ctx, "1", protocol.SendMessageBody{Message: "are you there?", RecipientNickname: "carol"})
	require.NoError(t, err)

	page, err := f.log.Query(ctx, "alice#carol", 10, nil)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, msg.MessageID, page.Messages[0].MessageID)
	assert.Equal(t, []string{"message"}, f.tr.Types("1"))
}

func TestSend_GoneRecipientIsEvictedSilently(t *testing.T) {
	f := newFixture()
	f.connect(t, "1", "alice")
	f.connect(t, "2", "bob")
	f.tr.Kill("2")
	f.tr.Reset()
	ctx := context.Background()

	_, err := f.messages.Send(ctx, "1", protocol.SendMessageBody{Message: "hi", RecipientNickname: "bob"})
	require.NoError(t, err)

	_, err = f.reg.FindByNickname(ctx, "bob")
	assert.ErrorIs(t, err, registry.ErrNotFound)
	assert.Len(t, f.tr.PushesTo("2"), 1, "no second push to a connection proven gone")
}

func TestSend_RecipientDeliveryFailureIsSwallowed(t *testing.T) {
	f := newFixture()
	f.connect(t, "1", "alice")
	f.connect(t, "2", "bob")
	f.tr.Fail("2", errors.New("flaky"))
	ctx := context.Background()

	_, err := f.messages.Send(ctx, "1", protocol.SendMessageBody{Message: "hi", RecipientNickname: "bob"})
	require.NoError(t, err)

	page, err := f.log.Query(ctx, "alice#bob", 10, nil)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 1)
}

func TestSend_ToSelfPushesOnce(t *testing.T) {
	f := newFixture()
	f.connect(t, "1", "alice")
	f.tr.Reset()

	msg, err := f.messages.Send(context.Background(), "1", protocol.SendMessageBody{Message: "note", RecipientNickname: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "alice#alice", msg.ConversationKey)
	assert.Equal(t, []string{"message"}, f.tr.Types("1"))
}

func TestSend_UnregisteredSender(t *testing.T) {
	f := newFixture()
	f.tr.Connect("9")

	_, err := f.messages.Send(context.Background(), "9", protocol.SendMessageBody{Message: "hi", RecipientNickname: "bob"})
	assert.ErrorIs(t, err, ErrNotRegistered)
	assert.Equal(t, KindProtocol, Classify(err))
	assert.Empty(t, f.tr.Pushes())
}

func TestSend_Validation(t *testing.T) {
	f := newFixture()
	f.connect(t, "1", "alice")

	tests := []struct {
		name string
		body protocol.SendMessageBody
	}{
		{"missing recipient", protocol.SendMessageBody{Message: "hi"}},
		{"blank message", protocol.SendMessageBody{Message: "  ", RecipientNickname: "bob"}},
		{"oversized message", protocol.SendMessageBody{Message: string(make([]byte, maxBodyLen+1)), RecipientNickname: "bob"}},
		{"separator in recipient", protocol.SendMessageBody{Message: "hi", RecipientNickname: "bob#carol"}},
		{"oversized recipient", protocol.SendMessageBody{Message: "hi", RecipientNickname: strings.Repeat("b", maxNicknameLen+1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.messages.Send(context.Background(), "1", tt.body)
			assert.ErrorIs(t, err, ErrInvalidPayload)
			assert.Equal(t, KindValidation, Classify(err))
		})
	}

	page, err := f.log.Query(context.Background(), "alice#bob#carol", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
}

func TestHistory_SymmetricAndNewestFirst(t *testing.T) {
	f := newFixture()
	tick(f.messages)
	f.connect(t, "1", "alice")
	f.connect(t, "2", "bob")
	ctx := context.Background()

	var sent []string
	for i, from := range []string{"1", "2", "1", "2"} {
		to := "bob"
		if from == "2" {
			to = "alice"
		}
		msg, err := f.messages.Send(ctx, from, protocol.SendMessageBody{Message: string(rune('a' + i)), RecipientNickname: to})
		require.NoError(t, err)
		sent = append(sent, msg.MessageID)
	}

	fromAlice, err := f.messages.History(ctx, "1", protocol.GetHistoryBody{TargetNickname: "bob"})
	require.NoError(t, err)
	fromBob, err := f.messages.History(ctx, "2", protocol.GetHistoryBody{TargetNickname: "alice"})
	require.NoError(t, err)

	assert.Equal(t, fromAlice, fromBob)
	require.Len(t, fromAlice, 4)
	assert.Equal(t, []string{sent[3], sent[2], sent[1], sent[0]}, ids(fromAlice))
	for i := 1; i < len(fromAlice); i++ {
		assert.True(t, fromAlice[i-1].CreatedAt.After(fromAlice[i].CreatedAt))
	}
}

func TestHistory_ContinuationToken(t *testing.T) {
	f := newFixture()
	tick(f.messages)
	f.connect(t, "1", "alice")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.messages.Send(ctx, "1", protocol.SendMessageBody{Message: "m", RecipientNickname: "bob"})
		require.NoError(t, err)
	}
	f.tr.Reset()

	first, err := f.messages.History(ctx, "1", protocol.GetHistoryBody{TargetNickname: "bob", Limit: 2})
	require.NoError(t, err)
	require.Len(t, first, 2)
	pushes := f.tr.PushesTo("1")
	require.Len(t, pushes, 1)
	token := messagesOf(t, pushes[0]).ContinuationToken
	require.NotEmpty(t, token)

	second, err := f.messages.History(ctx, "1", protocol.GetHistoryBody{TargetNickname: "bob", Limit: 2, ContinuationToken: token})
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.True(t, first[1].CreatedAt.After(second[0].CreatedAt))
	assert.Empty(t, messagesOf(t, f.tr.PushesTo("1")[1]).ContinuationToken)
}

func TestHistory_EmptyIsNotAnError(t *testing.T) {
	f := newFixture()
	f.connect(t, "1", "alice")
	f.tr.Reset()

	got, err := f.messages.History(context.Background(), "1", protocol.GetHistoryBody{TargetNickname: "nobody"})
	require.NoError(t, err)
	assert.Empty(t, got)
	pushes := f.tr.PushesTo("1")
	require.Len(t, pushes, 1)
	assert.Empty(t, messagesOf(t, pushes[0]).Messages)
}

func TestHistory_Errors(t *testing.T) {
	f := newFixture()
	f.connect(t, "1", "alice")
	ctx := context.Background()

	_, err := f.messages.History(ctx, "1", protocol.GetHistoryBody{})
	assert.Equal(t, KindValidation, Classify(err))

	_, err = f.messages.History(ctx, "1", protocol.GetHistoryBody{TargetNickname: "bob", Limit: -1})
	assert.Equal(t, KindValidation, Classify(err))

	_, err = f.messages.History(ctx, "1", protocol.GetHistoryBody{TargetNickname: "bob#carol"})
	assert.ErrorIs(t, err, ErrInvalidPayload)
	assert.Equal(t, KindValidation, Classify(err))

	_, err = f.messages.History(ctx, "1", protocol.GetHistoryBody{TargetNickname: strings.Repeat("b", maxNicknameLen+1)})
	assert.ErrorIs(t, err, ErrInvalidPayload)
	assert.Equal(t, KindValidation, Classify(err))

	_, err = f.messages.History(ctx, "1", protocol.GetHistoryBody{TargetNickname: "bob", ContinuationToken: "forged"})
	assert.ErrorIs(t, err, msglog.ErrInvalidCursor)
	assert.Equal(t, KindValidation, Classify(err))

	_, err = f.messages.History(ctx, "7", protocol.GetHistoryBody{TargetNickname: "bob"})
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func ids(msgs []models.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.MessageID)
	}
	return out
}
