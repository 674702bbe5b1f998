package usecase

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOpen_UnorderedPairIsIdempotent(t *testing.T) {
	e := newEnv(t, nil)
	u1 := e.login(t, "+1555")
	u2 := e.login(t, "+1666")

	c1 := e.open(t, u1, u2)
	c2 := e.open(t, u2, u1)
	c3 := e.open(t, u1, u2)
	require.Equal(t, c1, c2)
	require.Equal(t, c1, c3)

	convs, err := e.store.ListConversations(context.Background(), u1)
	require.NoError(t, err)
	require.Len(t, convs, 1)
}

func TestOpen_ConcurrentCallsCreateOneConversation(t *testing.T) {
	e := newEnv(t, nil)
	ids := make([]string, 16)
	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 1 {
				a, b = b, a
			}
			ids[i], errs[i] = e.convs.Open(context.Background(), a, b)
		}(i)
	}
	wg.Wait()
	for i, id := range ids {
		require.NoError(t, errs[i])
		require.Equal(t, ids[0], id)
	}
}

func TestOpen_InvalidParticipants(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.convs.Open(context.Background(), "", "b")
	requireCode(t, err, ErrorInvalidInput, "missing_participant")
	_, err = e.convs.Open(context.Background(), "a", " a ")
	requireCode(t, err, ErrorInvalidInput, "same_participant")
}

func TestOpenWithRecipient_LazilyRegistersRecipient(t *testing.T) {
	e := newEnv(t, nil)
	u1 := e.login(t, "+1555")

	id, err := e.convs.OpenWithRecipient(context.Background(), u1, "+1777")
	require.NoError(t, err)

	recipient := e.login(t, "+1777")
	require.Equal(t, id, e.open(t, recipient, u1))
}

func TestOpenWithRecipient_RequireRegistered(t *testing.T) {
	e := newEnv(t, nil, WithRegisteredRecipients(true))
	u1 := e.login(t, "+1555")

	_, err := e.convs.OpenWithRecipient(context.Background(), u1, "+1777")
	requireCode(t, err, ErrorNotFound, "recipient_not_registered")

	e.login(t, "+1777")
	_, err = e.convs.OpenWithRecipient(context.Background(), u1, "+1777")
	require.NoError(t, err)
}

func TestOpenWithRecipient_MissingFields(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.convs.OpenWithRecipient(context.Background(), "u1", "")
	requireCode(t, err, ErrorInvalidInput, "missing_fields")
}

func TestList_SummariesWithCounterpartAndPreview(t *testing.T) {
	e := newEnv(t, nil)
	u1 := e.login(t, "+1555")
	u2 := e.login(t, "+1666")
	c1 := e.open(t, u1, u2)
	c2 := e.open(t, u1, "ghost-user")

	e.send(t, c1, u1, "hi")
	e.send(t, c1, u2, "hello")

	out, err := e.convs.List(context.Background(), u1)
	require.NoError(t, err)
	require.Len(t, out, 2)

	require.Equal(t, c1, out[0].ConversationID)
	require.Equal(t, "+1666", *out[0].Counterpart)
	require.Equal(t, "hello", *out[0].LastMessage)

	require.Equal(t, c2, out[1].ConversationID)
	require.Nil(t, out[1].Counterpart)
	require.Nil(t, out[1].LastMessage)

	again, err := e.convs.List(context.Background(), u1)
	require.NoError(t, err)
	require.Equal(t, out, again)
}

func TestList_MissingUser(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.convs.List(context.Background(), " ")
	requireCode(t, err, ErrorInvalidInput, "missing_user_id")
}

func TestAppend_PreservesOrder(t *testing.T) {
	e := newEnv(t, nil)
	c := e.open(t, "alice", "bob")

	const n = 25
	for i := 0; i < n; i++ {
		sender := "alice"
		if i%3 == 0 {
			sender = "bob"
		}
		e.send(t, c, sender, fmt.Sprintf("m%d", i))
	}

	msgs, err := e.convs.Read(context.Background(), c)
	require.NoError(t, err)
	require.Len(t, msgs, n)
	for i, m := range msgs {
		require.Equal(t, fmt.Sprintf("m%d", i), m.Content)
		require.Equal(t, int64(i+1), m.Seq)
		if i > 0 {
			require.True(t, m.CreatedAt.After(msgs[i-1].CreatedAt))
		}
	}
}

func TestAppend_ClampsBackwardsClock(t *testing.T) {
	e := newEnv(t, nil)
	c := e.open(t, "alice", "bob")

	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	orig := now
	t.Cleanup(func() { now = orig })

	now = func() time.Time { return fixed }
	first := e.send(t, c, "alice", "one")
	now = func() time.Time { return fixed.Add(-time.Hour) }
	second := e.send(t, c, "bob", "two")

	require.True(t, second.CreatedAt.After(first.CreatedAt))
}

func TestAppend_ConcurrentSendersKeepUniqueSeq(t *testing.T) {
	e := newEnv(t, nil)
	c := e.open(t, "alice", "bob")

	errs := make([]error, 20)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender := "alice"
			if i%2 == 0 {
				sender = "bob"
			}
			_, errs[i] = e.convs.Append(context.Background(), AppendInput{ConversationID: c, SenderID: sender, Content: "x"})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	msgs, err := e.convs.Read(context.Background(), c)
	require.NoError(t, err)
	require.Len(t, msgs, 20)
	for i, m := range msgs {
		require.Equal(t, int64(i+1), m.Seq)
	}
}

func TestAppend_Errors(t *testing.T) {
	e := newEnv(t, nil)
	c := e.open(t, "alice", "bob")

	cases := []struct {
		name   string
		in     AppendInput
		code   ErrorCode
		reason string
	}{
		{"missing conversation", AppendInput{SenderID: "alice", Content: "x"}, ErrorInvalidInput, "missing_fields"},
		{"missing sender", AppendInput{ConversationID: c, Content: "x"}, ErrorInvalidInput, "missing_fields"},
		{"blank content", AppendInput{ConversationID: c, SenderID: "alice", Content: "  "}, ErrorInvalidInput, "missing_fields"},
		{"unknown conversation", AppendInput{ConversationID: "nope", SenderID: "alice", Content: "x"}, ErrorNotFound, "conversation_not_found"},
		{"outsider", AppendInput{ConversationID: c, SenderID: "mallory", Content: "x"}, ErrorInvalidInput, "sender_not_participant"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.convs.Append(context.Background(), tc.in)
			requireCode(t, err, tc.code, tc.reason)
		})
	}

	msgs, err := e.convs.Read(context.Background(), c)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestRead_UnknownConversationIsEmpty(t *testing.T) {
	e := newEnv(t, nil)
	for _, id := range []string{"", "missing"} {
		msgs, err := e.convs.Read(context.Background(), id)
		require.NoError(t, err)
		require.NotNil(t, msgs)
		require.Empty(t, msgs)
	}
}
