package routes

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"rentals-server/models"
	"rentals-server/services"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationNeedsBookableListing(t *testing.T) {
	s := newTestServer(t)
	host, _ := s.user("host@example.com", models.RoleHost)
	_, guestToken := s.user("guest@example.com", models.RoleUser)

	pending := s.property(host.ID)
	require.NoError(t, s.db.Model(&models.Property{}).Where("id = ?", pending.ID).Update("status", models.PropertyStatusPending).Error)
	inactive := s.property(host.ID)
	require.NoError(t, s.db.Model(&models.Property{}).Where("id = ?", inactive.ID).Update("is_active", false).Error)

	for _, id := range []uint{pending.ID, inactive.ID, 999} {
		rec := s.do(http.MethodPost, "/api/conversations", guestToken, CreateConversationInput{PropertyID: id, Text: "Still available?"})
		assertStatus(t, http.StatusNotFound, rec)
	}

	var count int64
	require.NoError(t, s.db.Model(&models.Conversation{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestConversationFlow(t *testing.T) {
	s := newTestServer(t)
	host, hostToken := s.user("host@example.com", models.RoleHost)
	_, guestToken := s.user("guest@example.com", models.RoleUser)
	_, strangerToken := s.user("stranger@example.com", models.RoleUser)
	p := s.property(host.ID)

	rec := s.do(http.MethodPost, "/api/conversations", hostToken, CreateConversationInput{PropertyID: p.ID, Text: "hello me"})
	assertStatus(t, http.StatusBadRequest, rec)

	rec = s.do(http.MethodPost, "/api/conversations", guestToken, CreateConversationInput{PropertyID: p.ID, Text: "Is parking included?"})
	assertStatus(t, http.StatusCreated, rec)
	convID := uint(body(rec).Get("conversation.ID").Uint())
	assert.Equal(t, uint64(host.ID), body(rec).Get("message.receiverID").Uint())

	// Opening again reuses the thread.
	rec = s.do(http.MethodPost, "/api/conversations", guestToken, CreateConversationInput{PropertyID: p.ID, Text: "Also, pets?"})
	assertStatus(t, http.StatusCreated, rec)
	assert.Equal(t, uint64(convID), body(rec).Get("conversation.ID").Uint())

	rec = s.do(http.MethodPost, "/api/messages", hostToken, CreateMessageInput{ConversationID: convID, Text: "Yes to both."})
	assertStatus(t, http.StatusCreated, rec)
	replyID := uint(body(rec).Get("ID").Uint())

	rec = s.do(http.MethodPost, "/api/messages", strangerToken, CreateMessageInput{ConversationID: convID, Text: "hi"})
	assertStatus(t, http.StatusForbidden, rec)

	rec = s.do(http.MethodPost, "/api/messages", guestToken, CreateMessageInput{ConversationID: convID, Text: strings.Repeat("x", 5001)})
	assertStatus(t, http.StatusUnprocessableEntity, rec)

	rec = s.do(http.MethodGet, "/api/conversations", guestToken, nil)
	assertStatus(t, http.StatusOK, rec)
	require.Len(t, body(rec).Get("data").Array(), 1)
	assert.Equal(t, uint64(host.ID), body(rec).Get("data.0.participant.ID").Uint())
	assert.Equal(t, "Yes to both.", body(rec).Get("data.0.lastMessage.text").String())

	rec = s.do(http.MethodGet, fmt.Sprintf("/api/conversations/%d", convID), strangerToken, nil)
	assertStatus(t, http.StatusForbidden, rec)

	rec = s.do(http.MethodGet, fmt.Sprintf("/api/messages?conversationID=%d&limit=2", convID), guestToken, nil)
	assertStatus(t, http.StatusOK, rec)
	msgs := body(rec).Get("messages").Array()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Also, pets?", msgs[0].Get("text").String())
	assert.Equal(t, "Yes to both.", msgs[1].Get("text").String())
	cursor := body(rec).Get("nextCursor").Int()
	require.NotZero(t, cursor)

	rec = s.do(http.MethodGet, fmt.Sprintf("/api/messages?conversationID=%d&limit=2&cursor=%d", convID, cursor), guestToken, nil)
	assertStatus(t, http.StatusOK, rec)
	assert.Len(t, body(rec).Get("messages").Array(), 1)
	assert.Zero(t, body(rec).Get("nextCursor").Int())

	// Seen first, then a late delivered receipt must not downgrade it.
	rec = s.do(http.MethodPost, "/api/messages/state", guestToken, SetMessageStateInput{ConversationID: convID, MessageIDs: []uint{replyID}, State: models.MessageSeen})
	assertStatus(t, http.StatusOK, rec)
	assert.Equal(t, int64(1), body(rec).Get("updated").Int())
	rec = s.do(http.MethodPost, "/api/messages/state", guestToken, SetMessageStateInput{ConversationID: convID, MessageIDs: []uint{replyID}, State: models.MessageDelivered})
	assertStatus(t, http.StatusOK, rec)
	assert.Zero(t, body(rec).Get("updated").Int())

	// The sender cannot mark its own message.
	rec = s.do(http.MethodPost, "/api/messages/state", hostToken, SetMessageStateInput{ConversationID: convID, MessageIDs: []uint{replyID}, State: models.MessageSeen})
	assertStatus(t, http.StatusOK, rec)
	assert.Zero(t, body(rec).Get("updated").Int())

	var stored models.Message
	require.NoError(t, s.db.First(&stored, replyID).Error)
	assert.Equal(t, models.MessageSeen, stored.State)
	assert.NotNil(t, stored.SeenAt)

	// The host got an in-app notification for each guest message.
	var unread int64
	s.db.Model(&models.Notification{}).Where("user_id = ?", host.ID).Count(&unread)
	assert.Equal(t, int64(2), unread)
}

func TestNotificationsInbox(t *testing.T) {
	s := newTestServer(t)
	u, token := s.user("ana@example.com", models.RoleUser)
	_, otherToken := s.user("bo@example.com", models.RoleUser)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.db.Create(&models.Notification{UserID: u.ID, Type: "test", Title: fmt.Sprintf("n%d", i)}).Error)
	}
	var first models.Notification
	require.NoError(t, s.db.Where("user_id = ?", u.ID).Order("id ASC").First(&first).Error)

	rec := s.do(http.MethodGet, "/api/notifications", token, nil)
	assertStatus(t, http.StatusOK, rec)
	assert.Equal(t, int64(3), body(rec).Get("meta.unread").Int())

	rec = s.do(http.MethodPost, fmt.Sprintf("/api/notifications/%d/read", first.ID), otherToken, nil)
	assertStatus(t, http.StatusNotFound, rec)

	rec = s.do(http.MethodPost, fmt.Sprintf("/api/notifications/%d/read", first.ID), token, nil)
	assertStatus(t, http.StatusNoContent, rec)

	rec = s.do(http.MethodGet, "/api/notifications?unread=true", token, nil)
	assertStatus(t, http.StatusOK, rec)
	assert.Equal(t, int64(2), body(rec).Get("meta.total").Int())

	rec = s.do(http.MethodPost, "/api/notifications/read-all", token, nil)
	assertStatus(t, http.StatusOK, rec)
	assert.Equal(t, int64(2), body(rec).Get("updated").Int())
}

func TestWebsocketReceivesMessages(t *testing.T) {
	s := newTestServer(t)
	host, hostToken := s.user("host@example.com", models.RoleHost)
	_, guestToken := s.user("guest@example.com", models.RoleUser)
	p := s.property(host.ID)

	srv := httptest.NewServer(s.app)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws?token=" + hostToken

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/ws", nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return services.Hub.Connections(host.ID) > 0 }, time.Second, 10*time.Millisecond)
	rec := s.do(http.MethodPost, "/api/conversations", guestToken, CreateConversationInput{PropertyID: p.ID, Text: "ping"})
	assertStatus(t, http.StatusCreated, rec)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev struct {
		Type string `json:"type"`
		Data struct {
			Text string `json:"text"`
		} `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "message", ev.Type)
	assert.Equal(t, "ping", ev.Data.Text)
}
