package routes

import (
	"net/http"
	"rentals-server/logging"
	"rentals-server/models"
	"rentals-server/services"
	"rentals-server/storage"
	"rentals-server/utils"
	"strings"
	"time"

	"github.com/kataras/iris/v12"
	"gorm.io/gorm"
)

const (
	defaultMessageLimit = 30
	maxMessageLimit     = 100
)

// ConversationView is a conversation as seen by one participant.
type ConversationView struct {
	models.Conversation
	Participant models.UserSummary `json:"participant"`
	LastMessage *models.Message    `json:"lastMessage"`
}

// CreateConversation opens (or reuses) the thread with a listing's host and
// posts the first message.
func CreateConversation(ctx iris.Context) {
	var req CreateConversationInput
	if err := ctx.ReadJSON(&req); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}
	text, ok := messageText(ctx, req.Text)
	if !ok {
		return
	}

	guestID := utils.CurrentUserID(ctx)

	var property models.Property
	if err := storage.DB.Scopes(bookableScope).Select("id, host_id, title").First(&property, req.PropertyID).Error; err != nil {
		respondServiceError(ctx, err)
		return
	}
	if property.HostID == guestID {
		utils.CreateError(iris.StatusBadRequest, "Bad Request", "You cannot message your own listing.", ctx)
		return
	}

	conversation := models.Conversation{PropertyID: property.ID, GuestID: guestID}
	err := storage.DB.Where(models.Conversation{PropertyID: property.ID, GuestID: guestID}).
		Attrs(models.Conversation{HostID: property.HostID}).
		FirstOrCreate(&conversation).Error
	if err != nil {
		respondServiceError(ctx, err)
		return
	}

	message, err := postMessage(&conversation, guestID, text)
	if err != nil {
		respondServiceError(ctx, err)
		return
	}

	ctx.StatusCode(iris.StatusCreated)
	ctx.JSON(iris.Map{"conversation": conversation, "message": message})
}

// ListConversations returns the caller's threads, most recent activity first.
func ListConversations(ctx iris.Context) {
	userID := utils.CurrentUserID(ctx)
	page, perPage := utils.PageParams(ctx)

	q := storage.DB.Model(&models.Conversation{}).Where("guest_id = ? OR host_id = ?", userID, userID)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		respondServiceError(ctx, err)
		return
	}

	var conversations []models.Conversation
	err := q.Preload("Property").
		Preload("Property.Images", orderByPosition).
		Preload("Guest").
		Preload("Host").
		Order("COALESCE(last_message_at, created_at) DESC, id DESC").
		Offset(utils.Offset(page, perPage)).
		Limit(perPage).
		Find(&conversations).Error
	if err != nil {
		respondServiceError(ctx, err)
		return
	}

	views := make([]ConversationView, 0, len(conversations))
	for i := range conversations {
		views = append(views, conversationView(&conversations[i], userID))
	}

	utils.JSONPage(ctx, views, page, perPage, total)
}

func GetConversationByID(ctx iris.Context) {
	id, ok := paramID(ctx, "id")
	if !ok {
		return
	}

	var conversation models.Conversation
	err := storage.DB.Preload("Property").
		Preload("Property.Images", orderByPosition).
		Preload("Guest").
		Preload("Host").
		First(&conversation, id).Error
	if err != nil {
		respondServiceError(ctx, err)
		return
	}

	userID := utils.CurrentUserID(ctx)
	if !conversation.HasParticipant(userID) {
		utils.CreateForbidden(ctx)
		return
	}

	ctx.JSON(conversationView(&conversation, userID))
}

func CreateMessage(ctx iris.Context) {
	var req CreateMessageInput
	if err := ctx.ReadJSON(&req); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}
	text, ok := messageText(ctx, req.Text)
	if !ok {
		return
	}

	conversation := participantConversation(ctx, req.ConversationID)
	if conversation == nil {
		return
	}

	message, err := postMessage(conversation, utils.CurrentUserID(ctx), text)
	if err != nil {
		respondServiceError(ctx, err)
		return
	}

	ctx.StatusCode(iris.StatusCreated)
	ctx.JSON(message)
}

// ListMessages: GET /api/messages?conversationID=...&cursor=...&limit=...
func ListMessages(ctx iris.Context) {
	convID, err := ctx.URLParamInt("conversationID")
	if err != nil || convID <= 0 {
		ctx.StopWithStatus(http.StatusBadRequest)
		return
	}
	if participantConversation(ctx, uint(convID)) == nil {
		return
	}

	limit, _ := ctx.URLParamInt("limit")
	if limit <= 0 || limit > maxMessageLimit {
		limit = defaultMessageLimit
	}
	cursor, _ := ctx.URLParamInt("cursor")

	q := storage.DB.Where("conversation_id = ?", convID)
	if cursor > 0 {
		q = q.Where("id < ?", cursor)
	}
	msgs := []models.Message{}
	if err := q.Order("id DESC").Limit(limit).Find(&msgs).Error; err != nil {
		ctx.StopWithStatus(http.StatusInternalServerError)
		return
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	nextCursor := 0
	if len(msgs) == limit {
		nextCursor = int(msgs[0].ID)
	}
	ctx.JSON(iris.Map{"messages": msgs, "nextCursor": nextCursor})
}

// SetMessageState: POST /api/messages/state. Only messages the caller
// received are touched.
func SetMessageState(ctx iris.Context) {
	var req SetMessageStateInput
	if err := ctx.ReadJSON(&req); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}
	if participantConversation(ctx, req.ConversationID) == nil {
		return
	}

	updates := map[string]any{"state": req.State}
	now := time.Now().UTC()
	q := storage.DB.Model(&models.Message{}).
		Where("conversation_id = ? AND receiver_id = ? AND id IN ?", req.ConversationID, utils.CurrentUserID(ctx), req.MessageIDs)
	switch req.State {
	case models.MessageDelivered:
		updates["delivered_at"] = now
		// Never move a seen message back to delivered.
		q = q.Where("state = ?", models.MessageSent)
	case models.MessageSeen:
		updates["seen_at"] = now
	}

	res := q.Updates(updates)
	if res.Error != nil {
		ctx.StopWithStatus(http.StatusInternalServerError)
		return
	}
	ctx.JSON(iris.Map{"success": true, "updated": res.RowsAffected})
}

// postMessage stores the message, bumps the conversation and tells the
// receiver over websocket and the notification channels.
func postMessage(conversation *models.Conversation, senderID uint, text string) (*models.Message, error) {
	now := time.Now().UTC()
	message := models.Message{
		ConversationID: conversation.ID,
		SenderID:       senderID,
		ReceiverID:     conversation.OtherParticipant(senderID),
		Text:           text,
		State:          models.MessageSent,
	}

	err := storage.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&message).Error; err != nil {
			return err
		}
		return tx.Model(&models.Conversation{}).Where("id = ?", conversation.ID).Update("last_message_at", now).Error
	})
	if err != nil {
		return nil, err
	}
	conversation.LastMessageAt = &now

	services.Hub.Publish(message.ReceiverID, services.Event{Type: "message", Data: message})

	var sender models.User
	if err := storage.DB.Select("id, first_name, last_name").First(&sender, senderID).Error; err != nil {
		logging.Log.WithField("user", senderID).WithError(err).Warn("message sender lookup failed")
		return &message, nil
	}
	services.NewNotificationService().MessageReceived(&message, &sender)
	return &message, nil
}

// participantConversation loads a conversation and answers 403 unless the
// caller is part of it.
func participantConversation(ctx iris.Context, id uint) *models.Conversation {
	var conversation models.Conversation
	if err := storage.DB.First(&conversation, id).Error; err != nil {
		respondServiceError(ctx, err)
		return nil
	}
	if !conversation.HasParticipant(utils.CurrentUserID(ctx)) {
		utils.CreateForbidden(ctx)
		return nil
	}
	return &conversation
}

func conversationView(c *models.Conversation, userID uint) ConversationView {
	view := ConversationView{Conversation: *c}
	other := c.Host
	if c.HostID == userID {
		other = c.Guest
	}
	if other != nil {
		view.Participant = other.Summary()
	}

	var last models.Message
	if err := storage.DB.Where("conversation_id = ?", c.ID).Order("id DESC").Limit(1).Find(&last).Error; err == nil && last.ID > 0 {
		view.LastMessage = &last
	}
	return view
}

func messageText(ctx iris.Context, raw string) (string, bool) {
	text := strings.TrimSpace(raw)
	if text == "" || len([]rune(text)) > 5000 {
		utils.JSONError(ctx, http.StatusUnprocessableEntity, "invalid_text", "text must be between 1 and 5000 characters")
		return "", false
	}
	return text, true
}

type CreateConversationInput struct {
	PropertyID uint   `json:"propertyID" validate:"required"`
	Text       string `json:"text" validate:"required"`
}

type CreateMessageInput struct {
	ConversationID uint   `json:"conversationID" validate:"required"`
	Text           string `json:"text" validate:"required"`
}

type SetMessageStateInput struct {
	ConversationID uint   `json:"conversationID" validate:"required"`
	MessageIDs     []uint `json:"messageIDs" validate:"required,min=1"`
	State          string `json:"state" validate:"required,oneof=delivered seen"`
}
