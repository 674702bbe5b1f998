package handler

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"chat-insights/internal/domain"
	"chat-insights/internal/usecase"
)

type loginRequest struct {
	PhoneNumber string `json:"phoneNumber" binding:"required"`
}

type loginResponse struct {
	UserID      string `json:"userId"`
	PhoneNumber string `json:"phoneNumber"`
}

type openConversationRequest struct {
	UserID    string `json:"userId" binding:"required"`
	Recipient string `json:"recipient" binding:"required"`
}

type openConversationResponse struct {
	ConversationID string `json:"conversationId"`
}

type conversationResponse struct {
	ID               string  `json:"id"`
	OtherParticipant *string `json:"otherParticipant"`
	LastMessage      *string `json:"lastMessage"`
}

type sendMessageRequest struct {
	ConversationID string `json:"conversationId" binding:"required"`
	SenderID       string `json:"senderId" binding:"required"`
	Content        string `json:"content" binding:"required"`
}

type messageResponse struct {
	ID        string `json:"id"`
	SenderID  string `json:"senderId"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	Seq       int64  `json:"seq"`
}

type analyzeRequest struct {
	ConversationID string `json:"conversationId" binding:"required"`
	UserID         string `json:"userId" binding:"required"`
}

type leaderboardEntryResponse struct {
	ConversationID     string   `json:"conversationId"`
	Participants       []string `json:"participants"`
	Toxicity           int      `json:"toxicity"`
	LeaderboardSummary string   `json:"leaderboardSummary"`
}

type annotationResponse struct {
	ConversationID string          `json:"conversationId"`
	Analysis       domain.Analysis `json:"analysis"`
	AnalyzedAt     string          `json:"analyzedAt"`
}

type scoreResponse struct {
	Score int `json:"score"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Reason string `json:"reason"`
	Raw    string `json:"raw,omitempty"`
}

func (a *api) login(c *gin.Context) {
	var req loginRequest
	if !a.bind(c, &req) {
		return
	}
	user, err := a.Identity.Identify(c.Request.Context(), req.PhoneNumber)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, loginResponse{UserID: user.ID, PhoneNumber: user.PhoneNumber})
}

func (a *api) listConversations(c *gin.Context) {
	summaries, err := a.Messaging.List(c.Request.Context(), c.Query("userId"))
	if err != nil {
		a.fail(c, err)
		return
	}
	out := make([]conversationResponse, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, conversationResponse{
			ID:               s.ConversationID,
			OtherParticipant: s.Counterpart,
			LastMessage:      s.LastMessage,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (a *api) openConversation(c *gin.Context) {
	var req openConversationRequest
	if !a.bind(c, &req) {
		return
	}
	id, err := a.Messaging.OpenWithRecipient(c.Request.Context(), req.UserID, req.Recipient)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, openConversationResponse{ConversationID: id})
}

func (a *api) listMessages(c *gin.Context) {
	msgs, err := a.Messaging.Read(c.Request.Context(), c.Param("conversationId"))
	if err != nil {
		a.fail(c, err)
		return
	}
	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageResponse(m))
	}
	c.JSON(http.StatusOK, out)
}

func (a *api) sendMessage(c *gin.Context) {
	var req sendMessageRequest
	if !a.bind(c, &req) {
		return
	}
	msg, err := a.Messaging.Append(c.Request.Context(), usecase.AppendInput{
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		Content:        req.Content,
	})
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toMessageResponse(msg))
}

func (a *api) analyzeConversation(c *gin.Context) {
	var req analyzeRequest
	if !a.bind(c, &req) {
		return
	}
	analysis, err := a.Analyzer.Analyze(c.Request.Context(), req.ConversationID, req.UserID)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, analysis)
}

func (a *api) getAnalysis(c *gin.Context) {
	ann, err := a.Analyzer.Annotation(c.Request.Context(), c.Param("conversationId"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, annotationResponse{
		ConversationID: ann.ConversationID,
		Analysis:       ann.Analysis,
		AnalyzedAt:     ann.AnalyzedAt.UTC().Format(time.RFC3339Nano),
	})
}

func (a *api) leaderboard(c *gin.Context) {
	entries, err := a.Ranking.Top(c.Request.Context(), 0)
	if err != nil {
		a.fail(c, err)
		return
	}
	out := make([]leaderboardEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, leaderboardEntryResponse{
			ConversationID:     e.ConversationID,
			Participants:       e.Participants,
			Toxicity:           e.Toxicity,
			LeaderboardSummary: e.LeaderboardSummary,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (a *api) pairScore(c *gin.Context) {
	score, err := a.Ranking.PairScore(c.Request.Context(), c.Param("user1"), c.Param("user2"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, scoreResponse{Score: score})
}

func toMessageResponse(m domain.Message) messageResponse {
	return messageResponse{
		ID:        m.ID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		Timestamp: m.CreatedAt.UTC().Format(time.RFC3339Nano),
		Seq:       m.Seq,
	}
}

// bind decodes the JSON body into req and writes a 400 on failure.
func (a *api) bind(c *gin.Context, req any) bool {
	err := c.ShouldBindJSON(req)
	if err == nil {
		return true
	}
	reason := "invalid_body"
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		reason = "missing_fields"
	}
	a.fail(c, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: reason, Err: err})
	return false
}

func (a *api) fail(c *gin.Context, err error) {
	status, body := errorBody(err)
	if status >= http.StatusInternalServerError {
		a.log.ErrorContext(c.Request.Context(), "request failed",
			"route", routeOf(c),
			"code", body.Code,
			"reason", body.Reason,
			"err", err,
			"correlation_id", c.GetString(correlationHeader))
	}
	c.AbortWithStatusJSON(status, body)
}

func errorBody(err error) (int, errorResponse) {
	body := errorResponse{Code: string(usecase.ErrorInternal), Reason: "unexpected_error"}
	var ue *usecase.Error
	if errors.As(err, &ue) {
		body.Code = string(ue.Code)
		body.Reason = ue.Reason
	}
	var malformed *usecase.MalformedResponseError
	if errors.As(err, &malformed) {
		body.Raw = malformed.Raw
	}
	body.Error = strings.ReplaceAll(body.Reason, "_", " ")
	return statusFor(usecase.ErrorCode(body.Code)), body
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
