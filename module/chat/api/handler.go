package api

import (
	"net/http"
	"strconv"

	"PPMessenger/middleware"
	"PPMessenger/module/chat/service"
	"PPMessenger/service/ticket"
	"PPMessenger/tools/errs"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler is the HTTP mutation surface. Every route requires a bearer
// token; the acting user comes from it.
type Handler struct {
	msgs    *service.MessageService
	tickets ticket.Store
	log     *zap.Logger
}

func NewHandler(msgs *service.MessageService, tickets ticket.Store, log *zap.Logger) *Handler {
	return &Handler{msgs: msgs, tickets: tickets, log: log}
}

func (h *Handler) Mount(r *middleware.Router) {
	auth := middleware.RouteOpt{IsAuth: true}
	r.POST("/new_ws_ticket/", h.HandlerNewTicket, auth)

	r.POST("/conversation/", h.HandlerCreateConversation, auth)
	r.GET("/conversation/:id/", h.HandlerGetConversation, auth)
	r.DELETE("/conversation/:id/", h.HandlerDeleteConversation, auth)
	r.POST("/conversation/:id/members/", h.HandlerUpdateMembers, auth)
	r.POST("/conversation/:id/messages/", h.HandlerPostMessage, auth)

	r.PATCH("/message/:id/", h.HandlerEditMessage, auth)
	r.DELETE("/message/:id/", h.HandlerDeleteMessage, auth)
}

type ticketResp struct {
	TicketUUID string `json:"ticket_uuid"`
}

type conversationReq struct {
	Name  string  `json:"name"`
	Users []int64 `json:"users"`
}

type membersReq struct {
	Add    []int64 `json:"add"`
	Remove []int64 `json:"remove"`
}

type messageReq struct {
	Message *string `json:"message"`
}

// HandlerNewTicket issues a single-use websocket ticket for the caller.
func (h *Handler) HandlerNewTicket(c *gin.Context) {
	uid, _ := middleware.UserID(c)
	id, err := h.tickets.Issue(c.Request.Context(), uid)
	if err != nil {
		middleware.Fail(c, err)
		return
	}
	middleware.OK(c, http.StatusCreated, ticketResp{TicketUUID: id})
}

func (h *Handler) HandlerCreateConversation(c *gin.Context) {
	var req conversationReq
	if !bind(c, &req) {
		return
	}
	uid, _ := middleware.UserID(c)
	conv, err := h.msgs.CreateConversation(c.Request.Context(), uid, req.Name, req.Users)
	if err != nil {
		middleware.Fail(c, err)
		return
	}
	middleware.OK(c, http.StatusCreated, conv)
}

func (h *Handler) HandlerGetConversation(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	uid, _ := middleware.UserID(c)
	conv, err := h.msgs.Conversation(c.Request.Context(), uid, id)
	if err != nil {
		middleware.Fail(c, err)
		return
	}
	middleware.OK(c, http.StatusOK, conv)
}

func (h *Handler) HandlerDeleteConversation(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	uid, _ := middleware.UserID(c)
	if _, err := h.msgs.DeleteConversation(c.Request.Context(), uid, id); err != nil {
		middleware.Fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) HandlerUpdateMembers(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req membersReq
	if !bind(c, &req) {
		return
	}
	uid, _ := middleware.UserID(c)
	conv, err := h.msgs.UpdateMembers(c.Request.Context(), uid, id, req.Add, req.Remove)
	if err != nil {
		middleware.Fail(c, err)
		return
	}
	middleware.OK(c, http.StatusOK, conv)
}

func (h *Handler) HandlerPostMessage(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	body, ok := messageBody(c)
	if !ok {
		return
	}
	uid, _ := middleware.UserID(c)
	msg, err := h.msgs.PostMessage(c.Request.Context(), uid, id, body)
	if err != nil {
		middleware.Fail(c, err)
		return
	}
	middleware.OK(c, http.StatusCreated, msg)
}

func (h *Handler) HandlerEditMessage(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	body, ok := messageBody(c)
	if !ok {
		return
	}
	uid, _ := middleware.UserID(c)
	msg, err := h.msgs.EditMessage(c.Request.Context(), uid, id, body)
	if err != nil {
		middleware.Fail(c, err)
		return
	}
	middleware.OK(c, http.StatusOK, msg)
}

func (h *Handler) HandlerDeleteMessage(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	uid, _ := middleware.UserID(c)
	if _, err := h.msgs.DeleteMessage(c.Request.Context(), uid, id); err != nil {
		middleware.Fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		middleware.Fail(c, errs.ErrMalformedPayload.WrapMsg(err.Error()))
		return false
	}
	return true
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		middleware.Fail(c, errs.ErrMalformedPayload.WrapMsg("bad id", "id", c.Param("id")))
		return 0, false
	}
	return id, true
}

func messageBody(c *gin.Context) (string, bool) {
	var req messageReq
	if !bind(c, &req) {
		return "", false
	}
	if req.Message == nil {
		middleware.Fail(c, errs.ErrMalformedPayload.WrapMsg("missing message"))
		return "", false
	}
	return *req.Message, true
}
