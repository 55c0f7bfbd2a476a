package user

import (
	"net/http"
	"strings"

	"PPMessenger/middleware"
	"PPMessenger/module/chat/store"
	"PPMessenger/tools/errs"
	"PPMessenger/tools/security"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler exposes user registration and lookup. Registration is only mounted
// when the deployment runs without an external identity provider.
type Handler struct {
	users store.UserStore
	jwt   security.Options
	log   *zap.Logger
}

func NewHandler(users store.UserStore, jwt security.Options, log *zap.Logger) *Handler {
	return &Handler{users: users, jwt: jwt, log: log}
}

type registerReq struct {
	Username  string `json:"username"`
	PGPPublic string `json:"pgp_public"`
}

type userResp struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	PGPPublic string `json:"pgp_public"`
}

type registerResp struct {
	User     userResp `json:"user"`
	Token    string   `json:"token"`
	ExpireAt int64    `json:"expire_at"`
}

// Mount registers the routes. open adds POST /user/.
func (h *Handler) Mount(r *middleware.Router, open bool) {
	if open {
		r.POST("/user/", h.HandlerRegister, middleware.RouteOpt{})
	}
	r.GET("/user/me/", h.HandlerMe, middleware.RouteOpt{IsAuth: true})
}

// HandlerRegister creates a user and returns an access token for it.
func (h *Handler) HandlerRegister(c *gin.Context) {
	var req registerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.Fail(c, errs.ErrMalformedPayload.WrapMsg(err.Error()))
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || len(req.Username) > 150 {
		middleware.Fail(c, errs.ErrMalformedPayload.WrapMsg("username must be 1..150 characters"))
		return
	}
	u, err := h.users.CreateUser(c.Request.Context(), req.Username, req.PGPPublic)
	if err != nil {
		middleware.Fail(c, err)
		return
	}
	token, exp, err := security.Generate(h.jwt, u.ID, nil)
	if err != nil {
		middleware.Fail(c, errs.WrapMsg(err, "sign token", "user", u.ID))
		return
	}
	h.log.Info("[User] registered", zap.Int64("user", u.ID), zap.String("username", u.Username))
	middleware.OK(c, http.StatusCreated, registerResp{
		User:     userResp{ID: u.ID, Username: u.Username, PGPPublic: u.PGPPublic},
		Token:    token,
		ExpireAt: exp.Unix(),
	})
}

func (h *Handler) HandlerMe(c *gin.Context) {
	uid, _ := middleware.UserID(c)
	u, err := h.users.UserByID(c.Request.Context(), uid)
	if err != nil {
		middleware.Fail(c, err)
		return
	}
	middleware.OK(c, http.StatusOK, userResp{ID: u.ID, Username: u.Username, PGPPublic: u.PGPPublic})
}
