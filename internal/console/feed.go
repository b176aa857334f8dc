package console

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/signalbox/internal/conversation"
	"github.com/zulandar/signalbox/internal/db"
)

// The feed routes serve conversations from the local store in the shape
// HTTPSource consumes: {"success": bool, "data": [...], "error": "..."}.
func registerFeedRoutes(router *gin.Engine, store *db.Store) {
	router.GET("/api/data/:number", handleFeed(store))
	router.POST("/api/update-response-mode", handleFeedMode(store))
	router.POST("/api/data/:number/interactions", handleFeedRecord(store))
}

func feedError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "error": msg})
}

func handleFeed(store *db.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		number := c.Param("number")
		if err := conversation.ValidateBusinessNumber(number); err != nil {
			feedError(c, http.StatusBadRequest, err.Error())
			return
		}
		convs, err := store.Chats(c.Request.Context(), number)
		if err != nil {
			c.Error(err)
			feedError(c, http.StatusInternalServerError, "Failed to fetch data")
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": conversation.ChatsFromModels(convs)})
	}
}

type feedModeRequest struct {
	WaID                string `json:"waId"`
	ResponseMode        string `json:"responseMode"`
	BusinessPhoneNumber string `json:"businessPhoneNumber"`
}

func handleFeedMode(store *db.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req feedModeRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.WaID == "" || req.BusinessPhoneNumber == "" {
			feedError(c, http.StatusBadRequest, "waId, responseMode and businessPhoneNumber are required")
			return
		}
		mode, err := conversation.ParseMode(req.ResponseMode)
		if err != nil {
			feedError(c, http.StatusBadRequest, err.Error())
			return
		}
		if err := store.SetResponseMode(c.Request.Context(), req.BusinessPhoneNumber, req.WaID, string(mode)); err != nil {
			c.Error(err)
			status, msg := statusFor(err)
			feedError(c, status, msg)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

type recordRequest struct {
	WaID      string                 `json:"waId"`
	Direction conversation.Direction `json:"direction"`
	Message   string                 `json:"message"`
	Timestamp conversation.Timestamp `json:"timestamp"`
	Alert     *bool                  `json:"alert,omitempty"`
}

// handleFeedRecord appends one message to the store. Inbound messages open
// a new interaction; outbound ones fill the latest interaction's reply.
func handleFeedRecord(store *db.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		number := c.Param("number")
		if err := conversation.ValidateBusinessNumber(number); err != nil {
			feedError(c, http.StatusBadRequest, err.Error())
			return
		}
		var req recordRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			feedError(c, http.StatusBadRequest, "invalid body: "+err.Error())
			return
		}
		req.WaID = strings.TrimSpace(req.WaID)
		if req.WaID == "" || req.Message == "" {
			feedError(c, http.StatusBadRequest, "waId and message are required")
			return
		}
		at := req.Timestamp.Time
		if at.IsZero() {
			at = time.Now()
		}
		at = at.UTC()

		ctx := c.Request.Context()
		var err error
		switch req.Direction {
		case conversation.Inbound, "":
			_, err = store.RecordInbound(ctx, number, req.WaID, req.Message, at)
		case conversation.Outbound:
			_, err = store.RecordResponse(ctx, number, req.WaID, req.Message, at)
		default:
			feedError(c, http.StatusBadRequest, "direction must be inbound or outbound")
			return
		}
		if err == nil && req.Alert != nil {
			err = store.SetAlert(ctx, number, req.WaID, *req.Alert)
		}
		if err != nil {
			c.Error(err)
			status, msg := statusFor(err)
			feedError(c, status, msg)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"success": true})
	}
}
