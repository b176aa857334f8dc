package console

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/signalbox/internal/catalog"
	"github.com/zulandar/signalbox/internal/conversation"
)

// registerRoutes sets up the API routes for the configured services.
func registerRoutes(router *gin.Engine, opts Opts) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	if opts.Uploads != nil {
		v1.POST("/uploads", handleUpload(opts.Uploads))
	}
	if opts.Templates != nil {
		v1.GET("/templates", handleTemplateList(opts.Templates))
		v1.GET("/templates/:name", handleTemplateGet(opts.Templates))
		v1.POST("/templates", handleTemplateCreate(opts.Templates))
		v1.DELETE("/templates", handleTemplateDelete(opts.Templates))
	}
	if opts.Conversations != nil {
		v1.GET("/conversations/:number", handleSnapshot(opts.Conversations))
		v1.GET("/conversations/:number/stream", handleStream(opts.Conversations, opts.Heartbeat))
		v1.POST("/conversations/:number/:id/mode", handleSetMode(opts.Conversations))
	}
	if opts.Store != nil {
		registerFeedRoutes(router, opts.Store)
	}
}

// --- Uploads ---

func handleUpload(u Uploader) gin.HandlerFunc {
	return func(c *gin.Context) {
		fh, err := c.FormFile("file")
		if err != nil {
			badRequest(c, "multipart field \"file\" is required")
			return
		}
		name := c.PostForm("fileName")
		if name == "" {
			name = fh.Filename
		}
		mimeType := c.PostForm("type")
		if mimeType == "" {
			mimeType = fh.Header.Get("Content-Type")
		}

		f, err := fh.Open()
		if err != nil {
			respondError(c, err)
			return
		}
		defer f.Close()

		handle, err := u.UploadFile(c.Request.Context(), f, name, mimeType)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"handle": handle})
	}
}

// --- Templates ---

func handleTemplateList(t Templates) gin.HandlerFunc {
	return func(c *gin.Context) {
		templates, err := t.List(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": templates})
	}
}

func handleTemplateGet(t Templates) gin.HandlerFunc {
	return func(c *gin.Context) {
		tmpl, err := t.FindExact(c.Request.Context(), c.Param("name"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, tmpl)
	}
}

func handleTemplateCreate(t Templates) gin.HandlerFunc {
	return func(c *gin.Context) {
		var def catalog.Definition
		if err := c.ShouldBindJSON(&def); err != nil {
			badRequest(c, "invalid template definition: "+err.Error())
			return
		}
		tmpl, err := t.Create(c.Request.Context(), def)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, tmpl)
	}
}

func handleTemplateDelete(t Templates) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := strings.TrimSpace(c.Query("name"))
		if name == "" {
			badRequest(c, "query parameter \"name\" is required")
			return
		}
		if err := t.Delete(c.Request.Context(), name); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// --- Conversations ---

func handleSnapshot(conv Conversations) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, err := conv.Poll(c.Request.Context(), c.Param("number"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

type modeRequest struct {
	Mode string `json:"mode"`
}

func handleSetMode(conv Conversations) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req modeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "body must be {\"mode\": \"auto\"|\"manual\"}")
			return
		}
		mode, err := conversation.ParseMode(req.Mode)
		if err != nil {
			respondError(c, err)
			return
		}
		if err := conv.SetResponseMode(c.Request.Context(), c.Param("number"), c.Param("id"), mode); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "response_mode": mode})
	}
}
