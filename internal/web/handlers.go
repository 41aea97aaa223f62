package web

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/matheus3301/convo/internal/api"
	"github.com/matheus3301/convo/internal/attachment"
	"github.com/matheus3301/convo/internal/store"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

// httpStatus maps the engine's error classes onto HTTP status codes.
func httpStatus(err error) int {
	switch api.Code(err) {
	case codes.NotFound:
		return http.StatusNotFound
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.FailedPrecondition, codes.AlreadyExists:
		return http.StatusConflict
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.Canceled:
		return 499
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c *gin.Context, err error) {
	code := httpStatus(err)
	if code >= 500 {
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

type createBody struct {
	SubjectKind string `json:"subject_kind"`
	SubjectID   string `json:"subject_id"`
}

func (s *Server) createConversation(c *gin.Context) {
	var body createBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	subject, err := store.ParseSubject(body.SubjectKind, body.SubjectID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	conv, err := s.engine.Create(c.Request.Context(), caller(c), subject)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func (s *Server) listConversations(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	archived := c.Query("archived") == "true"
	convs, err := s.engine.List(c.Request.Context(), caller(c), archived, limit, offset)
	if err != nil {
		s.fail(c, err)
		return
	}
	if convs == nil {
		convs = []store.Conversation{}
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

func (s *Server) archiveConversation(c *gin.Context) {
	if err := s.engine.Archive(c.Request.Context(), caller(c), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listMessages(c *gin.Context) {
	ctx, who, convID := c.Request.Context(), caller(c), c.Param("id")
	msgs, err := s.engine.Messages(ctx, who, convID)
	if err != nil {
		s.fail(c, err)
		return
	}
	pending, err := s.engine.Undelivered(ctx, who, convID)
	if err != nil {
		s.fail(c, err)
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "pending": pending})
}

type sendBody struct {
	Text     string `json:"text"`
	ClientID string `json:"client_id"`
	Wait     bool   `json:"wait"`
}

func (s *Server) sendText(c *gin.Context) {
	var body sendBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	entry, err := s.engine.Send(c.Request.Context(), caller(c), c.Param("id"), body.Text, body.ClientID)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.replyEntry(c, entry, body.Wait)
}

// sendAttachment takes a multipart form with a file part and optional kind
// and caption fields. The upload completes before the reply.
func (s *Server) sendAttachment(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file part required"})
		return
	}
	kind := store.KindDocument
	if k := c.PostForm("kind"); k != "" {
		parsed, ok := store.ParseKind(k)
		if !ok || !parsed.HasAttachment() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid attachment kind " + strconv.Quote(k)})
			return
		}
		kind = parsed
	}
	mimeType := fh.Header.Get("Content-Type")
	if mimeType == "application/octet-stream" {
		// Browsers send this for unknown types; sniff instead.
		mimeType = ""
	}
	f := attachment.File{
		Name:     fh.Filename,
		Size:     fh.Size,
		MimeType: mimeType,
		Open: func() (io.ReadCloser, error) {
			return fh.Open()
		},
	}
	entry, err := s.engine.SendFile(c.Request.Context(), caller(c), c.Param("id"), kind, f, c.PostForm("caption"), nil)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.replyEntry(c, entry, c.PostForm("wait") == "true")
}

func (s *Server) retry(c *gin.Context) {
	entry, err := s.engine.Retry(c.Request.Context(), caller(c), c.Param("client_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	s.replyEntry(c, entry, c.Query("wait") == "true")
}

func (s *Server) markRead(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}
	if err := s.engine.MarkRead(c.Request.Context(), caller(c), id); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) replyEntry(c *gin.Context, entry store.OutboxEntry, wait bool) {
	if wait {
		ctx, cancel := contextWithTimeout(c, 30*time.Second)
		defer cancel()
		done, err := s.engine.Await(ctx, entry.ClientID)
		if err != nil {
			s.fail(c, err)
			return
		}
		entry = done
	}
	c.JSON(http.StatusAccepted, entry)
}
