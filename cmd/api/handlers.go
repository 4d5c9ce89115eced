package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	qrcode "github.com/skip2/go-qrcode"

	"classcheck/internal/auth"
	"classcheck/internal/cache"
	"classcheck/internal/chat"
	"classcheck/internal/cloudinary"
	"classcheck/internal/config"
	"classcheck/internal/docstore"
	"classcheck/internal/qrclient"
	"classcheck/internal/queue"
	"classcheck/internal/roster"
	"classcheck/internal/viewstate"
)

type apiServer struct {
	cfg      config.App
	docs     docstore.Store
	guard    *cache.Guard
	q        queue.Queue
	svc      *roster.Service
	att      *roster.Attendance
	chats    *chat.Service
	qr       *qrclient.Client
	cdn      *cloudinary.Client
	sessions *sessionRegistry
}

func (s *apiServer) routes(r *gin.Engine) {
	r.POST("/v1/register", s.register)
	r.POST("/v1/sessions", s.signIn)

	authed := r.Group("/v1", auth.Require(s.cfg.JWTSigningKey, s.cfg.JWTIssuer))
	authed.DELETE("/sessions", s.signOut)
	authed.GET("/profile", s.profile)
	authed.POST("/profile/image", s.uploadProfileImage)
	authed.GET("/view", s.viewState)
	authed.POST("/view", s.transitionView)

	authed.GET("/classes", s.listClasses)
	authed.GET("/classes/:id", s.getClass)
	authed.GET("/classes/:id/attendance/:date", s.dayAttendance)
	authed.GET("/classes/:id/history", s.history)
	authed.GET("/classes/:id/messages", s.listMessages)
	authed.POST("/classes/:id/messages", s.sendMessage)

	teacher := authed.Group("", auth.RequireRole(string(roster.RoleTeacher)))
	teacher.POST("/classes", s.createClass)
	teacher.DELETE("/classes/:id", s.deleteClass)
	teacher.POST("/classes/:id/students", s.addStudent)
	teacher.DELETE("/classes/:id/students/:identity", s.removeStudent)
	teacher.POST("/classes/:id/attendance/:date/marks", s.markPresent)
	teacher.PUT("/classes/:id/attendance/:date", s.saveDay)
	teacher.POST("/classes/:id/attendance/:date/scan", s.markByScan)
	teacher.GET("/classes/:id/badge/:identity", s.studentBadge)
}

// writeErr maps engine errors onto HTTP rejections. Transient store errors
// become 503 so the client keeps its stale-but-consistent state.
func writeErr(c *gin.Context, err error) {
	var ve *roster.ValidationError
	switch {
	case errors.Is(err, roster.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, roster.ErrNotEnrolled):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "not_enrolled"})
	case errors.Is(err, roster.ErrPrecondition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "precondition_failed"})
	case errors.As(err, &ve):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": ve.Reason, "fields": ve.Fields})
	default:
		log.Printf("internal error: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
	}
}

func (s *apiServer) register(c *gin.Context) {
	var in roster.RegisterInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	profile, err := s.svc.RegisterUser(c.Request.Context(), in)
	if err != nil {
		writeErr(c, err)
		return
	}
	tokens, err := auth.Issue(profile.Identity, string(profile.Role), s.cfg.JWTIssuer, s.cfg.JWTSigningKey, s.cfg.AccessTTL, s.cfg.RefreshTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"profile":       profile,
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"expires_at":    tokens.AccessExp.Unix(),
	})
}

// signIn accepts the identity string the external auth provider resolved
// and opens the live roster subscription for it.
func (s *apiServer) signIn(c *gin.Context) {
	var req struct {
		Identity string `json:"identity" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	profile, err := s.svc.Enroller().Profile(c.Request.Context(), req.Identity)
	if err != nil {
		writeErr(c, err)
		return
	}

	// the subscription outlives this request
	if _, err := s.sessions.signIn(context.Background(), s.docs, s.guard, s.q, profile.Identity, profile.Role); err != nil {
		writeErr(c, err)
		return
	}

	tokens, err := auth.Issue(profile.Identity, string(profile.Role), s.cfg.JWTIssuer, s.cfg.JWTSigningKey, s.cfg.AccessTTL, s.cfg.RefreshTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"expires_at":    tokens.AccessExp.Unix(),
		"role":          profile.Role,
	})
}

func (s *apiServer) signOut(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	s.sessions.signOut(claims.Identity)
	c.Status(http.StatusNoContent)
}

func (s *apiServer) session(c *gin.Context) (*apiSession, bool) {
	claims, ok := auth.FromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing claims"})
		return nil, false
	}
	sess, ok := s.sessions.get(claims.Identity)
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "no active session, sign in first"})
		return nil, false
	}
	return sess, true
}

func (s *apiServer) profile(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	profile, err := s.svc.Enroller().Profile(c.Request.Context(), claims.Identity)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (s *apiServer) listClasses(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"classes": sess.roster.Classes()})
}

func (s *apiServer) getClass(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	cls, found := sess.roster.Class(c.Param("id"))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "class not found"})
		return
	}
	c.JSON(http.StatusOK, cls)
}

func (s *apiServer) createClass(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	var in roster.CreateClassInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cls, err := s.svc.CreateClass(c.Request.Context(), claims.Identity, in)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, cls)
}

// deleteClass requires explicit confirmation before any write happens.
func (s *apiServer) deleteClass(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	if c.Query("confirm") != "true" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "deletion requires confirm=true"})
		return
	}
	if err := s.svc.DeleteClass(c.Request.Context(), claims.Identity, c.Param("id")); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *apiServer) ownedClass(c *gin.Context) (roster.ClassRoster, bool) {
	claims, _ := auth.FromContext(c)
	cls, err := s.svc.GetClass(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeErr(c, err)
		return roster.ClassRoster{}, false
	}
	if cls.Owner != roster.NormalizeIdentity(claims.Identity) {
		c.JSON(http.StatusForbidden, gin.H{"error": "class belongs to another owner"})
		return roster.ClassRoster{}, false
	}
	return cls, true
}

func (s *apiServer) addStudent(c *gin.Context) {
	if _, ok := s.ownedClass(c); !ok {
		return
	}
	var req struct {
		Identity string `json:"identity" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.svc.Enroller().Add(c.Request.Context(), c.Param("id"), req.Identity); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "enrolled"})
}

func (s *apiServer) removeStudent(c *gin.Context) {
	if c.Query("confirm") != "true" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "removal requires confirm=true"})
		return
	}
	if _, ok := s.ownedClass(c); !ok {
		return
	}
	if err := s.svc.Enroller().Remove(c.Request.Context(), c.Param("id"), c.Param("identity")); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *apiServer) markPresent(c *gin.Context) {
	if _, ok := s.ownedClass(c); !ok {
		return
	}
	var req struct {
		Identity string `json:"identity" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.att.MarkPresent(c.Request.Context(), c.Param("id"), c.Param("date"), req.Identity); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "marked"})
}

func (s *apiServer) saveDay(c *gin.Context) {
	if _, ok := s.ownedClass(c); !ok {
		return
	}
	var req struct {
		Marks map[string]bool `json:"marks" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.att.SaveDay(c.Request.Context(), c.Param("id"), c.Param("date"), req.Marks); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "saved"})
}

// markByScan routes a scanned image through the external decoder and
// accepts the decoded identity only if it is enrolled in the open class.
func (s *apiServer) markByScan(c *gin.Context) {
	if _, ok := s.ownedClass(c); !ok {
		return
	}
	var req struct {
		ImageURL string `json:"image_url" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	decoded, err := s.qr.Decode(c.Request.Context(), req.ImageURL)
	if err != nil {
		log.Printf("qr decode failed: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "qr decode failed"})
		return
	}
	if err := s.att.MarkByQR(c.Request.Context(), c.Param("id"), c.Param("date"), decoded); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "marked", "identity": roster.NormalizeIdentity(decoded)})
}

func (s *apiServer) dayAttendance(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	cls, found := sess.roster.Class(c.Param("id"))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "class not found"})
		return
	}
	day := cls.DayAttendance(c.Param("date"))
	if day == nil {
		day = map[string]bool{}
	}
	c.JSON(http.StatusOK, gin.H{"date": c.Param("date"), "marks": day})
}

func (s *apiServer) history(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	cls, found := sess.roster.Class(c.Param("id"))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "class not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": cls.AttendanceHistory})
}

// studentBadge renders the enrolled student's identity as a QR PNG, ready
// to be scanned back through the attendance flow.
func (s *apiServer) studentBadge(c *gin.Context) {
	cls, ok := s.ownedClass(c)
	if !ok {
		return
	}
	identity := roster.NormalizeIdentity(c.Param("identity"))
	if !cls.HasStudent(identity) {
		c.JSON(http.StatusConflict, gin.H{"error": "student not enrolled", "code": "not_enrolled"})
		return
	}
	png, err := qrcode.Encode(identity, qrcode.Medium, 256)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "badge render failed"})
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

func (s *apiServer) uploadProfileImage(c *gin.Context) {
	if s.cdn == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "image storage not configured"})
		return
	}
	claims, _ := auth.FromContext(c)

	contentType := c.ContentType()
	var result *cloudinary.UploadResult
	var err error
	switch {
	case strings.Contains(contentType, "multipart/form-data"):
		file, header, ferr := c.Request.FormFile("file")
		if ferr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file field required"})
			return
		}
		defer file.Close()
		data, ferr := io.ReadAll(file)
		if ferr != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "read file failed"})
			return
		}
		result, err = s.cdn.UploadBytes(data, header.Filename)
	default:
		var body struct {
			Data string `json:"data" binding:"required"`
		}
		if berr := c.ShouldBindJSON(&body); berr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "provide {\"data\": \"<base64 data URL>\"}"})
			return
		}
		result, err = s.cdn.UploadBase64(body.Data)
	}
	if err != nil {
		log.Printf("cloudinary upload failed: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "image upload failed"})
		return
	}

	if err := s.svc.SetProfileImage(c.Request.Context(), claims.Identity, result.SecureURL); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": result.SecureURL})
}

func (s *apiServer) viewState(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": sess.view.State(), "open_class": sess.view.OpenClass()})
}

func (s *apiServer) transitionView(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	var req struct {
		State   string `json:"state" binding:"required"`
		ClassID string `json:"class_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := sess.view.Transition(viewstate.State(req.State), req.ClassID); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": sess.view.State(), "open_class": sess.view.OpenClass()})
}

func (s *apiServer) sendMessage(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	sess, ok := s.session(c)
	if !ok {
		return
	}
	if _, found := sess.roster.Class(c.Param("id")); !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "class not found"})
		return
	}
	var req struct {
		Body string `json:"body" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msg, err := s.chats.Send(c.Request.Context(), c.Param("id"), claims.Identity, req.Body)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (s *apiServer) listMessages(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	if _, found := sess.roster.Class(c.Param("id")); !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "class not found"})
		return
	}
	msgs, err := s.chats.List(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}
