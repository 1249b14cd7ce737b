package handler

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"qrollcall/internal/attendance"
	"qrollcall/internal/auth"
	"qrollcall/internal/config"
	"qrollcall/internal/metrics"
	"qrollcall/internal/queue"
	"qrollcall/internal/session"
	"qrollcall/internal/users"
)

// Handler wires the domain services to gin routes.
type Handler struct {
	cfg      config.App
	users    *users.Service
	userRepo *users.Repository
	sessions *session.Service
	recorder *attendance.Service
	ledger   *attendance.Repository
	queue    queue.Queue
}

// New creates a handler.
func New(cfg config.App, us *users.Service, ur *users.Repository, ss *session.Service, rec *attendance.Service, ledger *attendance.Repository, q queue.Queue) *Handler {
	return &Handler{cfg: cfg, users: us, userRepo: ur, sessions: ss, recorder: rec, ledger: ledger, queue: q}
}

// ---------- Auth ----------

type registerRequest struct {
	Name          string `json:"name" binding:"required"`
	Email         string `json:"email" binding:"required,email"`
	Password      string `json:"password" binding:"required,min=6"`
	Role          string `json:"role"`
	StudentNumber string `json:"student_number"`
	Department    string `json:"department"`
	Year          string `json:"year"`
}

func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	u, err := h.users.Register(c.Request.Context(), users.RegisterInput{
		Name:          req.Name,
		Email:         req.Email,
		Password:      req.Password,
		Role:          req.Role,
		StudentNumber: req.StudentNumber,
		Department:    req.Department,
		Year:          req.Year,
	})
	if err != nil {
		if errors.Is(err, users.ErrEmailTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "email already registered"})
			return
		}
		log.Printf("register failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server error"})
		return
	}

	h.issueTokens(c, u, http.StatusCreated)
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	u, err := h.users.Authenticate(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, users.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid email or password"})
			return
		}
		log.Printf("login failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server error"})
		return
	}

	h.issueTokens(c, u, http.StatusOK)
}

func (h *Handler) issueTokens(c *gin.Context, u users.User, status int) {
	tokens, err := auth.Issue(u.ID, u.Role, h.cfg.JWTIssuer, h.cfg.JWTSigningKey, h.cfg.AccessTTL, h.cfg.RefreshTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	if err := h.userRepo.SaveRefreshToken(c.Request.Context(), u.ID, tokens.RefreshToken, tokens.RefreshExp); err != nil {
		log.Printf("refresh token save failed: %v", err)
	}

	c.JSON(status, gin.H{
		"user":          u,
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"expires_at":    tokens.AccessExp.Unix(),
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

func (h *Handler) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	claims, err := auth.Parse(req.RefreshToken, h.cfg.JWTSigningKey, h.cfg.JWTIssuer)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	live, err := h.userRepo.RefreshTokenValid(c.Request.Context(), req.RefreshToken)
	if err != nil {
		log.Printf("refresh lookup failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server error"})
		return
	}
	if !live {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	u, err := h.userRepo.GetByID(c.Request.Context(), claims.Subject)
	if err != nil || u == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	// Rotation: the presented token is single-use.
	_ = h.userRepo.RevokeRefreshToken(c.Request.Context(), req.RefreshToken)
	h.issueTokens(c, *u, http.StatusOK)
}

func (h *Handler) Me(c *gin.Context) {
	u, ok := h.currentUser(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": u})
}

// currentUser resolves the authenticated account. The identity always comes
// from the verified claims, never from the request body.
func (h *Handler) currentUser(c *gin.Context) (users.User, bool) {
	claims, ok := auth.CurrentClaims(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return users.User{}, false
	}
	u, err := h.userRepo.GetByID(c.Request.Context(), claims.Subject)
	if err != nil {
		log.Printf("user lookup failed: %v", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "server error"})
		return users.User{}, false
	}
	if u == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "account not found"})
		return users.User{}, false
	}
	return *u, true
}

// ---------- QR sessions ----------

type locationBody struct {
	Coordinates []float64 `json:"coordinates" binding:"required"`
}

type generateRequest struct {
	Subject       string       `json:"subject" binding:"required"`
	Location      locationBody `json:"location" binding:"required"`
	MaxAttendance int          `json:"maxAttendance"`
}

func (h *Handler) GenerateQR(c *gin.Context) {
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Location.Coordinates) != 2 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "location.coordinates must be [longitude, latitude]"})
		return
	}

	u, ok := h.currentUser(c)
	if !ok {
		return
	}

	issued, err := h.sessions.Issue(c.Request.Context(), u.ID, req.Subject,
		[2]float64{req.Location.Coordinates[0], req.Location.Coordinates[1]}, req.MaxAttendance)
	if err != nil {
		if errors.Is(err, session.ErrInvalidInput) || errors.Is(err, session.ErrInvalidCapacity) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.Printf("session issue failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server error"})
		return
	}
	metrics.SessionsIssued.Inc()

	c.JSON(http.StatusCreated, gin.H{
		"qr_code": gin.H{
			"id":               issued.Session.ID,
			"session_id":       issued.Session.Token,
			"subject":          issued.Session.Subject,
			"payload":          issued.Payload,
			"qr_code_data_url": issued.QRCodeDataURL,
			"expires_at":       issued.Session.ExpiresAt,
			"max_attendance":   issued.Session.Capacity,
		},
	})
}

func (h *Handler) ActiveSessions(c *gin.Context) {
	u, ok := h.currentUser(c)
	if !ok {
		return
	}
	list, err := h.sessions.ListLive(c.Request.Context(), u.ID)
	if err != nil {
		log.Printf("list sessions failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"qr_codes": list})
}

func (h *Handler) DeactivateSession(c *gin.Context) {
	u, ok := h.currentUser(c)
	if !ok {
		return
	}
	updated, err := h.sessions.Deactivate(c.Request.Context(), c.Param("id"), u.ID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "QR code not found"})
			return
		}
		if errors.Is(err, session.ErrInvalidInput) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.Printf("deactivate failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server error"})
		return
	}
	metrics.SessionsDeactivated.Inc()
	c.JSON(http.StatusOK, gin.H{"qr_code": updated})
}

func (h *Handler) SessionStats(c *gin.Context) {
	u, ok := h.currentUser(c)
	if !ok {
		return
	}
	stats, err := h.sessions.Stats(c.Request.Context(), u.ID, c.DefaultQuery("period", "month"))
	if err != nil {
		log.Printf("session stats failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// ---------- Attendance ----------

type markRequest struct {
	Payload    string                `json:"payload" binding:"required"`
	Location   locationBody          `json:"location" binding:"required"`
	DeviceInfo attendance.DeviceInfo `json:"deviceInfo"`
}

func (h *Handler) MarkAttendance(c *gin.Context) {
	var req markRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Location.Coordinates) != 2 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "location.coordinates must be [longitude, latitude]"})
		return
	}

	u, ok := h.currentUser(c)
	if !ok {
		return
	}

	rec, err := h.recorder.Mark(c.Request.Context(), u, req.Payload,
		[2]float64{req.Location.Coordinates[0], req.Location.Coordinates[1]}, req.DeviceInfo)
	if err != nil {
		h.rejectMark(c, err)
		return
	}
	metrics.Marks.WithLabelValues("accepted").Inc()

	if err := h.queue.Publish(c.Request.Context(), queue.Message{Type: "mark", Body: []byte(rec.ID)}); err != nil {
		log.Printf("queue publish failed: %v", err)
	}

	c.JSON(http.StatusCreated, gin.H{"attendance": rec})
}

// rejectMark maps recorder sentinels to responses. Expiry and revocation share
// one message so callers cannot probe session state.
func (h *Handler) rejectMark(c *gin.Context, err error) {
	switch {
	case errors.Is(err, attendance.ErrInvalidPayload):
		metrics.Marks.WithLabelValues("invalid_payload").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid QR code format"})
	case errors.Is(err, attendance.ErrPayloadExpired):
		metrics.Marks.WithLabelValues("payload_expired").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "QR code has expired or is invalid"})
	case errors.Is(err, attendance.ErrSessionExpired):
		metrics.Marks.WithLabelValues("session_expired").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "QR code has expired or is invalid"})
	case errors.Is(err, attendance.ErrAlreadyMarked):
		metrics.Marks.WithLabelValues("already_marked").Inc()
		c.JSON(http.StatusConflict, gin.H{"error": "Attendance already marked for this session"})
	case errors.Is(err, attendance.ErrIssuerNotFound):
		metrics.Marks.WithLabelValues("issuer_missing").Inc()
		log.Printf("mark rejected: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server error"})
	default:
		metrics.Marks.WithLabelValues("error").Inc()
		log.Printf("mark failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server error"})
	}
}

func (h *Handler) StudentHistory(c *gin.Context) {
	u, ok := h.currentUser(c)
	if !ok {
		return
	}
	page, err := h.ledger.ListByStudent(c.Request.Context(), u.ID, historyFilter(c))
	if err != nil {
		log.Printf("student history failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server error"})
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) TeacherHistory(c *gin.Context) {
	u, ok := h.currentUser(c)
	if !ok {
		return
	}
	page, err := h.ledger.ListByTeacher(c.Request.Context(), u.ID, historyFilter(c))
	if err != nil {
		log.Printf("teacher history failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server error"})
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) AttendanceStats(c *gin.Context) {
	u, ok := h.currentUser(c)
	if !ok {
		return
	}

	now := time.Now().UTC()
	var since time.Time
	switch c.DefaultQuery("period", "month") {
	case "week":
		since = now.AddDate(0, 0, -7)
	case "year":
		since = now.AddDate(-1, 0, 0)
	default:
		since = now.AddDate(0, -1, 0)
	}

	stats, err := h.ledger.StatsBySubject(c.Request.Context(), u.ID, u.Role != users.RoleStudent, since)
	if err != nil {
		log.Printf("attendance stats failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

func historyFilter(c *gin.Context) attendance.HistoryFilter {
	f := attendance.HistoryFilter{Subject: c.Query("subject"), Page: 1, Limit: 10}
	if v := c.Query("page"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			f.Page = parsed
		}
	}
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			f.Limit = parsed
		}
	}
	if v := c.Query("startDate"); v != "" {
		if t, err := time.Parse("2006-01-02", v); err == nil {
			f.StartDate = t
		}
	}
	if v := c.Query("endDate"); v != "" {
		if t, err := time.Parse("2006-01-02", v); err == nil {
			f.EndDate = t.AddDate(0, 0, 1) // inclusive end date
		}
	}
	return f
}
