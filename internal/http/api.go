package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/static"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"bot-panel/internal/domain"
	"bot-panel/internal/metrics"
	"bot-panel/internal/service"
	"bot-panel/internal/watcher"
)

// Services are the domain services the HTTP layer drives.
type Services struct {
	Ledger service.LedgerService
	Deploy service.DeployService
	Bots   service.BotService
	// Users is only set in local auth mode.
	Users   service.UserService
	Watcher watcher.Watcher
}

type Options struct {
	Auth Authenticator
	// Issuer signs session tokens after /auth/login; nil disables local auth routes.
	Issuer      *TokenIssuer
	RateLimiter *IPRateLimiter
	Metrics     *metrics.Metrics
	Logger      logrus.FieldLogger
	CORSOrigins []string
	StaticDir   string
}

// Handler wires HTTP routes to domain services.
type Handler struct {
	ledger   service.LedgerService
	deploy   service.DeployService
	bots     service.BotService
	users    service.UserService
	watcher  watcher.Watcher
	opts     Options
	log      logrus.FieldLogger
	upgrader websocket.Upgrader
}

func NewHandler(svc Services, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &Handler{
		ledger:   svc.Ledger,
		deploy:   svc.Deploy,
		bots:     svc.Bots,
		users:    svc.Users,
		watcher:  svc.Watcher,
		opts:     opts,
		log:      opts.Logger.WithField("component", "http"),
		upgrader: newUpgrader(opts.CORSOrigins),
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(requestLogger(h.log, h.opts.Metrics))
	router.Use(corsMiddleware(h.opts.CORSOrigins))
	if h.opts.StaticDir != "" {
		router.Use(static.Serve("/", static.LocalFile(h.opts.StaticDir, true)))
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if h.opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(h.opts.Metrics.Handler()))
	}

	api := router.Group("/")
	if h.opts.RateLimiter != nil {
		api.Use(h.opts.RateLimiter.Middleware())
	}
	{
		api.GET("/repo-status", h.repoStatus)
		api.GET("/bot-status", h.botStatus)
		api.POST("/redeploy", h.redeploy)
	}

	if h.opts.Issuer != nil && h.users != nil {
		auth := api.Group("/auth")
		auth.POST("/register", h.register)
		auth.POST("/login", h.login)
	}

	authed := api.Group("/")
	authed.Use(requireAuth(h.opts.Auth))
	{
		authed.POST("/account", h.openAccount)
		authed.GET("/account", h.getAccount)
		authed.POST("/claim", h.claim)
		authed.POST("/recharge", h.recharge)
		authed.POST("/deploy", h.deployApp)
		authed.GET("/deployments", h.listDeployments)

		authed.POST("/start", h.start)
		authed.POST("/stop", h.stop)
		authed.POST("/update", h.update)
		authed.POST("/destroy", h.destroy)
		authed.GET("/logs", h.logs)
		authed.GET("/logs/stream", h.streamLogs)
		authed.POST("/logs/archive", h.archiveLogs)
		authed.GET("/logs/archive", h.listArchives)

		if h.users != nil {
			authed.GET("/auth/me", h.me)
		}
	}
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", herokuKeyHeader},
		ExposeHeaders: []string{"Retry-After"},
		MaxAge:        12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
		}
	}
	if !cfg.AllowAllOrigins {
		cfg.AllowOrigins = origins
		if len(origins) == 0 {
			cfg.AllowAllOrigins = true
		}
	}
	return cors.New(cfg)
}

// herokuKeyHeader lets GET callers supply their own platform key.
const herokuKeyHeader = "X-Heroku-Api-Key"

type credentialsRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	Secret   string `json:"secret"`
}

func (h *Handler) register(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	user, err := h.users.Register(c.Request.Context(), req.Username, req.Password, req.Secret)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": user.ID, "username": user.Username})
}

func (h *Handler) login(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	user, err := h.users.Authenticate(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		respondError(c, err)
		return
	}
	token, expires, err := h.opts.Issuer.Issue(user)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expiresAt": expires.UTC()})
}

func (h *Handler) me(c *gin.Context) {
	user, err := h.users.GetByID(c.Request.Context(), identityFrom(c).Subject)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": user.ID, "username": user.Username, "createdAt": user.CreatedAt.UTC()})
}

func accountResponse(acc *domain.Account) gin.H {
	return gin.H{
		"id":           acc.ID,
		"tokens":       acc.Tokens,
		"lastClaim":    acc.LastClaim,
		"lastRecharge": acc.LastRecharge,
	}
}

func (h *Handler) openAccount(c *gin.Context) {
	acc, err := h.ledger.Open(c.Request.Context(), identityFrom(c).Subject)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, accountResponse(acc))
}

func (h *Handler) getAccount(c *gin.Context) {
	acc, err := h.ledger.Get(c.Request.Context(), identityFrom(c).Subject)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, accountResponse(acc))
}

func (h *Handler) claim(c *gin.Context) {
	tokens, err := h.ledger.Claim(c.Request.Context(), identityFrom(c).Subject)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tokens": tokens})
}

type rechargeRequest struct {
	Key string `json:"key"`
}

func (h *Handler) recharge(c *gin.Context) {
	var req rechargeRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	tokens, err := h.ledger.Recharge(c.Request.Context(), identityFrom(c).Subject, req.Key)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tokens": tokens})
}

type deployRequest struct {
	EnvVars []domain.EnvVar `json:"envVars"`
}

func (h *Handler) deployApp(c *gin.Context) {
	var req deployRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	res, err := h.ledger.Deploy(c.Request.Context(), identityFrom(c).Subject, service.DeployParams{EnvVars: req.EnvVars})
	if err != nil {
		respondError(c, err)
		return
	}
	if h.watcher != nil {
		if err := h.watcher.Watch(c.Request.Context(), res.DeploymentID); err != nil {
			h.log.WithError(err).WithField("deployment", res.DeploymentID).Warn("Failed to watch build")
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"message":  "Deployment started",
		"appName":  res.AppName,
		"buildId":  res.BuildID,
		"build_id": res.BuildID,
	})
}

func (h *Handler) listDeployments(c *gin.Context) {
	deployments, err := h.bots.Deployments(c.Request.Context(), identityFrom(c).Subject)
	if err != nil {
		respondError(c, err)
		return
	}
	if deployments == nil {
		deployments = []domain.Deployment{}
	}
	c.JSON(http.StatusOK, deployments)
}

type redeployRequest struct {
	HerokuAPIKey  string `json:"herokuApiKey"`
	HerokuAppName string `json:"herokuAppName"`
	SessionID     string `json:"sessionId"`
	Prefix        string `json:"prefix"`
}

func (h *Handler) redeploy(c *gin.Context) {
	var req redeployRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	res, err := h.deploy.Redeploy(c.Request.Context(), service.RedeployRequest{
		APIKey:    req.HerokuAPIKey,
		AppName:   req.HerokuAppName,
		SessionID: req.SessionID,
		Prefix:    req.Prefix,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type controlBody struct {
	AppName       string          `json:"appName"`
	HerokuAppName string          `json:"herokuAppName"`
	HerokuAPIKey  string          `json:"herokuApiKey"`
	EnvVars       []domain.EnvVar `json:"envVars"`
}

// controlRequest builds a request for the caller. The first non-empty app
// name wins; the platform key falls back to the X-Heroku-Api-Key header.
func (h *Handler) controlRequest(c *gin.Context, appName, altAppName, apiKey string) service.ControlRequest {
	if strings.TrimSpace(appName) == "" {
		appName = altAppName
	}
	if apiKey == "" {
		apiKey = c.GetHeader(herokuKeyHeader)
	}
	req := service.ControlRequest{AppName: strings.TrimSpace(appName), APIKey: apiKey}
	if id := identityFrom(c); id != nil {
		req.AccountID = id.Subject
	}
	return req
}

func (h *Handler) bindControl(c *gin.Context) (service.ControlRequest, []domain.EnvVar, bool) {
	var body controlBody
	if !bindOptionalJSON(c, &body) {
		return service.ControlRequest{}, nil, false
	}
	return h.controlRequest(c, body.AppName, body.HerokuAppName, body.HerokuAPIKey), body.EnvVars, true
}

func (h *Handler) start(c *gin.Context) {
	req, _, ok := h.bindControl(c)
	if !ok {
		return
	}
	raw, err := h.bots.Start(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", raw)
}

func (h *Handler) stop(c *gin.Context) {
	req, _, ok := h.bindControl(c)
	if !ok {
		return
	}
	raw, err := h.bots.Stop(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", raw)
}

func (h *Handler) update(c *gin.Context) {
	req, vars, ok := h.bindControl(c)
	if !ok {
		return
	}
	raw, err := h.bots.Update(c.Request.Context(), service.UpdateRequest{ControlRequest: req, EnvVars: vars})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Update successful", "data": raw})
}

func (h *Handler) destroy(c *gin.Context) {
	req, _, ok := h.bindControl(c)
	if !ok {
		return
	}
	if err := h.bots.Destroy(c.Request.Context(), req); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "App deleted", "appName": req.AppName})
}

func (h *Handler) logs(c *gin.Context) {
	req := h.controlRequest(c, c.Query("appName"), c.Query("herokuAppName"), "")
	logs, err := h.bots.Logs(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

func (h *Handler) archiveLogs(c *gin.Context) {
	req := h.controlRequest(c, c.Query("appName"), c.Query("herokuAppName"), "")
	saved, err := h.bots.ArchiveLogs(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, saved)
}

func (h *Handler) listArchives(c *gin.Context) {
	req := h.controlRequest(c, c.Query("appName"), c.Query("herokuAppName"), "")
	list, err := h.bots.ListArchives(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"archives": list})
}

func (h *Handler) repoStatus(c *gin.Context) {
	commit, err := h.bots.RepoStatus(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, commit)
}

// botStatus never fails on probe errors; an unreachable app is reported as stopped.
func (h *Handler) botStatus(c *gin.Context) {
	appName := c.Query("appName")
	if appName == "" {
		appName = c.Query("herokuAppName")
	}

	status, err := h.bots.Status(c.Request.Context(), appName)
	if errors.Is(err, service.ErrMissingParameter) || errors.Is(err, service.ErrInvalidAppName) {
		respondError(c, err)
		return
	}
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"status": "stopped", "error": err.Error()})
		return
	}
	if status.Running {
		c.JSON(http.StatusOK, gin.H{"status": "running"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped", "code": status.StatusCode})
}
