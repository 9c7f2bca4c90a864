package api

import (
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/packfold/registry/internal/model"
	"github.com/packfold/registry/internal/repository"
	"github.com/packfold/registry/internal/service"
	"github.com/packfold/registry/internal/storage"
	"github.com/packfold/registry/pkg/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type envelope struct {
	Success    bool   `json:"success"`
	Data       any    `json:"data,omitempty"`
	Error      string `json:"error,omitempty"`
	Message    string `json:"message,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

var (
	teamNamePattern    = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,59}$`)
	packageNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,213}$`)
	versionPattern     = regexp.MustCompile(`^[0-9A-Za-z][0-9A-Za-z.+-]{0,63}$`)
)

type Handler struct {
	auth     *service.AuthService
	teams    *service.TeamService
	packages *service.PackageService

	store         *storage.Store
	healthChecker HealthChecker

	limiter         *RateLimiter
	rateLimit       int
	rateLimitWindow time.Duration

	development bool
	logger      *zap.Logger
}

func NewHandler(logger *zap.Logger) *Handler {
	return &Handler{
		logger:          logger,
		rateLimit:       100,
		rateLimitWindow: time.Minute,
	}
}

func (h *Handler) WithAuthService(s *service.AuthService) *Handler {
	h.auth = s
	return h
}

func (h *Handler) WithTeamService(s *service.TeamService) *Handler {
	h.teams = s
	return h
}

func (h *Handler) WithPackageService(s *service.PackageService) *Handler {
	h.packages = s
	return h
}

func (h *Handler) WithStore(s *storage.Store) *Handler {
	h.store = s
	return h
}

func (h *Handler) WithHealthChecker(c HealthChecker) *Handler {
	h.healthChecker = c
	return h
}

func (h *Handler) WithRateLimiter(rl *RateLimiter, limit int, window time.Duration) *Handler {
	h.limiter = rl
	h.rateLimit = limit
	h.rateLimitWindow = window
	return h
}

func (h *Handler) WithDevelopment(dev bool) *Handler {
	h.development = dev
	return h
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.Validator = NewValidator()
	e.Use(middleware.RequestID())
	e.Use(ZapLoggerMiddleware(h.logger))
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.BodyLimit("64M"))
	e.Use(SecurityHeadersMiddleware(h.development))

	if h.limiter != nil {
		e.Use(RateLimitMiddleware(h.limiter, h.rateLimit, h.rateLimitWindow))
	}

	e.GET("/health", h.healthChecker.HealthCheck())
	e.GET("/uploads/:filename", h.ServeArtifact)

	api := e.Group("/api")

	authGroup := api.Group("/auth")
	authGroup.POST("/register", h.Register)
	authGroup.POST("/login", h.Login)
	authGroup.GET("/profile", h.GetProfile, AuthMiddleware())
	authGroup.PUT("/profile", h.UpdateProfile, AuthMiddleware())
	authGroup.DELETE("/account", h.DeleteAccount, AuthMiddleware())

	api.GET("/users/:username", h.GetUserByUsername)

	teams := api.Group("/teams")
	teams.POST("", h.CreateTeam, AuthMiddleware())
	teams.GET("", h.ListTeams, OptionalAuthMiddleware())
	teams.GET("/:id", h.GetTeam, OptionalAuthMiddleware())
	teams.DELETE("/:id", h.DeleteTeam, AuthMiddleware())
	teams.GET("/:id/members", h.GetTeamMembers)
	teams.POST("/:id/members", h.AddTeamMember, AuthMiddleware())
	teams.PUT("/:id/members/:userId", h.UpdateTeamMemberRole, AuthMiddleware())
	teams.DELETE("/:id/members/:userId", h.RemoveTeamMember, AuthMiddleware())

	packages := api.Group("/packages")
	packages.POST("", h.PublishPackage, AuthMiddleware())
	packages.POST("/upload", h.UploadPackageFile, AuthMiddleware())
	packages.GET("", h.ListPackages)
	packages.GET("/stats", h.GetGlobalStats)
	packages.GET("/:name/versions", h.GetPackageVersions)
	packages.GET("/:name/:version", h.GetPackage)
	packages.GET("/:name/:version/download", h.DownloadPackage)
	packages.GET("/:name/:version/stats", h.GetDownloadStats)
	packages.DELETE("/:name/:version", h.DeletePackage, AuthMiddleware())
}

func (h *Handler) Register(e echo.Context) error {
	l := logger.FromContext(e.Request().Context())

	var req struct {
		Username string `json:"username" validate:"required,min=3,max=50"`
		Email    string `json:"email" validate:"required,email"`
		Password string `json:"password" validate:"required,min=8,max=128"`
	}

	if err := h.decodeRequest(e, &req); err != nil {
		return h.transportError(e, err)
	}

	l.Info("registering user", zap.String("username", req.Username))

	result, err := h.auth.Register(e.Request().Context(), req.Username, req.Email, req.Password)
	if err != nil {
		return h.transportError(e, err)
	}

	return e.JSON(http.StatusCreated, envelope{Success: true, Data: result, Message: "registration successful"})
}

func (h *Handler) Login(e echo.Context) error {
	var req struct {
		Username string `json:"username" validate:"required"`
		Password string `json:"password" validate:"required"`
	}

	if err := h.decodeRequest(e, &req); err != nil {
		return h.transportError(e, err)
	}

	result, err := h.auth.Login(e.Request().Context(), req.Username, req.Password)
	if err != nil {
		return h.transportError(e, err)
	}

	return e.JSON(http.StatusOK, envelope{Success: true, Data: result, Message: "login successful"})
}

func (h *Handler) GetProfile(e echo.Context) error {
	user, err := h.auth.Profile(e.Request().Context(), CurrentUserID(e))
	if err != nil {
		return h.transportError(e, err)
	}
	return e.JSON(http.StatusOK, envelope{Success: true, Data: user})
}

func (h *Handler) UpdateProfile(e echo.Context) error {
	var req struct {
		Username string `json:"username" validate:"required,min=3,max=50"`
		Email    string `json:"email" validate:"required,email"`
	}

	if err := h.decodeRequest(e, &req); err != nil {
		return h.transportError(e, err)
	}

	user, err := h.auth.UpdateProfile(e.Request().Context(), CurrentUserID(e), req.Username, req.Email)
	if err != nil {
		return h.transportError(e, err)
	}
	return e.JSON(http.StatusOK, envelope{Success: true, Data: user, Message: "profile updated"})
}

func (h *Handler) DeleteAccount(e echo.Context) error {
	if err := h.auth.DeleteAccount(e.Request().Context(), CurrentUserID(e)); err != nil {
		return h.transportError(e, err)
	}
	return e.JSON(http.StatusOK, envelope{Success: true, Message: "account deleted"})
}

func (h *Handler) GetUserByUsername(e echo.Context) error {
	user, err := h.auth.GetUserByUsername(e.Request().Context(), e.Param("username"))
	if err != nil {
		return h.transportError(e, err)
	}
	return e.JSON(http.StatusOK, envelope{Success: true, Data: user})
}

func (h *Handler) CreateTeam(e echo.Context) error {
	var req struct {
		Name        string `json:"name" validate:"required"`
		Description string `json:"description" validate:"max=500"`
	}

	if err := h.decodeRequest(e, &req); err != nil {
		return h.transportError(e, err)
	}
	if !teamNamePattern.MatchString(req.Name) {
		return h.transportError(e, service.NewError(service.ErrorCodeValidation,
			"team name must be a lowercase slug (letters, digits, hyphens)"))
	}

	team, err := h.teams.CreateTeam(e.Request().Context(), req.Name, req.Description, CurrentUserID(e))
	if err != nil {
		return h.transportError(e, err)
	}
	return e.JSON(http.StatusCreated, envelope{Success: true, Data: team, Message: "team created"})
}

func (h *Handler) ListTeams(e echo.Context) error {
	teams, err := h.teams.ListTeams(e.Request().Context(), CurrentUserID(e))
	if err != nil {
		return h.transportError(e, err)
	}
	return e.JSON(http.StatusOK, envelope{Success: true, Data: teams})
}

func (h *Handler) GetTeam(e echo.Context) error {
	team, err := h.teams.GetTeam(e.Request().Context(), e.Param("id"), CurrentUserID(e))
	if err != nil {
		return h.transportError(e, err)
	}
	return e.JSON(http.StatusOK, envelope{Success: true, Data: team})
}

func (h *Handler) DeleteTeam(e echo.Context) error {
	if err := h.teams.DeleteTeam(e.Request().Context(), e.Param("id"), CurrentUserID(e)); err != nil {
		return h.transportError(e, err)
	}
	return e.JSON(http.StatusOK, envelope{Success: true, Message: "team deleted"})
}

func (h *Handler) GetTeamMembers(e echo.Context) error {
	members, err := h.teams.GetMembers(e.Request().Context(), e.Param("id"))
	if err != nil {
		return h.transportError(e, err)
	}
	return e.JSON(http.StatusOK, envelope{Success: true, Data: members})
}

func (h *Handler) AddTeamMember(e echo.Context) error {
	var req struct {
		Username string `json:"username" validate:"required"`
		Role     string `json:"role" validate:"required,oneof=admin member"`
	}

	if err := h.decodeRequest(e, &req); err != nil {
		return h.transportError(e, err)
	}

	member, err := h.teams.AddMember(e.Request().Context(), e.Param("id"), req.Username, model.Role(req.Role), CurrentUserID(e))
	if err != nil {
		return h.transportError(e, err)
	}
	return e.JSON(http.StatusCreated, envelope{Success: true, Data: member, Message: "member added"})
}

func (h *Handler) UpdateTeamMemberRole(e echo.Context) error {
	var req struct {
		Role string `json:"role" validate:"required,oneof=admin member"`
	}

	if err := h.decodeRequest(e, &req); err != nil {
		return h.transportError(e, err)
	}

	member, err := h.teams.UpdateMemberRole(e.Request().Context(),
		e.Param("id"), e.Param("userId"), model.Role(req.Role), CurrentUserID(e))
	if err != nil {
		return h.transportError(e, err)
	}
	return e.JSON(http.StatusOK, envelope{Success: true, Data: member, Message: "member role updated"})
}

func (h *Handler) RemoveTeamMember(e echo.Context) error {
	if err := h.teams.RemoveMember(e.Request().Context(), e.Param("id"), e.Param("userId"), CurrentUserID(e)); err != nil {
		return h.transportError(e, err)
	}
	return e.JSON(http.StatusOK, envelope{Success: true, Message: "member removed"})
}

func (h *Handler) PublishPackage(e echo.Context) error {
	var req struct {
		Name        string   `json:"name" validate:"required"`
		Version     string   `json:"version" validate:"required"`
		Description string   `json:"description" validate:"max=1000"`
		TeamName    string   `json:"teamName"`
		Tags        []string `json:"tags" validate:"max=20,dive,min=1,max=50"`
	}

	if err := h.decodeRequest(e, &req); err != nil {
		return h.transportError(e, err)
	}
	if !packageNamePattern.MatchString(req.Name) {
		return h.transportError(e, service.NewError(service.ErrorCodeValidation, "invalid package name"))
	}
	if !versionPattern.MatchString(req.Version) {
		return h.transportError(e, service.NewError(service.ErrorCodeValidation, "invalid package version"))
	}

	pkg, err := h.packages.Publish(e.Request().Context(), &service.PublishInput{
		Name:        req.Name,
		Version:     req.Version,
		Description: req.Description,
		TeamName:    req.TeamName,
		Tags:        req.Tags,
	}, CurrentUserID(e))
	if err != nil {
		return h.transportError(e, err)
	}
	return e.JSON(http.StatusCreated, envelope{Success: true, Data: pkg, Message: "package published successfully"})
}

func (h *Handler) UploadPackageFile(e echo.Context) error {
	l := logger.FromContext(e.Request().Context())

	packageName := e.FormValue("packageName")
	version := e.FormValue("version")
	if packageName == "" || version == "" {
		return h.transportError(e, service.NewError(service.ErrorCodeValidation, "package name and version are required"))
	}

	fileHeader, err := e.FormFile("file")
	if err != nil {
		return h.transportError(e, service.NewError(service.ErrorCodeValidation, "no file provided"))
	}

	src, err := fileHeader.Open()
	if err != nil {
		l.Error("failed to open uploaded file", zap.Error(err))
		return h.transportError(e, service.NewError(service.ErrorCodeUnspecified, "failed to read uploaded file"))
	}
	defer src.Close()

	buf, err := io.ReadAll(src)
	if err != nil {
		l.Error("failed to read uploaded file", zap.Error(err))
		return h.transportError(e, service.NewError(service.ErrorCodeUnspecified, "failed to read uploaded file"))
	}

	pkg, svcErr := h.packages.AttachArtifact(e.Request().Context(),
		packageName, version, CurrentUserID(e),
		buf, fileHeader.Filename, fileHeader.Header.Get(echo.HeaderContentType))
	if svcErr != nil {
		return h.transportError(e, svcErr)
	}

	return e.JSON(http.StatusOK, envelope{Success: true, Data: pkg, Message: "file uploaded and package updated successfully"})
}

func (h *Handler) ListPackages(e echo.Context) error {
	filter := &repository.PackageFilter{
		Search: e.QueryParam("search"),
		Owner:  e.QueryParam("owner"),
		Team:   e.QueryParam("team"),
		Limit:  queryInt(e, "limit", 20),
		Offset: queryInt(e, "offset", 0),
	}
	if tags := e.QueryParam("tags"); tags != "" {
		for _, tag := range strings.Split(tags, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				filter.Tags = append(filter.Tags, tag)
			}
		}
	}

	list, err := h.packages.List(e.Request().Context(), filter)
	if err != nil {
		return h.transportError(e, err)
	}
	return e.JSON(http.StatusOK, envelope{Success: true, Data: list})
}

func (h *Handler) GetGlobalStats(e echo.Context) error {
	stats, err := h.packages.GlobalStats(e.Request().Context())
	if err != nil {
		return h.transportError(e, err)
	}
	return e.JSON(http.StatusOK, envelope{Success: true, Data: stats})
}

func (h *Handler) GetPackageVersions(e echo.Context) error {
	versions, err := h.packages.GetVersions(e.Request().Context(), e.Param("name"))
	if err != nil {
		return h.transportError(e, err)
	}
	return e.JSON(http.StatusOK, envelope{Success: true, Data: versions})
}

func (h *Handler) GetPackage(e echo.Context) error {
	pkg, err := h.packages.Get(e.Request().Context(), e.Param("name"), e.Param("version"))
	if err != nil {
		return h.transportError(e, err)
	}
	return e.JSON(http.StatusOK, envelope{Success: true, Data: pkg})
}

func (h *Handler) DownloadPackage(e echo.Context) error {
	url, err := h.packages.Download(e.Request().Context(),
		e.Param("name"), e.Param("version"),
		e.RealIP(), e.Request().UserAgent())
	if err != nil {
		return h.transportError(e, err)
	}
	return e.Redirect(http.StatusFound, url)
}

func (h *Handler) GetDownloadStats(e echo.Context) error {
	days := queryInt(e, "days", 7)

	stats, err := h.packages.Stats(e.Request().Context(), e.Param("name"), e.Param("version"), days)
	if err != nil {
		return h.transportError(e, err)
	}
	return e.JSON(http.StatusOK, envelope{Success: true, Data: stats})
}

func (h *Handler) DeletePackage(e echo.Context) error {
	if err := h.packages.Delete(e.Request().Context(), e.Param("name"), e.Param("version"), CurrentUserID(e)); err != nil {
		return h.transportError(e, err)
	}
	return e.JSON(http.StatusOK, envelope{Success: true, Message: "package deleted successfully"})
}

// ServeArtifact streams a stored archive. The filename must match the
// content-addressed naming scheme; anything else is a 404 before any
// filesystem access happens.
func (h *Handler) ServeArtifact(e echo.Context) error {
	l := logger.FromContext(e.Request().Context())

	fileName := e.Param("filename")
	path, err := h.store.Open(fileName)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return h.transportError(e, service.NewError(service.ErrorCodeNotFound, "file not found"))
		}
		l.Error("failed to open artifact", zap.String("file", fileName), zap.Error(err))
		return h.transportError(e, service.NewError(service.ErrorCodeUnspecified, "failed to serve file"))
	}

	// Attribute the download to the referencing package version; failures
	// here never block the file transfer.
	checksum := strings.TrimSuffix(fileName, ".tar.gz")
	if pkg, svcErr := h.packages.GetByChecksum(e.Request().Context(), checksum); svcErr == nil {
		if svcErr = h.packages.RecordDownload(e.Request().Context(),
			pkg.Name, pkg.Version, e.RealIP(), e.Request().UserAgent()); svcErr != nil {
			l.Warn("failed to record download", zap.String("file", fileName), zap.String("error", svcErr.Message))
		}
	}

	e.Response().Header().Set(echo.HeaderContentType, "application/gzip")
	e.Response().Header().Set("Cache-Control", "public, max-age=31536000")
	return e.Attachment(path, fileName)
}

func queryInt(e echo.Context, name string, fallback int) int {
	value := e.QueryParam(name)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

func (h *Handler) decodeRequest(e echo.Context, req any) *service.Error {
	if err := e.Bind(req); err != nil {
		return service.NewError(service.ErrorCodeValidation, "invalid request body")
	}

	if err := e.Validate(req); err != nil {
		return service.NewError(service.ErrorCodeValidation, errors.Wrap(err, "request validation failed").Error())
	}
	return nil
}

func (h *Handler) transportError(e echo.Context, err *service.Error) error {
	response := envelope{
		Success: false,
		Error:   err.Message,
	}

	switch err.Code {
	case service.ErrorCodeValidation:
		return e.JSON(http.StatusBadRequest, response)
	case service.ErrorCodeAuthentication:
		return e.JSON(http.StatusUnauthorized, response)
	case service.ErrorCodeAuthorization:
		return e.JSON(http.StatusForbidden, response)
	case service.ErrorCodeNotFound:
		return e.JSON(http.StatusNotFound, response)
	case service.ErrorCodeConflict:
		return e.JSON(http.StatusConflict, response)
	case service.ErrorCodeRateLimited:
		return e.JSON(http.StatusTooManyRequests, response)
	default:
		if h.development {
			return e.JSON(http.StatusInternalServerError, response)
		}
		// Details stay in the server logs outside development.
		response.Error = "internal server error"
		return e.JSON(http.StatusInternalServerError, response)
	}
}
