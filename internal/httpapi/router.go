// Package httpapi exposes the front-end commands over JSON.
package httpapi

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/ililio1/chesshelper/internal/ingest"
	"github.com/ililio1/chesshelper/internal/review"
	"github.com/ililio1/chesshelper/internal/store"
)

// Users is the part of the store the handlers read and write.
type Users interface {
	Ping(ctx context.Context) error
	UpsertUser(ctx context.Context, id int64) (*store.User, error)
	GetUser(ctx context.Context, id int64) (*store.User, error)
	LinkAccount(ctx context.Context, userID int64, p store.Provider, handle string) (*store.Account, error)
	CountBlunders(ctx context.Context, userID int64) (store.BlunderCounts, error)
	GetBlunder(ctx context.Context, id uint) (*store.Blunder, error)
}

type Syncer interface {
	SyncUser(ctx context.Context, userID int64) (ingest.Summary, error)
}

// Reviewer is implemented by *review.Manager.
type Reviewer interface {
	Start(ctx context.Context, userID int64) (review.Reply, error)
	Status(ctx context.Context, userID int64) (review.Reply, error)
	RequestAnswer(ctx context.Context, userID int64) (review.Reply, error)
	RequestFix(ctx context.Context, userID int64) (review.Reply, error)
	Attempt(ctx context.Context, userID int64, text string) (review.Reply, error)
	ShowSolution(ctx context.Context, userID int64) (review.Reply, error)
	ShowContinuation(ctx context.Context, userID int64) (review.Reply, error)
	Next(ctx context.Context, userID int64) (review.Reply, error)
	Back(ctx context.Context, userID int64) (review.Reply, error)
}

type Assets interface {
	Asset(ctx context.Context, b *store.Blunder, key store.AssetKey) ([]byte, error)
}

// Config wires the handlers. Stats is optional.
type Config struct {
	Users  Users
	Sync   Syncer
	Review Reviewer
	Assets Assets
	Stats  func() map[string]any
	Logger zerolog.Logger
}

// Handler serves the JSON API.
type Handler struct {
	cfg Config
	log zerolog.Logger
}

// NewRouter creates the fiber app with all routes registered.
func NewRouter(cfg Config) *fiber.App {
	h := &Handler{cfg: cfg, log: cfg.Logger.With().Str("component", "http").Logger()}

	app := fiber.New(fiber.Config{
		ErrorHandler:          h.errorHandler,
		ReadTimeout:           15 * time.Second,
		WriteTimeout:          5 * time.Minute, // sync analyzes games inline
		IdleTimeout:           60 * time.Second,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(RequestID)
	app.Use(AccessLog(h.log))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,X-Request-ID",
	}))

	app.Get("/healthz", h.health)
	app.Get("/readyz", h.ready)

	v1 := app.Group("/v1")
	v1.Get("/stats", h.stats)
	v1.Get("/blunders/:id/assets/:kind/:orientation", h.asset)

	users := v1.Group("/users/:id")
	users.Put("/", h.upsertUser)
	users.Get("/", h.profile)
	users.Post("/accounts", h.link)
	users.Post("/sync", h.sync)

	rv := users.Group("/review")
	rv.Post("/", h.reviewAction(Reviewer.Start))
	rv.Get("/", h.reviewAction(Reviewer.Status))
	rv.Post("/attempt", h.attempt)
	rv.Post("/answer", h.reviewAction(Reviewer.RequestAnswer))
	rv.Post("/fix", h.reviewAction(Reviewer.RequestFix))
	rv.Post("/solution", h.reviewAction(Reviewer.ShowSolution))
	rv.Post("/continuation", h.reviewAction(Reviewer.ShowContinuation))
	rv.Post("/next", h.reviewAction(Reviewer.Next))
	rv.Post("/back", h.reviewAction(Reviewer.Back))

	return app
}

func (h *Handler) errorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code := CodeInternal
		switch fe.Code {
		case fiber.StatusNotFound:
			code = CodeNotFound
		case fiber.StatusBadRequest, fiber.StatusMethodNotAllowed:
			code = CodeInvalidRequest
		}
		return c.Status(fe.Code).JSON(ErrorResponse{Error: fe.Message, Code: code})
	}
	h.log.Error().Err(err).Str("rid", GetRequestID(c)).Msg("unhandled error")
	return writeError(c, err)
}

func (h *Handler) health(c *fiber.Ctx) error {
	return c.SendString("ok")
}

func (h *Handler) ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()
	if err := h.cfg.Users.Ping(ctx); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(ErrorResponse{
			Error: "database unavailable", Code: CodeUnavailable, Details: err.Error(),
		})
	}
	return c.SendString("ok")
}

func (h *Handler) stats(c *fiber.Ctx) error {
	if h.cfg.Stats == nil {
		return c.JSON(fiber.Map{})
	}
	return c.JSON(h.cfg.Stats())
}

func userID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return 0, fiber.NewError(fiber.StatusBadRequest, "user id must be an integer")
	}
	return id, nil
}

func (h *Handler) upsertUser(c *fiber.Ctx) error {
	id, err := userID(c)
	if err != nil {
		return err
	}
	if _, err := h.cfg.Users.UpsertUser(c.UserContext(), id); err != nil {
		return writeError(c, err)
	}
	return h.writeProfile(c, id)
}

func (h *Handler) profile(c *fiber.Ctx) error {
	id, err := userID(c)
	if err != nil {
		return err
	}
	return h.writeProfile(c, id)
}

func (h *Handler) writeProfile(c *fiber.Ctx, id int64) error {
	ctx := c.UserContext()
	u, err := h.cfg.Users.GetUser(ctx, id)
	if err != nil {
		return writeError(c, err)
	}
	counts, err := h.cfg.Users.CountBlunders(ctx, id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(toUserResponse(u, counts))
}

func (h *Handler) link(c *fiber.Ctx) error {
	id, err := userID(c)
	if err != nil {
		return err
	}
	var req LinkRequest
	if ok, err := bind(c, &req); !ok {
		return err
	}
	acc, err := h.cfg.Users.LinkAccount(c.UserContext(), id, store.Provider(req.Provider), req.Handle)
	if err != nil {
		return writeError(c, err)
	}
	h.log.Info().Int64("user", id).Str("provider", req.Provider).Str("handle", acc.Handle).Msg("account linked")
	return c.Status(fiber.StatusCreated).JSON(AccountResponse{Provider: string(acc.Provider), Handle: acc.Handle})
}

func (h *Handler) sync(c *fiber.Ctx) error {
	id, err := userID(c)
	if err != nil {
		return err
	}
	sum, err := h.cfg.Sync.SyncUser(c.UserContext(), id)
	if err != nil {
		return writeError(c, err)
	}
	msg := "no new blunders"
	if sum.Blunders > 0 {
		msg = strconv.Itoa(sum.Blunders) + " new blunders"
	}
	return c.JSON(SyncResponse{Summary: sum, Message: msg})
}

func (h *Handler) reviewAction(action func(Reviewer, context.Context, int64) (review.Reply, error)) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := userID(c)
		if err != nil {
			return err
		}
		r, err := action(h.cfg.Review, c.UserContext(), id)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(toReplyResponse(r))
	}
}

func (h *Handler) attempt(c *fiber.Ctx) error {
	id, err := userID(c)
	if err != nil {
		return err
	}
	var req AttemptRequest
	if ok, err := bind(c, &req); !ok {
		return err
	}
	r, err := h.cfg.Review.Attempt(c.UserContext(), id, req.Move)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(toReplyResponse(r))
}

func (h *Handler) asset(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "blunder id must be an integer")
	}
	key := store.AssetKey{
		Kind:        store.AssetKind(c.Params("kind")),
		Orientation: store.Orientation(c.Params("orientation")),
	}
	if !validKey(key) {
		return fiber.NewError(fiber.StatusNotFound, "unknown asset "+key.String())
	}

	ctx := c.UserContext()
	b, err := h.cfg.Users.GetBlunder(ctx, uint(id))
	if err != nil {
		return writeError(c, err)
	}
	data, err := h.cfg.Assets.Asset(ctx, b, key)
	if err != nil {
		return writeError(c, err)
	}
	c.Set(fiber.HeaderContentType, "image/gif")
	c.Set(fiber.HeaderCacheControl, "public, max-age=86400")
	return c.Send(data)
}

func validKey(key store.AssetKey) bool {
	for _, k := range store.AllAssetKeys() {
		if k == key {
			return true
		}
	}
	return false
}
