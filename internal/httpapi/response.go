package httpapi

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/ililio1/chesshelper/internal/assets"
	"github.com/ililio1/chesshelper/internal/engine"
	"github.com/ililio1/chesshelper/internal/ingest"
	"github.com/ililio1/chesshelper/internal/provider"
	"github.com/ililio1/chesshelper/internal/review"
	"github.com/ililio1/chesshelper/internal/store"
)

// Error codes returned in ErrorResponse.Code.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeNotFound       = "NOT_FOUND"
	CodeUnavailable    = "UPSTREAM_UNAVAILABLE"
	CodeNotReady       = "NOT_READY"
	CodeInternal       = "INTERNAL_ERROR"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

// LinkRequest links a provider handle to a user.
type LinkRequest struct {
	Provider string `json:"provider" validate:"required,oneof=lichess chesscom"`
	Handle   string `json:"handle" validate:"required,min=2,max=64"`
}

// AttemptRequest carries a move typed by the user, SAN or UCI.
type AttemptRequest struct {
	Move string `json:"move" validate:"required,max=16"`
}

type AccountResponse struct {
	Provider string `json:"provider"`
	Handle   string `json:"handle"`
}

// UserResponse is the profile view of a user.
type UserResponse struct {
	ID       int64               `json:"id"`
	Accounts []AccountResponse   `json:"accounts"`
	Counts   store.BlunderCounts `json:"counts"`
}

func toUserResponse(u *store.User, counts store.BlunderCounts) UserResponse {
	resp := UserResponse{ID: u.ID, Accounts: make([]AccountResponse, 0, len(u.Accounts)), Counts: counts}
	for _, a := range u.Accounts {
		resp.Accounts = append(resp.Accounts, AccountResponse{Provider: string(a.Provider), Handle: a.Handle})
	}
	return resp
}

// SyncResponse reports the outcome of a sync request.
type SyncResponse struct {
	ingest.Summary
	Message string `json:"message"`
}

// ReplyResponse is a review reply with image links instead of bytes.
type ReplyResponse struct {
	review.Reply
	ImageURL string         `json:"image_url,omitempty"`
	Card     *CardResponse  `json:"card,omitempty"`
	Next     *ReplyResponse `json:"next,omitempty"`
}

type CardResponse struct {
	review.Card
	ImageURL string `json:"image_url"`
}

// toReplyResponse replaces inline images with asset URLs the front end can
// fetch separately.
func toReplyResponse(r review.Reply) *ReplyResponse {
	out := &ReplyResponse{Reply: r}
	out.Reply.Card, out.Reply.Next = nil, nil
	if r.Card != nil {
		out.Card = &CardResponse{
			Card:     *r.Card,
			ImageURL: assetURL(r.Card.BlunderID, store.AssetKey{Kind: store.AssetError, Orientation: orientation(r.Card.Side)}),
		}
	}
	if r.BlunderID != 0 {
		switch r.Kind {
		case review.KindSolution:
			out.ImageURL = assetURL(r.BlunderID, store.AssetKey{Kind: store.AssetBest, Orientation: orientation(r.Side)})
		case review.KindContinuation:
			out.ImageURL = assetURL(r.BlunderID, store.AssetKey{Kind: store.AssetLine, Orientation: orientation(r.Side)})
		}
	}
	if r.Next != nil {
		out.Next = toReplyResponse(*r.Next)
	}
	return out
}

func orientation(side string) store.Orientation {
	if side == string(store.OrientationBlack) {
		return store.OrientationBlack
	}
	return store.OrientationWhite
}

func assetURL(id uint, key store.AssetKey) string {
	return "/v1/blunders/" + strconv.FormatUint(uint64(id), 10) + "/assets/" + string(key.Kind) + "/" + string(key.Orientation)
}

// writeError maps domain errors onto HTTP statuses.
func writeError(c *fiber.Ctx, err error) error {
	status, code := fiber.StatusInternalServerError, CodeInternal
	msg := "internal server error"
	switch {
	case errors.Is(err, store.ErrNotFound):
		status, code, msg = fiber.StatusNotFound, CodeNotFound, "not found"
	case errors.Is(err, assets.ErrNotReady):
		status, code, msg = fiber.StatusConflict, CodeNotReady, "analysis still running"
	case errors.Is(err, provider.ErrProviderUnavailable):
		status, code, msg = fiber.StatusBadGateway, CodeUnavailable, "provider unavailable"
	case errors.Is(err, engine.ErrEngineUnavailable):
		status, code, msg = fiber.StatusServiceUnavailable, CodeUnavailable, "engine unavailable"
	}
	return c.Status(status).JSON(ErrorResponse{Error: msg, Code: code, Details: err.Error()})
}

func badRequest(c *fiber.Ctx, msg, details string) error {
	return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: msg, Code: CodeInvalidRequest, Details: details})
}
