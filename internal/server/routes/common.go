package routes

import (
	"errors"
	"net/http"

	"github.com/OFFIS-RIT/kgraph/internal/server/middleware"
	"github.com/OFFIS-RIT/kgraph/pkg/logger"
	"github.com/OFFIS-RIT/kgraph/pkg/store"

	"github.com/labstack/echo/v4"
)

// kbParams addresses one knowledge base.
type kbParams struct {
	UserID string `json:"user_id" validate:"required"`
	KBName string `json:"kb_name" validate:"required"`
}

func (p kbParams) Ref() store.KBRef {
	return store.KBRef{UserID: p.UserID, KBName: p.KBName}
}

type statusResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// kbRequest is a request body addressing one knowledge base.
type kbRequest interface {
	Ref() store.KBRef
}

// bindRequest binds and validates data, then checks that the caller may
// act on the knowledge base it names. It writes the error response itself
// and reports whether the handler should continue.
func bindRequest(c echo.Context, data kbRequest) (bool, error) {
	if err := c.Bind(data); err != nil {
		return false, c.JSON(http.StatusBadRequest, statusResponse{Message: "Invalid request params"})
	}
	if err := c.Validate(data); err != nil {
		return false, c.JSON(http.StatusBadRequest, statusResponse{Message: "Invalid request params: " + err.Error()})
	}
	ref := data.Ref()
	if err := ref.Validate(); err != nil {
		return false, c.JSON(http.StatusBadRequest, statusResponse{Message: err.Error()})
	}
	return authorize(c, ref.UserID)
}

func authorize(c echo.Context, ownerID string) (bool, error) {
	user := c.(*middleware.AppContext).User
	if user == nil {
		return false, c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}
	if !middleware.CanAccessKB(user, ownerID) {
		return false, c.JSON(http.StatusForbidden, statusResponse{Message: "You are not allowed to access this knowledge base"})
	}
	return true, nil
}

// failed reports an engine error with HTTP 200 and success=false.
func failed(c echo.Context, op string, err error) error {
	logger.Error("Request failed", "op", op, "err", err)
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusOK, statusResponse{Message: "Knowledge base not found"})
	}
	return c.JSON(http.StatusOK, statusResponse{Message: err.Error()})
}

func engine(c echo.Context) middleware.Engine {
	return c.(*middleware.AppContext).App.Engine
}
