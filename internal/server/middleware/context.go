package middleware

import (
	"context"
	"time"

	"github.com/OFFIS-RIT/kgraph/internal/queue"
	"github.com/OFFIS-RIT/kgraph/pkg/graph"
	"github.com/OFFIS-RIT/kgraph/pkg/kb"
	"github.com/OFFIS-RIT/kgraph/pkg/store"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/labstack/echo/v4"
)

// Engine is the knowledge base service behind the routes.
type Engine interface {
	ExtractGraphData(ctx context.Context, req kb.ExtractRequest) (*kb.ExtractResponse, error)
	GenerateCommunityReports(ctx context.Context, ref store.KBRef) ([]kb.CommunityReport, error)
	DeleteFile(ctx context.Context, ref store.KBRef, fileName string) error
	DeleteKB(ctx context.Context, ref store.KBRef) error
	GetGraph(ctx context.Context, ref store.KBRef) ([]graph.Triple, error)
}

// Estimator predicts job durations. It may be nil.
type Estimator interface {
	Predict(ctx context.Context, kind string, amount int) (time.Duration, error)
}

type AppUser struct {
	UserID      string
	Role        string
	Permissions []string
}

type App struct {
	Engine         Engine
	Queue          queue.Publisher
	Timing         Estimator
	Key            keyfunc.Keyfunc
	MasterAPIKey   string
	MasterUserID   string
	MasterUserRole string
}

type AppContext struct {
	echo.Context
	App  *App
	User *AppUser
}

// AppContextMiddleware wraps every request context in an AppContext
// carrying app.
func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			return next(&AppContext{c, app, nil})
		}
	}
}
