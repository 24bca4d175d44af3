package server

import (
	"github.com/OFFIS-RIT/kgraph/internal/server/middleware"
	"github.com/OFFIS-RIT/kgraph/internal/server/routes"

	"github.com/labstack/echo/v4"
)

func RegisterRoutes(e *echo.Echo) {
	// Health check route
	e.GET("/health", func(c echo.Context) error {
		return c.String(200, "OK")
	})

	apiRoutes := e.Group("/api", middleware.AuthMiddleware)

	// Knowledge base routes
	apiRoutes.POST("/extract_graph_data", routes.ExtractGraphDataHandler, middleware.RequirePermission("kb.extract"))
	apiRoutes.POST("/generate_community_reports", routes.GenerateCommunityReportsHandler, middleware.RequirePermission("kb.report"))
	apiRoutes.POST("/delete_file", routes.DeleteFileHandler, middleware.RequirePermission("kb.delete"))
	apiRoutes.POST("/delete_kb", routes.DeleteKBHandler, middleware.RequirePermission("kb.delete"))
	apiRoutes.POST("/get_kb_graph_data", routes.GetKBGraphDataHandler, middleware.RequirePermission("kb.view"))

	// Async job routes
	apiRoutes.POST("/jobs/:kind", routes.EnqueueJobHandler)
}
