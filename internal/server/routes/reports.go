package routes

import (
	"net/http"

	"github.com/OFFIS-RIT/kgraph/pkg/kb"

	"github.com/labstack/echo/v4"
)

// GenerateCommunityReportsHandler regenerates all community reports of a
// knowledge base.
func GenerateCommunityReportsHandler(c echo.Context) error {
	type reportsResponse struct {
		statusResponse
		Reports []kb.CommunityReport `json:"community_reports"`
	}

	data := new(kbParams)
	if ok, err := bindRequest(c, data); !ok {
		return err
	}

	reports, err := engine(c).GenerateCommunityReports(c.Request().Context(), data.Ref())
	if err != nil {
		return failed(c, "generate_community_reports", err)
	}
	if reports == nil {
		reports = []kb.CommunityReport{}
	}

	return c.JSON(http.StatusOK, reportsResponse{
		statusResponse: statusResponse{Success: true, Message: "Community reports generated"},
		Reports:        reports,
	})
}
