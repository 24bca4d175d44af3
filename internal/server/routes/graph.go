package routes

import (
	"net/http"

	"github.com/OFFIS-RIT/kgraph/pkg/graph"

	"github.com/labstack/echo/v4"
)

// GetKBGraphDataHandler returns the stored graph of a knowledge base as
// triples.
func GetKBGraphDataHandler(c echo.Context) error {
	type graphResponse struct {
		statusResponse
		GraphData []graph.Triple `json:"graph_data"`
	}

	data := new(kbParams)
	if ok, err := bindRequest(c, data); !ok {
		return err
	}

	triples, err := engine(c).GetGraph(c.Request().Context(), data.Ref())
	if err != nil {
		return failed(c, "get_kb_graph_data", err)
	}
	if triples == nil {
		triples = []graph.Triple{}
	}
	return c.JSON(http.StatusOK, graphResponse{
		statusResponse: statusResponse{Success: true, Message: "Graph data loaded"},
		GraphData:      triples,
	})
}
