package routes

import (
	"net/http"

	"github.com/OFFIS-RIT/kgraph/pkg/kb"

	"github.com/labstack/echo/v4"
)

// ExtractGraphDataHandler extracts triples from the posted chunks and
// merges them into the knowledge base.
func ExtractGraphDataHandler(c echo.Context) error {
	type extractResponse struct {
		statusResponse
		GraphChunks []kb.GraphChunk `json:"graph_chunks"`
		Vocabulary  []string        `json:"graph_vocabulary_set"`
	}

	data := new(kb.ExtractRequest)
	if ok, err := bindRequest(c, data); !ok {
		return err
	}

	res, err := engine(c).ExtractGraphData(c.Request().Context(), *data)
	if err != nil {
		return failed(c, "extract_graph_data", err)
	}

	return c.JSON(http.StatusOK, extractResponse{
		statusResponse: statusResponse{Success: true, Message: "Graph data extracted"},
		GraphChunks:    res.GraphChunks,
		Vocabulary:     res.Vocabulary,
	})
}
