package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// DeleteFileHandler removes one file from a knowledge base graph.
func DeleteFileHandler(c echo.Context) error {
	type deleteFileParams struct {
		kbParams
		FileName string `json:"file_name" validate:"required"`
	}

	data := new(deleteFileParams)
	if ok, err := bindRequest(c, data); !ok {
		return err
	}

	if err := engine(c).DeleteFile(c.Request().Context(), data.Ref(), data.FileName); err != nil {
		return failed(c, "delete_file", err)
	}
	return c.JSON(http.StatusOK, statusResponse{Success: true, Message: "File deleted"})
}

// DeleteKBHandler removes a whole knowledge base.
func DeleteKBHandler(c echo.Context) error {
	data := new(kbParams)
	if ok, err := bindRequest(c, data); !ok {
		return err
	}

	if err := engine(c).DeleteKB(c.Request().Context(), data.Ref()); err != nil {
		return failed(c, "delete_kb", err)
	}
	return c.JSON(http.StatusOK, statusResponse{Success: true, Message: "Knowledge base deleted"})
}
