package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/strayhat/switchboard/core/errclass"
)

// GetSession returns the current conversation state. Unknown sessions
// answer with an empty state, mirroring what the pipeline would start
// from.
func (s *APIV1Service) GetSession(c echo.Context) error {
	state := s.Orchestrator.SessionState(c.Request().Context(), c.Param("id"))
	return c.JSON(http.StatusOK, state)
}

// ListSessionCheckpoints returns the session's restore points, newest
// first.
func (s *APIV1Service) ListSessionCheckpoints(c echo.Context) error {
	infos, err := s.Sessions.ListCheckpoints(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list checkpoints").SetInternal(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"checkpoints": infos})
}

type rollbackRequest struct {
	// Checkpoint names the restore point; empty selects the most recent
	// one.
	Checkpoint string `json:"checkpoint"`
}

// RollbackSession restores a session to a named checkpoint and persists
// the restored state as the new head.
func (s *APIV1Service) RollbackSession(c echo.Context) error {
	var req rollbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body").SetInternal(err)
	}

	state, err := s.Orchestrator.Rollback(c.Request().Context(), c.Param("id"), req.Checkpoint)
	if err != nil {
		if errclass.Classify(err) == errclass.TypeDBError {
			return echo.NewHTTPError(http.StatusInternalServerError, "rollback failed").SetInternal(err)
		}
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, state)
}
