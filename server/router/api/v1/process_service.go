package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/strayhat/switchboard/core/orchestrator"
)

// ProcessMessage runs one message through the orchestration pipeline.
// Degraded turns still answer 200 with the structured errors attached;
// only admission rejections and orchestration failures change the status.
func (s *APIV1Service) ProcessMessage(c echo.Context) error {
	var req orchestrator.Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body").SetInternal(err)
	}

	res := s.Orchestrator.Process(c.Request().Context(), req)

	status := http.StatusOK
	if !res.Success {
		if res.ExitReason == "overloaded" {
			status = http.StatusServiceUnavailable
		} else {
			status = http.StatusInternalServerError
		}
	}
	return c.JSON(status, res)
}
