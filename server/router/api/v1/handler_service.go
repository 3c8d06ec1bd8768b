package v1

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/strayhat/switchboard/core/registry"
)

// RegisterHandler validates and stores a handler definition. The payload
// is checked against the registration schema before decoding, so unknown
// fields and malformed patterns are rejected with the schema's reason.
// The definition becomes routable immediately.
func (s *APIV1Service) RegisterHandler(c echo.Context) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed handler definition").SetInternal(err)
	}

	def, err := registry.ParseDefinition(raw)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	handler, err := s.Registry.Register(c.Request().Context(), def)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, handler.Def)
}

// ListHandlers returns every registered handler definition.
func (s *APIV1Service) ListHandlers(c echo.Context) error {
	handlers := s.Registry.All()
	defs := make([]*registry.HandlerDefinition, 0, len(handlers))
	for _, h := range handlers {
		defs = append(defs, h.Def)
	}
	return c.JSON(http.StatusOK, map[string]any{"handlers": defs})
}

// RemoveHandler deletes a handler by id. Sessions mid-turn with the
// removed handler recover with a handler-gone reply on their next
// message.
func (s *APIV1Service) RemoveHandler(c echo.Context) error {
	id := c.Param("id")
	if !s.Registry.Remove(c.Request().Context(), id) {
		return echo.NewHTTPError(http.StatusNotFound, "handler not found")
	}
	return c.NoContent(http.StatusNoContent)
}

// SeedHandlers registers every definition from a JSON file (an array of
// handler definitions). Each entry goes through the same schema
// validation as the HTTP endpoint; the first invalid definition aborts
// the load so a bad seed file fails startup instead of silently dropping
// handlers.
func (s *APIV1Service) SeedHandlers(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.Wrap(err, "read handlers file")
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return 0, errors.Wrap(err, "parse handlers file")
	}

	for i, raw := range raws {
		def, err := registry.ParseDefinition(raw)
		if err == nil {
			_, err = s.Registry.Register(ctx, def)
		}
		if err != nil {
			return i, errors.Wrapf(err, "register handler %d from %s", i, path)
		}
	}
	return len(raws), nil
}
