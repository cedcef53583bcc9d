package export

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// Mount registers GET /exportCsv?mode=solo|group on the app.
func (e *Exporter) Mount(app *fiber.App) {
	app.Get("/exportCsv", e.handle)
}

func (e *Exporter) handle(c *fiber.Ctx) error {
	mode := c.Query("mode")

	var buf bytes.Buffer
	err := e.Write(c.Context(), mode, &buf)
	switch {
	case errors.Is(err, ErrUnknownMode):
		return c.Status(fiber.StatusBadRequest).
			SendString("Error: please request /exportCsv?mode=solo or ?mode=group")
	case errors.Is(err, ErrNoSessions):
		return c.Status(fiber.StatusNotFound).
			SendString(fmt.Sprintf("No sessions found for mode=%s", mode))
	case err != nil:
		e.log.Error("export failed", zap.String("mode", mode), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).SendString("export failed")
	}

	c.Set(fiber.HeaderContentType, "text/csv")
	c.Set(fiber.HeaderContentDisposition,
		fmt.Sprintf(`attachment; filename="%s_sessions_export.csv"`, mode))
	return c.Send(buf.Bytes())
}
