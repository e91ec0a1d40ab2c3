package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
)

// requestTimeout bounds how long a fiber handler goroutine can sit parked
// waiting for a reply before the HTTP response itself times out; this is
// independent of (and longer than) the AWS client's own Lambda timeout
// so a slow actor chain (forward -> forward -> reply) still gets a
// chance to complete.
const requestTimeout = 2 * time.Minute

// SetupRoutes builds the fiber app: ingress routing (spec.md §4.4),
// debug introspection (SPEC_FULL.md §4.4), and the catch-all 404. Mirrors
// hive/gateway.GatewayConfig.SetupRoutes's middleware stack.
func (s *Server) SetupRoutes(debugEnabled bool) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			slog.Error("broker: unhandled fiber error", "path", c.Path(), "err", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
		},
	})

	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
	}))

	app.Post("/send/:actorType/:actorID/:subject", s.handleSend)

	if debugEnabled {
		app.Get("/healthz", s.handleHealthz)
		app.Get("/debug/mailboxes", adaptor.HTTPHandlerFunc(gziphandler.GzipHandler(http.HandlerFunc(s.handleDebugMailboxes)).ServeHTTP))
	}

	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).SendString("Not found")
	})

	return app
}

// handleSend implements POST /send/{actor_type}/{actor_id}/{subject}
// (spec.md §4.4).
func (s *Server) handleSend(c *fiber.Ctx) error {
	actorType := c.Params("actorType")
	actorID := c.Params("actorID")
	subject := c.Params("subject")

	if err := ValidateAddress(actorType, actorID); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	raw := c.Body()
	var body json.RawMessage
	if len(raw) > 0 {
		if !json.Valid(raw) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid json"})
		}
		body = append(json.RawMessage(nil), raw...)
	}

	reqCtx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	status, respBody, err := s.Submit(reqCtx, actorType, actorID, subject, body)
	if err != nil {
		return c.Status(fiber.StatusGatewayTimeout).JSON(fiber.Map{"error": "timed out waiting for a reply"})
	}

	c.Status(status)
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Send(respBody)
}

// handleHealthz implements GET /healthz (SPEC_FULL.md §4.4).
func (s *Server) handleHealthz(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":          "ok",
		"bootstrap_state": s.aws.BootstrapState().String(),
	})
}

// handleDebugMailboxes implements GET /debug/mailboxes (SPEC_FULL.md
// §4.4). It is plain net/http (not a fiber.Handler) so it can be wrapped
// in gziphandler.GzipHandler, matching how gziphandler composes with any
// http.Handler, then adapted back into fiber via middleware/adaptor.
func (s *Server) handleDebugMailboxes(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Mailboxes(r.Context())
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}
