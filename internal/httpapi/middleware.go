package httpapi

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"tankctl/internal/auth"
	"tankctl/internal/model"
	logx "tankctl/pkg/logx"
)

const localDevice = "device"

// logRequests renders handler errors itself so the logged status is the one
// the client sees.
func (s *Server) logRequests(c *fiber.Ctx) error {
	start := time.Now()
	if err := c.Next(); err != nil {
		if herr := c.App().ErrorHandler(c, err); herr != nil {
			_ = c.SendStatus(fiber.StatusInternalServerError)
		}
	}
	status := c.Response().StatusCode()
	fields := []logx.Field{
		logx.String("method", c.Method()),
		logx.String("path", c.Path()),
		logx.Int("status", status),
		logx.Duration("took", time.Since(start)),
	}
	if rid, ok := c.Locals("requestid").(string); ok && rid != "" {
		fields = append(fields, logx.String("request_id", rid))
	}
	if status >= 500 {
		s.log.Warn("http request", fields...)
	} else {
		s.log.Debug("http request", fields...)
	}
	return nil
}

// deviceAuth admits a bearer token whose device still exists and whose
// issue time is not older than the device's latest registration.
func (s *Server) deviceAuth(c *fiber.Ctx) error {
	raw, ok := auth.BearerToken(c.Get(fiber.HeaderAuthorization))
	if !ok {
		return fmt.Errorf("%w: missing bearer token", model.ErrUnauthorized)
	}
	claims, err := s.deps.Tokens.Verify(raw)
	if err != nil {
		return err
	}
	d, err := s.deps.Fleet.Get(c.UserContext(), claims.DeviceID)
	if err != nil {
		if model.KindOf(err) == model.KindNotFound {
			return fmt.Errorf("%w: unknown device", model.ErrUnauthorized)
		}
		return err
	}
	// JWT iat has second precision
	if !d.TokenIssuedAt.IsZero() && claims.IssuedAt.Before(d.TokenIssuedAt.Truncate(time.Second)) {
		return fmt.Errorf("%w: token superseded by a newer registration", model.ErrUnauthorized)
	}
	c.Locals(localDevice, d)
	return c.Next()
}

func currentDevice(c *fiber.Ctx) model.Device {
	d, _ := c.Locals(localDevice).(model.Device)
	return d
}

func (s *Server) adminAuth(c *fiber.Ctx) error {
	if !auth.Equal(c.Get("X-API-Key"), s.cfg.AdminAPIKey) {
		return fmt.Errorf("%w: invalid API key", model.ErrUnauthorized)
	}
	return c.Next()
}
