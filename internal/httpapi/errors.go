package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"tankctl/internal/model"
	logx "tankctl/pkg/logx"
)

type errorBody struct {
	Error errorJSON `json:"error"`
}

type errorJSON struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func statusFor(k model.Kind) int {
	switch k {
	case model.KindNotFound:
		return fiber.StatusNotFound
	case model.KindForbidden:
		return fiber.StatusForbidden
	case model.KindInvalidInput:
		return fiber.StatusUnprocessableEntity
	case model.KindConflict:
		return fiber.StatusConflict
	case model.KindUnauthorized:
		return fiber.StatusUnauthorized
	default:
		return fiber.StatusInternalServerError
	}
}

// kindForStatus names framework errors (unknown route, body too large, ...).
func kindForStatus(code int) string {
	switch code {
	case fiber.StatusNotFound:
		return model.KindNotFound.String()
	case fiber.StatusUnauthorized:
		return model.KindUnauthorized.String()
	case fiber.StatusForbidden:
		return model.KindForbidden.String()
	case fiber.StatusConflict:
		return model.KindConflict.String()
	case fiber.StatusMethodNotAllowed:
		return "method_not_allowed"
	}
	if code >= 500 {
		return model.KindInternal.String()
	}
	return model.KindInvalidInput.String()
}

// handleError renders every error as {"error":{"kind","message"}}. Internal
// messages never reach the client.
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		msg := fe.Message
		if fe.Code >= 500 {
			s.log.Error("request failed", logx.String("path", c.Path()), logx.Err(err))
			msg = "internal error"
		}
		return c.Status(fe.Code).JSON(errorBody{Error: errorJSON{Kind: kindForStatus(fe.Code), Message: msg}})
	}

	kind := model.KindOf(err)
	msg := err.Error()
	if kind == model.KindInternal {
		s.log.Error("request failed", logx.String("method", c.Method()), logx.String("path", c.Path()), logx.Err(err))
		msg = "internal error"
	}
	return c.Status(statusFor(kind)).JSON(errorBody{Error: errorJSON{Kind: kind.String(), Message: msg}})
}

// bind decodes a JSON body. Decode failures are invalid input.
func bind(c *fiber.Ctx, v any) error {
	body := c.Body()
	if len(body) == 0 {
		return fmt.Errorf("%w: request body is required", model.ErrInvalidInput)
	}
	if err := json.Unmarshal(body, v); err != nil {
		if errors.Is(err, model.ErrInvalidInput) {
			return err
		}
		return fmt.Errorf("%w: malformed body: %v", model.ErrInvalidInput, err)
	}
	return nil
}
