package httpapi

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"

	"tankctl/internal/fleet"
	"tankctl/internal/model"
)

func (s *Server) register(c *fiber.Ctx) error {
	var req registerRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	reg, err := s.deps.Fleet.Register(c.UserContext(), fleet.RegisterRequest{
		AuthKey:         req.AuthKey,
		Name:            req.TankName,
		Location:        strings.TrimSpace(req.Location),
		FirmwareVersion: req.FirmwareVersion,
		LightOn:         req.LightOn,
		LightOff:        req.LightOff,
	})
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(toRegisterResponse(reg))
}

func (s *Server) fetchCommand(c *fiber.Ctx) error {
	d := currentDevice(c)
	cmd, ok, err := s.deps.Commands.FetchPending(c.UserContext(), d.ID)
	if err != nil {
		return err
	}
	if !ok {
		return c.JSON(messageJSON{Message: "No pending command"})
	}
	return c.JSON(pendingCommandJSON{CommandID: cmd.ID, Payload: cmd.Payload})
}

func (s *Server) ackCommand(c *fiber.Ctx) error {
	var req ackRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	id := strings.TrimSpace(req.CommandID)
	if id == "" || req.Success == nil {
		return fmt.Errorf("%w: command_id and success are required", model.ErrInvalidInput)
	}
	if _, err := s.deps.Commands.Acknowledge(c.UserContext(), currentDevice(c).ID, id, *req.Success, strings.TrimSpace(req.Result)); err != nil {
		return err
	}
	return c.JSON(messageJSON{Message: "Command acknowledged successfully"})
}

func (s *Server) reportStatus(c *fiber.Ctx) error {
	var req statusRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	_, err := s.deps.Fleet.RecordStatus(c.UserContext(), currentDevice(c).ID, model.StatusReport{
		Temperature:     req.Temperature,
		PH:              req.PH,
		LightState:      req.LightState,
		FirmwareVersion: strings.TrimSpace(req.FirmwareVersion),
	})
	if err != nil {
		return err
	}
	return c.JSON(messageJSON{Message: "Status updated"})
}

func (s *Server) mySettings(c *fiber.Ctx) error {
	st, err := s.deps.Schedules.Settings(c.UserContext(), currentDevice(c).ID)
	if err != nil {
		return err
	}
	return c.JSON(toSettingsJSON(st))
}
