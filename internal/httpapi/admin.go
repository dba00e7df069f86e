package httpapi

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"tankctl/internal/model"
)

func (s *Server) issueCommand(c *fiber.Ctx) error {
	var req issueRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.Payload == nil {
		return fmt.Errorf("%w: command_payload is required", model.ErrInvalidInput)
	}
	src := model.SourceManual
	if strings.TrimSpace(req.Source) != "" {
		var err error
		if src, err = model.ParseSource(req.Source); err != nil {
			return err
		}
	}
	cmd, err := s.deps.Commands.Issue(c.UserContext(), c.Params("device"), *req.Payload, src)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(toCommandJSON(cmd))
}

func (s *Server) commandHistory(c *fiber.Ctx) error {
	f, err := s.historyFilter(c)
	if err != nil {
		return err
	}
	cmds, err := s.deps.Commands.History(c.UserContext(), c.Params("device"), f)
	if err != nil {
		return err
	}
	return c.JSON(mapSlice(cmds, toCommandJSON))
}

func (s *Server) historyFilter(c *fiber.Ctx) (model.CommandFilter, error) {
	var f model.CommandFilter
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, err := model.ParseStatus(part)
			if err != nil {
				return f, err
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	var err error
	if f.Start, err = queryTime(c, "start"); err != nil {
		return f, err
	}
	if f.End, err = queryTime(c, "end"); err != nil {
		return f, err
	}
	if f.Limit, err = queryInt(c, "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = queryInt(c, "offset"); err != nil {
		return f, err
	}
	return f, nil
}

func queryTime(c *fiber.Ctx, key string) (*time.Time, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC3339", model.ErrInvalidInput, key)
	}
	return &t, nil
}

func queryInt(c *fiber.Ctx, key string) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", model.ErrInvalidInput, key)
	}
	return n, nil
}

func requireTankID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: tank_id is required", model.ErrInvalidInput)
	}
	return id, nil
}

func (s *Server) getSettings(c *fiber.Ctx) error {
	id, err := requireTankID(c.Query("tank_id"))
	if err != nil {
		return err
	}
	st, err := s.deps.Schedules.Settings(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.JSON(toSettingsJSON(st))
}

func (s *Server) updateSettings(c *fiber.Ctx) error {
	var req settingsUpdateRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	id, err := requireTankID(req.TankID)
	if err != nil {
		return err
	}
	st, err := s.deps.Schedules.UpdateSettings(c.UserContext(), id, model.SettingsPatch{
		LightOn:  req.LightOn,
		LightOff: req.LightOff,
		Enabled:  req.Enabled,
	})
	if err != nil {
		return err
	}
	return c.JSON(toSettingsJSON(st))
}

func (s *Server) setOverride(c *fiber.Ctx) error {
	var req overrideRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	id, err := requireTankID(req.TankID)
	if err != nil {
		return err
	}
	typ, err := model.ParseCommandType(req.Command)
	if err != nil {
		return err
	}
	st, err := s.deps.Schedules.ManualOverride(c.UserContext(), id, typ)
	if err != nil {
		return err
	}
	return c.JSON(toSettingsJSON(st))
}

func (s *Server) clearOverride(c *fiber.Ctx) error {
	id, err := requireTankID(c.Query("tank_id"))
	if err != nil {
		return err
	}
	st, err := s.deps.Schedules.ClearOverride(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.JSON(toSettingsJSON(st))
}

func (s *Server) listTanks(c *fiber.Ctx) error {
	devices, err := s.deps.Fleet.List(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(mapSlice(devices, toDeviceJSON))
}

func (s *Server) getTank(c *fiber.Ctx) error {
	ctx := c.UserContext()
	d, err := s.deps.Fleet.Get(ctx, c.Params("device"))
	if err != nil {
		return err
	}
	out := deviceDetailJSON{deviceJSON: toDeviceJSON(d)}
	st, err := s.deps.Schedules.Settings(ctx, d.ID)
	if err != nil {
		return err
	}
	sj := toSettingsJSON(st)
	out.Settings = &sj
	return c.JSON(out)
}

func (s *Server) tankStatus(c *fiber.Ctx) error {
	limit, err := queryInt(c, "limit")
	if err != nil {
		return err
	}
	logs, err := s.deps.Fleet.StatusHistory(c.UserContext(), c.Params("device"), limit)
	if err != nil {
		return err
	}
	return c.JSON(mapSlice(logs, toStatusLogJSON))
}
