package httpapi

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"tankctl/internal/eventbus"
	logx "tankctl/pkg/logx"
)

type streamEvent struct {
	Type   string    `json:"event_type"`
	Time   time.Time `json:"timestamp"`
	TankID string    `json:"tank_id,omitempty"`
	Data   any       `json:"data,omitempty"`
}

// eventFilter matches on tank id and on an event type or a "prefix.*" family.
func eventFilter(tankID, eventType string) eventbus.Filter {
	tankID = strings.TrimSpace(tankID)
	eventType = strings.TrimSpace(eventType)
	family := ""
	if strings.HasSuffix(eventType, ".*") {
		family = strings.TrimSuffix(eventType, "*")
	}
	return func(e eventbus.Event) bool {
		if tankID != "" && e.DeviceID != tankID {
			return false
		}
		switch {
		case eventType == "":
			return true
		case family != "":
			return strings.HasPrefix(e.Type, family)
		default:
			return e.Type == eventType
		}
	}
}

// writeSSE writes one event frame.
func writeSSE(w io.Writer, id, event string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}

func (s *Server) events(c *fiber.Ctx) error {
	if s.deps.Bus == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "event stream unavailable")
	}
	tankID := c.Query("tank_id")
	if tankID != "" {
		if _, err := s.deps.Fleet.Get(c.UserContext(), tankID); err != nil {
			return err
		}
	}
	filter := eventFilter(tankID, c.Query("event_type"))
	ch, unsub := s.deps.Bus.SubscribeFiltered(64, filter)

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	clientID := uuid.NewString()
	keepalive := s.cfg.SSEKeepalive
	done := s.streamsDone
	log := s.log.With(logx.String("client_id", clientID))

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer unsub()
		log.Debug("event stream opened", logx.String("tank_id", tankID))
		defer log.Debug("event stream closed")

		hello := map[string]string{"message": "Connection established", "client_id": clientID}
		if writeSSE(w, "", "connection_established", hello) != nil || w.Flush() != nil {
			return
		}
		tick := time.NewTicker(keepalive)
		defer tick.Stop()
		var seq uint64
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				if _, err := w.WriteString(": keepalive\n\n"); err != nil {
					return
				}
			case e, ok := <-ch:
				if !ok {
					return
				}
				seq++
				out := streamEvent{Type: e.Type, Time: e.Time, TankID: e.DeviceID, Data: e.Data}
				if err := writeSSE(w, fmt.Sprint(seq), e.Type, out); err != nil {
					return
				}
			}
			// a failed flush means the client went away
			if err := w.Flush(); err != nil {
				return
			}
		}
	})
	return nil
}
