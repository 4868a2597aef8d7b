package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nugget/chatty/internal/homeassistant"
)

// HomeAssistant reads and changes Home Assistant entities.
type HomeAssistant interface {
	GetState(ctx context.Context, entityID string) (*homeassistant.State, error)
	States(ctx context.Context, domain string) ([]homeassistant.State, error)
	CallService(ctx context.Context, domain, service string, data map[string]any) ([]homeassistant.State, error)
}

// DeviceCommander sends commands to MQTT devices.
type DeviceCommander interface {
	Command(ctx context.Context, device, command string, args map[string]any) (string, error)
}

type haStateArgs struct {
	EntityID string `json:"entity_id,omitempty" jsonschema:"Entity such as light.kitchen. Omit to list entities."`
	Domain   string `json:"domain,omitempty" jsonschema:"When listing, only entities of this domain (light, switch, sensor...)."`
}

type haServiceArgs struct {
	Service  string         `json:"service" jsonschema:"Service as domain.service, for example light.turn_on."`
	EntityID string         `json:"entity_id,omitempty" jsonschema:"Target entity."`
	Data     map[string]any `json:"data,omitempty" jsonschema:"Extra service data such as brightness_pct."`
}

type deviceCommandArgs struct {
	Device  string         `json:"device" jsonschema:"Device name as known to the MQTT bridge."`
	Command string         `json:"command" jsonschema:"Command for the device, for example on, off or set."`
	Args    map[string]any `json:"args,omitempty" jsonschema:"Command parameters."`
}

// listLimit bounds entity listings fed to the model.
const listLimit = 50

// RegisterHomeTools adds ha_get_state and ha_call_service when ha is set
// and device_command when dc is set.
func RegisterHomeTools(r *Registry, ha HomeAssistant, dc DeviceCommander) error {
	if ha != nil {
		if err := Add(r, "ha_get_state", "Read the state of a Home Assistant entity, or list entities.",
			func(ctx context.Context, _ Env, a haStateArgs) (string, error) {
				if a.EntityID != "" {
					st, err := ha.GetState(ctx, a.EntityID)
					if err != nil {
						return "", haError(err)
					}
					return formatState(st), nil
				}
				return listStates(ctx, ha, a.Domain)
			}); err != nil {
			return err
		}

		if err := Add(r, "ha_call_service", "Call a Home Assistant service, for example to switch a light.",
			func(ctx context.Context, _ Env, a haServiceArgs) (string, error) {
				domain, service, ok := strings.Cut(a.Service, ".")
				if !ok || domain == "" || service == "" {
					return "", Errorf(InvalidArguments, "service must look like domain.service, got %q", a.Service)
				}
				data := make(map[string]any, len(a.Data)+1)
				for k, v := range a.Data {
					data[k] = v
				}
				if a.EntityID != "" {
					data["entity_id"] = a.EntityID
				}
				changed, err := ha.CallService(ctx, domain, service, data)
				if err != nil {
					return "", haError(err)
				}
				if len(changed) == 0 {
					return fmt.Sprintf("Called %s. No entity changed state.", a.Service), nil
				}
				var b strings.Builder
				fmt.Fprintf(&b, "Called %s. Changed:", a.Service)
				for _, st := range changed {
					fmt.Fprintf(&b, "\n- %s: %s", st.FriendlyName(), st.State)
				}
				return b.String(), nil
			}); err != nil {
			return err
		}
	}

	if dc == nil {
		return nil
	}
	return Add(r, "device_command", "Send a command to a smart device over MQTT.",
		func(ctx context.Context, _ Env, a deviceCommandArgs) (string, error) {
			topic, err := dc.Command(ctx, a.Device, a.Command, a.Args)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Sent %q to %s (topic %s).", a.Command, a.Device, topic), nil
		})
}

func listStates(ctx context.Context, ha HomeAssistant, domain string) (string, error) {
	states, err := ha.States(ctx, domain)
	if err != nil {
		return "", haError(err)
	}
	if len(states) == 0 {
		return "No entities found.", nil
	}
	var b strings.Builder
	for i, st := range states {
		if i == listLimit {
			fmt.Fprintf(&b, "... and %d more; narrow with domain.", len(states)-listLimit)
			break
		}
		fmt.Fprintf(&b, "%s (%s): %s\n", st.EntityID, st.FriendlyName(), st.State)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func formatState(st *homeassistant.State) string {
	out := fmt.Sprintf("%s (%s) is %s", st.FriendlyName(), st.EntityID, st.State)
	if len(st.Attributes) > 0 {
		if attrs, err := json.Marshal(st.Attributes); err == nil {
			out += "\nAttributes: " + string(attrs)
		}
	}
	return out
}

func haError(err error) error {
	if errors.Is(err, homeassistant.ErrNotFound) {
		return Errorf(NotFound, "%v", err)
	}
	return err
}
