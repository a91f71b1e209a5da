package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"sprout/models"
)

// CommandKind is a chat command understood by the bot.
type CommandKind string

const (
	CommandWater  CommandKind = "water"
	CommandStop   CommandKind = "stop"
	CommandToggle CommandKind = "toggle"
	CommandSmart  CommandKind = "smart"
	CommandStatus CommandKind = "status"
	CommandHelp   CommandKind = "help"
)

// Command is a parsed chat command.
type Command struct {
	Kind   CommandKind
	Pump   models.PumpID
	Enable bool
}

var ErrUnknownCommand = errors.New("unknown command")

const commandUsage = "Commands:\n" +
	"/water [pump] - start watering\n" +
	"/stop [pump] - stop watering\n" +
	"/toggle [pump] - start or stop\n" +
	"/smart on|off - switch smart watering\n" +
	"/status - pumps, mode and latest reading"

// ParseCommand parses text such as "/water pump2" or "/smart off". Pump
// arguments default to defaultPump.
func ParseCommand(text string, defaultPump models.PumpID) (Command, error) {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(text)))
	if len(fields) == 0 {
		return Command{}, ErrUnknownCommand
	}

	name := strings.TrimPrefix(fields[0], "/")
	// "/water@sprout_bot" in group chats
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	args := fields[1:]

	switch name {
	case "water", "on":
		return pumpCommand(CommandWater, args, defaultPump)
	case "stop", "off":
		return pumpCommand(CommandStop, args, defaultPump)
	case "toggle":
		return pumpCommand(CommandToggle, args, defaultPump)
	case "smart":
		if len(args) == 0 {
			return Command{Kind: CommandSmart, Enable: true}, nil
		}
		switch args[0] {
		case "on", "enable", "true":
			return Command{Kind: CommandSmart, Enable: true}, nil
		case "off", "disable", "false":
			return Command{Kind: CommandSmart, Enable: false}, nil
		}
		return Command{}, fmt.Errorf("%w: /smart expects on or off", ErrUnknownCommand)
	case "manual":
		return Command{Kind: CommandSmart, Enable: false}, nil
	case "status":
		return Command{Kind: CommandStatus}, nil
	case "help", "start":
		return Command{Kind: CommandHelp}, nil
	}
	return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
}

func pumpCommand(kind CommandKind, args []string, defaultPump models.PumpID) (Command, error) {
	if len(args) == 0 {
		return Command{Kind: kind, Pump: defaultPump}, nil
	}
	id, err := models.ParsePumpID(args[0])
	if err != nil {
		return Command{}, err
	}
	return Command{Kind: kind, Pump: id}, nil
}

// CommandExecutor runs chat commands through the same APIs the HTTP layer uses.
type CommandExecutor struct {
	pumps       *PumpSet
	coordinator *SmartCoordinator
	settings    *SettingsService
	feed        *SensorFeed
	defaultPump models.PumpID
}

func NewCommandExecutor(pumps *PumpSet, coordinator *SmartCoordinator, settings *SettingsService, feed *SensorFeed, defaultPump models.PumpID) *CommandExecutor {
	return &CommandExecutor{
		pumps:       pumps,
		coordinator: coordinator,
		settings:    settings,
		feed:        feed,
		defaultPump: defaultPump,
	}
}

// Handle parses and executes text, returning the reply for the chat.
func (e *CommandExecutor) Handle(ctx context.Context, text string) string {
	cmd, err := ParseCommand(text, e.defaultPump)
	if err != nil {
		return "🤔 " + err.Error() + "\n\n" + commandUsage
	}
	return e.Execute(ctx, cmd)
}

func (e *CommandExecutor) Execute(ctx context.Context, cmd Command) string {
	switch cmd.Kind {
	case CommandWater, CommandStop, CommandToggle:
		return e.executePump(ctx, cmd)
	case CommandSmart:
		changed := e.coordinator.SetEnabled(ctx, cmd.Enable, models.SourceUser)
		state := "off"
		if cmd.Enable {
			state = "on"
		}
		if !changed {
			return fmt.Sprintf("Smart watering is already %s.", state)
		}
		return fmt.Sprintf("🤖 Smart watering turned %s.", state)
	case CommandStatus:
		return e.status()
	default:
		return commandUsage
	}
}

func (e *CommandExecutor) executePump(ctx context.Context, cmd Command) string {
	pump, ok := e.pumps.Get(cmd.Pump)
	if !ok {
		return fmt.Sprintf("Pump %s is not configured.", cmd.Pump)
	}

	var done bool
	switch cmd.Kind {
	case CommandWater:
		done = pump.Start(ctx, models.TriggerUser)
	case CommandStop:
		done = pump.Stop(ctx, models.StopReasonManual)
	case CommandToggle:
		done = pump.Toggle(ctx, models.TriggerUser)
	}

	state := pump.State()
	if !done {
		return fmt.Sprintf("Nothing changed. %s", describePump(state))
	}
	return describePump(state)
}

func (e *CommandExecutor) status() string {
	var sb strings.Builder
	for _, state := range e.pumps.States() {
		sb.WriteString(describePump(state))
		sb.WriteString("\n")
	}

	mode := "manual"
	if e.settings.SmartMode().Enabled {
		mode = "smart"
	}
	t := e.settings.Thresholds()
	sb.WriteString(fmt.Sprintf("🤖 Mode: %s (water below %.0f%%)\n", mode, t.SoilMoisture))

	if snap, ok := e.feed.Latest(); ok && snap.Usable() {
		sb.WriteString(fmt.Sprintf("🌱 Soil %.1f%% · 🌡️ %.1f°C · 💧 %.1f%% (%s)",
			snap.SoilMoisture, snap.Temperature, snap.Humidity, snap.Timestamp.Format("15:04:05")))
	} else {
		sb.WriteString("🌱 No sensor reading yet")
	}
	return sb.String()
}

func describePump(s models.PumpRuntimeState) string {
	switch s.Status {
	case models.PumpWatering:
		return fmt.Sprintf("🚿 %s is watering (%s).", s.ID, s.Trigger)
	case models.PumpCooldown:
		return fmt.Sprintf("⏳ %s is cooling down, %ds left.", s.ID, s.CooldownRemaining)
	default:
		if s.LastStopReason != "" {
			return fmt.Sprintf("💤 %s is idle (last run %ds, %s).", s.ID, s.LastElapsedSeconds, s.LastStopReason)
		}
		return fmt.Sprintf("💤 %s is idle.", s.ID)
	}
}
