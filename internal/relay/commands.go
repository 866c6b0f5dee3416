package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/store"
	"github.com/zulandar/switchboard/internal/transport"
	"gorm.io/gorm"
)

// commandPrefix marks a channel message as a bridge command.
const commandPrefix = "/"

// maxGreetingLen caps operator-supplied greeting text.
const maxGreetingLen = 500

// dmOpenNotice is sent to a visitor who asks for a private channel via /dm.
const dmOpenNotice = "💬 Private channel open.\n↩️ Reply here and I'll relay your message to the team."

// CommandHandler processes "/" commands posted in channels the bridge
// watches. Pairing mutations require authorization on the control pairing;
// everything else is scoped to the channel the command was typed in.
type CommandHandler struct {
	db       *gorm.DB
	registry *store.Registry
	channels *store.Channels
	adapter  transport.Adapter
}

// CommandHandlerOpts holds parameters for creating a CommandHandler.
type CommandHandlerOpts struct {
	DB       *gorm.DB
	Registry *store.Registry
	Channels *store.Channels
	Adapter  transport.Adapter // needed for /dm; optional otherwise
}

// NewCommandHandler creates a CommandHandler.
func NewCommandHandler(opts CommandHandlerOpts) (*CommandHandler, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("relay: command handler: db is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("relay: command handler: registry is required")
	}
	if opts.Channels == nil {
		return nil, fmt.Errorf("relay: command handler: channel store is required")
	}
	return &CommandHandler{
		db:       opts.DB,
		registry: opts.Registry,
		channels: opts.Channels,
		adapter:  opts.Adapter,
	}, nil
}

// IsCommand reports whether text is a bridge command.
func IsCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), commandPrefix)
}

// Execute parses and executes a command typed in channelID by senderID.
// Returns the response text to post back in the same channel.
func (ch *CommandHandler) Execute(ctx context.Context, channelID, senderID, text string) string {
	args := parseCommand(text)
	if len(args) == 0 {
		return ch.helpText()
	}

	switch args[0] {
	case "setup":
		return ch.cmdSetup(channelID, senderID, args[1:])
	case "unpair":
		return ch.cmdUnpair(channelID, senderID)
	case "status":
		return ch.cmdStatus(channelID)
	case "anonymous":
		return ch.cmdToggle(channelID, senderID, "anonymous", args[1:])
	case "dm-anonymous":
		return ch.cmdToggle(channelID, senderID, "dm-anonymous", args[1:])
	case "confirmations":
		return ch.cmdToggle(channelID, senderID, "confirmations", args[1:])
	case "greeting":
		return ch.cmdGreeting(channelID, senderID, args[1:])
	case "dm":
		return ch.cmdDM(ctx, channelID, senderID)
	case "authorize":
		return ch.cmdAuthorize(channelID, senderID, args[1:])
	case "help":
		return ch.helpText()
	default:
		return fmt.Sprintf("Unknown command: `%s%s`\n\n%s", commandPrefix, args[0], ch.helpText())
	}
}

// parseCommand strips the command prefix and splits the remaining text.
func parseCommand(text string) []string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, commandPrefix)
	if text == "" {
		return nil
	}
	return strings.Fields(text)
}

// cmdSetup handles "/setup control" and "/setup lobby".
func (ch *CommandHandler) cmdSetup(channelID, senderID string, args []string) string {
	if len(args) == 0 {
		return "Usage: `/setup control` or `/setup lobby`"
	}

	switch args[0] {
	case "control":
		control, err := ch.registry.ActiveControl()
		if err != nil {
			return fmt.Sprintf("Error: %v", err)
		}
		if control != nil {
			if control.ControlChannelID == channelID {
				return "This channel is already the control room."
			}
			return "A control room is already configured. Unpair it first."
		}
		if _, err := ch.registry.Create(models.PendingLobby, channelID, senderID); err != nil {
			return fmt.Sprintf("Error: %v", err)
		}
		return "✅ This channel is now the control room. Run `/setup lobby` in each lobby channel to link it."

	case "lobby":
		control, err := ch.registry.ActiveControl()
		if err != nil {
			return fmt.Sprintf("Error: %v", err)
		}
		if control == nil {
			return "No control room configured yet. Run `/setup control` in your team channel first."
		}
		if !control.IsAuthorized(senderID) {
			return "Only the control room creator or an authorized admin can link lobbies. Ask them to run `/authorize <your-id>`."
		}
		if channelID == control.ControlChannelID {
			return "The control room cannot double as a lobby."
		}
		pair, err := ch.registry.Create(channelID, control.ControlChannelID, senderID)
		if err != nil {
			if errors.Is(err, store.ErrAlreadyPaired) {
				return "This channel is already paired."
			}
			return fmt.Sprintf("Error: %v", err)
		}
		return fmt.Sprintf("✅ Lobby linked to the control room (pair #%d). Visitors who join here will be announced there.", pair.ID)

	default:
		return "Usage: `/setup control` or `/setup lobby`"
	}
}

// cmdUnpair removes the pairing of the lobby the command was typed in.
func (ch *CommandHandler) cmdUnpair(channelID, senderID string) string {
	pair, err := ch.registry.ByLobby(channelID)
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	if pair == nil {
		return "This channel is not a paired lobby."
	}
	if !pair.IsAuthorized(senderID) {
		return "Only the pairing creator or an authorized admin can unpair."
	}
	if err := ch.registry.Delete(pair.ID); err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	return "✅ Lobby unpaired. Sessions and relay history for this lobby were removed."
}

// cmdStatus reports pairing status. In a control channel it includes relay
// statistics; in a lobby only the mode flags, so visitors learn nothing
// about other conversations.
func (ch *CommandHandler) cmdStatus(channelID string) string {
	if pair, err := ch.registry.ByLobby(channelID); err == nil && pair != nil {
		return fmt.Sprintf("Lobby paired (pair #%d).\nAnonymous mode: %s | Confirmations: %s",
			pair.ID, onOff(pair.AnonymousMode), onOff(pair.SendConfirmations))
	}

	pair, err := ch.registry.ByControl(channelID)
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	if pair == nil {
		return "This channel is not part of any pairing. Run `/setup control` or `/setup lobby`."
	}

	stats, err := store.Stats(ch.db)
	if err != nil {
		return fmt.Sprintf("Error getting stats: %v", err)
	}
	pairs, err := ch.registry.All()
	if err != nil {
		return fmt.Sprintf("Error listing pairs: %v", err)
	}

	var b strings.Builder
	b.WriteString("**Switchboard Status**\n")
	b.WriteString(fmt.Sprintf("Lobbies: %d | Active sessions: %d | Relays today: %d | Total relays: %d\n",
		stats.Pairs, stats.ActiveSessions, stats.RelaysToday, stats.TotalRelays))
	for _, p := range pairs {
		if p.IsPending() {
			continue
		}
		b.WriteString(fmt.Sprintf("  #%d %s — anonymous %s, DM-anonymous %s, confirmations %s\n",
			p.ID, ch.channels.Name(p.LobbyChannelID),
			onOff(p.AnonymousMode), onOff(p.DMAnonymousMode), onOff(p.SendConfirmations)))
	}
	return b.String()
}

// cmdToggle flips a boolean policy flag on the pairing the channel belongs to.
func (ch *CommandHandler) cmdToggle(channelID, senderID, flag string, args []string) string {
	if len(args) == 0 || (args[0] != "on" && args[0] != "off") {
		return fmt.Sprintf("Usage: `/%s on` or `/%s off`", flag, flag)
	}
	value := args[0] == "on"

	pair, err := ch.pairForChannel(channelID)
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	if pair == nil {
		return "This channel is not part of any pairing."
	}
	if !pair.IsAuthorized(senderID) {
		return "Only the pairing creator or an authorized admin can change settings."
	}

	var patch store.RoomPairPatch
	switch flag {
	case "anonymous":
		patch.AnonymousMode = &value
	case "dm-anonymous":
		patch.DMAnonymousMode = &value
	case "confirmations":
		patch.SendConfirmations = &value
	}
	if _, err := ch.registry.Update(pair.ID, patch); err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	return fmt.Sprintf("✅ %s is now %s.", flag, onOff(value))
}

// cmdGreeting sets the lobby greeting for the pairing.
func (ch *CommandHandler) cmdGreeting(channelID, senderID string, args []string) string {
	pair, err := ch.pairForChannel(channelID)
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	if pair == nil {
		return "This channel is not part of any pairing."
	}
	if !pair.IsAuthorized(senderID) {
		return "Only the pairing creator or an authorized admin can change the greeting."
	}

	greeting := SanitizeGreeting(strings.Join(args, " "))
	if greeting == "" {
		patch := store.RoomPairPatch{GreetingMessage: &greeting}
		if _, err := ch.registry.Update(pair.ID, patch); err != nil {
			return fmt.Sprintf("Error: %v", err)
		}
		return "✅ Greeting reset to the default."
	}
	patch := store.RoomPairPatch{GreetingMessage: &greeting}
	if _, err := ch.registry.Update(pair.ID, patch); err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	return fmt.Sprintf("✅ Greeting updated:\n%s", greeting)
}

// cmdDM opens a private channel for a lobby visitor: the bridge DMs them so
// they have a thread to reply into.
func (ch *CommandHandler) cmdDM(ctx context.Context, channelID, senderID string) string {
	pair, err := ch.registry.ByLobby(channelID)
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	if pair == nil {
		return "This command only works in configured lobby rooms."
	}
	if ch.adapter == nil {
		return "Direct messages are unavailable right now."
	}
	if _, err := ch.adapter.Send(ctx, dmOpenNotice, transport.Direct(senderID)); err != nil {
		return "Could not open a DM. Please try again."
	}
	return "✅ Check your DMs!"
}

// cmdAuthorize manages the set of identities allowed to link lobbies.
// Control channel only.
func (ch *CommandHandler) cmdAuthorize(channelID, senderID string, args []string) string {
	pair, err := ch.registry.ByControl(channelID)
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	if pair == nil {
		return "Run this in the control room."
	}
	if !pair.IsAuthorized(senderID) {
		return "Only the control room creator or an authorized admin can manage authorization."
	}
	if len(args) == 0 {
		return "Usage: `/authorize <user-id>`, `/authorize list`, or `/authorize revoke <user-id>`"
	}

	admins := pair.AdminList()
	switch args[0] {
	case "list":
		if len(admins) == 0 {
			return fmt.Sprintf("Authorized: %s (creator)", pair.CreatedBy)
		}
		return fmt.Sprintf("Authorized: %s (creator), %s", pair.CreatedBy, strings.Join(admins, ", "))

	case "revoke":
		if len(args) < 2 {
			return "Usage: `/authorize revoke <user-id>`"
		}
		var kept []string
		for _, id := range admins {
			if id != args[1] {
				kept = append(kept, id)
			}
		}
		if len(kept) == len(admins) {
			return fmt.Sprintf("%s was not authorized.", args[1])
		}
		joined := strings.Join(kept, ",")
		if _, err := ch.registry.Update(pair.ID, store.RoomPairPatch{ControlRoomAdmins: &joined}); err != nil {
			return fmt.Sprintf("Error: %v", err)
		}
		return fmt.Sprintf("✅ Revoked %s.", args[1])

	default:
		id := args[0]
		for _, existing := range admins {
			if existing == id {
				return fmt.Sprintf("%s is already authorized.", id)
			}
		}
		admins = append(admins, id)
		joined := strings.Join(admins, ",")
		if _, err := ch.registry.Update(pair.ID, store.RoomPairPatch{ControlRoomAdmins: &joined}); err != nil {
			return fmt.Sprintf("Error: %v", err)
		}
		return fmt.Sprintf("✅ Authorized %s to link lobbies.", id)
	}
}

// pairForChannel resolves a channel to its pairing, trying the lobby role
// first and the control role second.
func (ch *CommandHandler) pairForChannel(channelID string) (*models.RoomPair, error) {
	pair, err := ch.registry.ByLobby(channelID)
	if err != nil || pair != nil {
		return pair, err
	}
	return ch.registry.ByControl(channelID)
}

// SanitizeGreeting trims operator-supplied greeting text, strips template
// and markup brackets, and enforces the length cap.
func SanitizeGreeting(text string) string {
	text = strings.TrimSpace(text)
	text = strings.NewReplacer("<", "", ">", "", "{", "", "}", "").Replace(text)
	if len(text) > maxGreetingLen {
		text = text[:maxGreetingLen]
	}
	return strings.TrimSpace(text)
}

// onOff renders a boolean flag for chat output.
func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

// helpText returns usage information for all commands.
func (ch *CommandHandler) helpText() string {
	return "**Switchboard Commands**\n" +
		"`/setup control` — Make this channel the control room\n" +
		"`/setup lobby` — Link this channel to the control room\n" +
		"`/unpair` — Remove this lobby's pairing\n" +
		"`/status` — Pairing status (stats in the control room)\n" +
		"`/anonymous on|off` — Pseudonyms for lobby visitors\n" +
		"`/dm-anonymous on|off` — Pseudonyms for direct visitors\n" +
		"`/confirmations on|off` — ✅ delivery reactions\n" +
		"`/greeting <text>` — Set the lobby greeting (empty resets)\n" +
		"`/dm` — Have the bridge open a private conversation with you\n" +
		"`/authorize <id>|list|revoke <id>` — Manage lobby-linking admins\n" +
		"`/help` — This message"
}
