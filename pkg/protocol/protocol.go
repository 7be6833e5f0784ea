// Package protocol defines the multiplexed channel protocol carried over one
// websocket per client. Every frame is {channel, action, data}; the known
// (channel, action) pairs decode into a closed set of event types so handlers
// can switch exhaustively instead of duck-typing payloads.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	ChannelUsers          = "users"
	ChannelTurn           = "turn"
	ChannelCommunications = "communications"
	ChannelPoints         = "points"
	ChannelGames          = "games"
	ChannelRoleInstances  = "role_instances"
)

const (
	ActionJoin              = "join"
	ActionLeave             = "leave"
	ActionList              = "list"
	ActionSet               = "set"
	ActionSetTurnFinishTime = "set_turn_finish_time"
	ActionSend              = "send"
	ActionSpend             = "spend"
	ActionDelete            = "delete"
)

// MaxMessageRunes caps user message text.
const MaxMessageRunes = 400

var ErrTextTooLong = errors.New("message text too long")

// Frame is the wire envelope, all directions.
type Frame struct {
	Channel string          `json:"channel"`
	Action  string          `json:"action"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type User struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
}

type Team struct {
	ID   uint   `json:"id"`
	Name string `json:"name"`
}

type TeamInstance struct {
	ID           uint   `json:"id"`
	Team         Team   `json:"team"`
	GameJoinCode string `json:"game_join_code"`
}

type Role struct {
	ID              uint   `json:"id"`
	Name            string `json:"name"`
	Branch          string `json:"branch,omitempty"`
	IsCommander     bool   `json:"is_commander"`
	IsViceCommander bool   `json:"is_vice_commander"`
	IsChiefOfStaff  bool   `json:"is_chief_of_staff"`
	IsOperations    bool   `json:"is_operations"`
	IsLogistics     bool   `json:"is_logistics"`
}

// RoleInstance binds one user to one role on one team within one session.
type RoleInstance struct {
	ID           uint         `json:"id"`
	User         User         `json:"user"`
	TeamInstance TeamInstance `json:"team_instance"`
	Role         Role         `json:"role"`
	Ready        bool         `json:"ready"`
}

// GameInstance is the authoritative turn record, one per join code.
// TurnFinishTime is unix seconds; nil means no active deadline.
type GameInstance struct {
	JoinCode       string `json:"join_code"`
	Turn           int    `json:"turn"`
	TurnFinishTime *int64 `json:"turn_finish_time"`
}

type MessageType string

const (
	MessageTypeUser   MessageType = "user"
	MessageTypeSystem MessageType = "system"
)

// Message is immutable once created. The ID is a client-generated unique
// token; ordering is by arrival on the socket, never by Timestamp.
type Message struct {
	ID                string       `json:"id"`
	Sender            RoleInstance `json:"sender_role_instance"`
	RecipientTeamName string       `json:"recipient_team_name"`
	RecipientRoleName string       `json:"recipient_role_name"`
	Type              MessageType  `json:"type"`
	Text              string       `json:"text"`
	Timestamp         int64        `json:"timestamp"`
}

// NewMessage builds a user message, enforcing the text cap.
func NewMessage(sender RoleInstance, recipientTeam, recipientRole, text string) (Message, error) {
	if len([]rune(text)) > MaxMessageRunes {
		return Message{}, ErrTextTooLong
	}
	return Message{
		ID:                uuid.NewString(),
		Sender:            sender,
		RecipientTeamName: recipientTeam,
		RecipientRoleName: recipientRole,
		Type:              MessageTypeUser,
		Text:              text,
		Timestamp:         time.Now().Unix(),
	}, nil
}

// NewSystemMessage builds a server- or client-synthesized notice for a channel.
func NewSystemMessage(recipientTeam, recipientRole, text string) Message {
	return Message{
		ID:                uuid.NewString(),
		RecipientTeamName: recipientTeam,
		RecipientRoleName: recipientRole,
		Type:              MessageTypeSystem,
		Text:              text,
		Timestamp:         time.Now().Unix(),
	}
}

// PointsTransfer is a supply-point movement toward (team, role).
type PointsTransfer struct {
	TeamName     string `json:"team_name"`
	RoleName     string `json:"role_name"`
	SupplyPoints int    `json:"supply_points"`
}

type RoleInstanceRef struct {
	ID uint `json:"id"`
}

// Event is the decoded form of a known (channel, action) frame.
type Event interface{ isEvent() }

type UserJoined struct{ RoleInstance RoleInstance }
type UserLeft struct{ RoleInstance RoleInstance }
type RosterListed struct{ RoleInstances []RoleInstance }
type TurnSet struct{ Game GameInstance }
type TurnTimerSet struct{ Game GameInstance }
type MessageSent struct{ Message Message }
type PointsSent struct{ Transfer PointsTransfer }
type PointsSpent struct{ Transfer PointsTransfer }
type GameDeleted struct{}
type RoleInstanceDeleted struct{ Ref RoleInstanceRef }

func (UserJoined) isEvent()          {}
func (UserLeft) isEvent()            {}
func (RosterListed) isEvent()        {}
func (TurnSet) isEvent()             {}
func (TurnTimerSet) isEvent()        {}
func (MessageSent) isEvent()         {}
func (PointsSent) isEvent()          {}
func (PointsSpent) isEvent()         {}
func (GameDeleted) isEvent()         {}
func (RoleInstanceDeleted) isEvent() {}

// Decode maps a frame to its typed event. Unrecognized (channel, action)
// pairs return (nil, nil) so newer peers stay compatible with older ones; a
// recognized pair with a malformed payload returns an error and the caller
// logs and drops the frame.
func Decode(f Frame) (Event, error) {
	switch {
	case f.Channel == ChannelUsers && f.Action == ActionJoin:
		var ri RoleInstance
		if err := unmarshal(f, &ri); err != nil {
			return nil, err
		}
		return UserJoined{RoleInstance: ri}, nil

	case f.Channel == ChannelUsers && f.Action == ActionLeave:
		var ri RoleInstance
		if err := unmarshal(f, &ri); err != nil {
			return nil, err
		}
		return UserLeft{RoleInstance: ri}, nil

	case f.Channel == ChannelUsers && f.Action == ActionList:
		var ris []RoleInstance
		if err := unmarshal(f, &ris); err != nil {
			return nil, err
		}
		return RosterListed{RoleInstances: ris}, nil

	case f.Channel == ChannelTurn && f.Action == ActionSet:
		var g GameInstance
		if err := unmarshal(f, &g); err != nil {
			return nil, err
		}
		return TurnSet{Game: g}, nil

	case f.Channel == ChannelTurn && f.Action == ActionSetTurnFinishTime:
		var g GameInstance
		if err := unmarshal(f, &g); err != nil {
			return nil, err
		}
		return TurnTimerSet{Game: g}, nil

	case f.Channel == ChannelCommunications && f.Action == ActionSend:
		var m Message
		if err := unmarshal(f, &m); err != nil {
			return nil, err
		}
		return MessageSent{Message: m}, nil

	case f.Channel == ChannelPoints && f.Action == ActionSend:
		var p PointsTransfer
		if err := unmarshal(f, &p); err != nil {
			return nil, err
		}
		return PointsSent{Transfer: p}, nil

	case f.Channel == ChannelPoints && f.Action == ActionSpend:
		var p PointsTransfer
		if err := unmarshal(f, &p); err != nil {
			return nil, err
		}
		return PointsSpent{Transfer: p}, nil

	case f.Channel == ChannelGames && f.Action == ActionDelete:
		return GameDeleted{}, nil

	case f.Channel == ChannelRoleInstances && f.Action == ActionDelete:
		var ref RoleInstanceRef
		if err := unmarshal(f, &ref); err != nil {
			return nil, err
		}
		return RoleInstanceDeleted{Ref: ref}, nil
	}
	return nil, nil
}

func unmarshal(f Frame, v any) error {
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("decode %s/%s payload: %w", f.Channel, f.Action, err)
	}
	return nil
}

func mustFrame(channel, action string, data any) Frame {
	payload, _ := json.Marshal(data)
	return Frame{Channel: channel, Action: action, Data: payload}
}

func JoinFrame(ri RoleInstance) Frame {
	return mustFrame(ChannelUsers, ActionJoin, ri)
}

func LeaveFrame(ri RoleInstance) Frame {
	return mustFrame(ChannelUsers, ActionLeave, ri)
}

func ListFrame(ris []RoleInstance) Frame {
	return mustFrame(ChannelUsers, ActionList, ris)
}

func TurnSetFrame(g GameInstance) Frame {
	return mustFrame(ChannelTurn, ActionSet, g)
}

func TurnTimerFrame(g GameInstance) Frame {
	return mustFrame(ChannelTurn, ActionSetTurnFinishTime, g)
}

func MessageFrame(m Message) Frame {
	return mustFrame(ChannelCommunications, ActionSend, m)
}

func PointsSendFrame(p PointsTransfer) Frame {
	return mustFrame(ChannelPoints, ActionSend, p)
}

func PointsSpendFrame(p PointsTransfer) Frame {
	return mustFrame(ChannelPoints, ActionSpend, p)
}

func GameDeleteFrame() Frame {
	return Frame{Channel: ChannelGames, Action: ActionDelete}
}

func RoleInstanceDeleteFrame(id uint) Frame {
	return mustFrame(ChannelRoleInstances, ActionDelete, RoleInstanceRef{ID: id})
}
