package store

import (
	"github.com/hexforge/wargame-backend/pkg/protocol"
)

type User struct {
	ID       uint   `gorm:"primaryKey"`
	Username string `gorm:"uniqueIndex;size:120"`
}

type Team struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"uniqueIndex;size:120"`
}

type Role struct {
	ID              uint   `gorm:"primaryKey"`
	Name            string `gorm:"uniqueIndex;size:120"`
	Branch          string `gorm:"size:60"`
	IsCommander     bool
	IsViceCommander bool
	IsChiefOfStaff  bool
	IsOperations    bool
	IsLogistics     bool
}

type GameInstance struct {
	ID       uint   `gorm:"primaryKey"`
	JoinCode string `gorm:"uniqueIndex;size:12"`
	Turn     int
	// Unix seconds; nil means no active deadline.
	TurnFinishTime *int64
}

type TeamInstance struct {
	ID             uint `gorm:"primaryKey"`
	TeamID         uint `gorm:"index"`
	Team           Team
	GameInstanceID uint `gorm:"index"`
	GameInstance   GameInstance
}

type RoleInstance struct {
	ID             uint `gorm:"primaryKey"`
	UserID         uint `gorm:"index"`
	User           User
	TeamInstanceID uint `gorm:"index"`
	TeamInstance   TeamInstance
	RoleID         uint `gorm:"index"`
	Role           Role
	Ready          bool
}

// Wire conversions to the protocol DTO shapes.

func (g GameInstance) Wire() protocol.GameInstance {
	return protocol.GameInstance{
		JoinCode:       g.JoinCode,
		Turn:           g.Turn,
		TurnFinishTime: g.TurnFinishTime,
	}
}

func (r Role) Wire() protocol.Role {
	return protocol.Role{
		ID:              r.ID,
		Name:            r.Name,
		Branch:          r.Branch,
		IsCommander:     r.IsCommander,
		IsViceCommander: r.IsViceCommander,
		IsChiefOfStaff:  r.IsChiefOfStaff,
		IsOperations:    r.IsOperations,
		IsLogistics:     r.IsLogistics,
	}
}

func (ri RoleInstance) Wire() protocol.RoleInstance {
	return protocol.RoleInstance{
		ID:   ri.ID,
		User: protocol.User{ID: ri.User.ID, Username: ri.User.Username},
		TeamInstance: protocol.TeamInstance{
			ID:           ri.TeamInstance.ID,
			Team:         protocol.Team{ID: ri.TeamInstance.Team.ID, Name: ri.TeamInstance.Team.Name},
			GameJoinCode: ri.TeamInstance.GameInstance.JoinCode,
		},
		Role:  ri.Role.Wire(),
		Ready: ri.Ready,
	}
}
