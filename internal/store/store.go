// Package store is the authoritative persistence layer. Turn writes lock the
// game row and run the turn state machine against the locked state, so
// concurrent advance attempts from clients that observed the same trigger
// collapse to a single increment.
package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hexforge/wargame-backend/internal/turn"
	"github.com/hexforge/wargame-backend/pkg/hierarchy"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db *gorm.DB
}

func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an existing gorm handle.
func New(db *gorm.DB) *Store { return &Store{db: db} }

func (s *Store) Migrate() error {
	return s.db.AutoMigrate(
		&User{}, &Team{}, &Role{},
		&GameInstance{}, &TeamInstance{}, &RoleInstance{},
	)
}

func (s *Store) CreateGame(joinCode string, turnNumber int) (*GameInstance, error) {
	g := &GameInstance{JoinCode: joinCode, Turn: turnNumber}
	if err := s.db.Create(g).Error; err != nil {
		return nil, err
	}
	return g, nil
}

func (s *Store) GameByCode(joinCode string) (*GameInstance, error) {
	var g GameInstance
	err := s.db.Where("join_code = ?", joinCode).First(&g).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *Store) DeleteGame(joinCode string) error {
	g, err := s.GameByCode(joinCode)
	if err != nil {
		return err
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		teamInstances := tx.Model(&TeamInstance{}).Select("id").Where("game_instance_id = ?", g.ID)
		if err := tx.Where("team_instance_id IN (?)", teamInstances).Delete(&RoleInstance{}).Error; err != nil {
			return err
		}
		if err := tx.Where("game_instance_id = ?", g.ID).Delete(&TeamInstance{}).Error; err != nil {
			return err
		}
		return tx.Delete(g).Error
	})
}

// turnState mirrors the stored record in the state machine's shape.
func turnState(g *GameInstance) turn.State {
	return turn.State{Turn: g.Turn, FinishTime: timePtr(g.TurnFinishTime)}
}

func timePtr(unix *int64) *time.Time {
	if unix == nil {
		return nil
	}
	t := time.Unix(*unix, 0)
	return &t
}

func unixPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	u := t.Unix()
	return &u
}

// turnCommand maps an authoritative write request onto the state machine: a
// request carrying an expected turn is a guarded advance, anything else is an
// unconditional set.
func turnCommand(turnNumber int, finish *int64, expected *int) turn.Command {
	if expected != nil {
		return turn.Command{Type: turn.CmdAdvance, ExpectedTurn: *expected, FinishTime: timePtr(finish)}
	}
	return turn.Command{Type: turn.CmdSet, Turn: turnNumber, FinishTime: timePtr(finish)}
}

// SetTurn is the authoritative turn write. The row is locked for the
// transaction and the state machine runs against the locked state, so the
// advance guard is race-free: a stale expected turn surfaces
// turn.ErrTurnConflict and changes nothing. turn.EvtReadinessReset clears
// non-gamemaster readiness (start-of-turn reset).
func (s *Store) SetTurn(joinCode string, turnNumber int, finish *int64, expected *int) (*GameInstance, error) {
	var out *GameInstance
	err := s.db.Transaction(func(tx *gorm.DB) error {
		g, err := lockGame(tx, joinCode)
		if err != nil {
			return err
		}

		events, next, err := turn.Apply(turnState(g), turnCommand(turnNumber, finish, expected))
		if err != nil {
			return err
		}

		g.Turn = next.Turn
		g.TurnFinishTime = unixPtr(next.FinishTime)
		if err := tx.Model(g).Updates(map[string]any{"turn": g.Turn, "turn_finish_time": g.TurnFinishTime}).Error; err != nil {
			return err
		}

		for _, ev := range events {
			if ev.Type == turn.EvtReadinessReset {
				if err := resetReadiness(tx, joinCode); err != nil {
					return err
				}
			}
		}
		out = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetTimer adjusts the deadline without touching turn or readiness.
func (s *Store) SetTimer(joinCode string, finish *int64) (*GameInstance, error) {
	var out *GameInstance
	err := s.db.Transaction(func(tx *gorm.DB) error {
		g, err := lockGame(tx, joinCode)
		if err != nil {
			return err
		}

		_, next, err := turn.Apply(turnState(g), turn.Command{Type: turn.CmdSetFinishTime, FinishTime: timePtr(finish)})
		if err != nil {
			return err
		}

		g.TurnFinishTime = unixPtr(next.FinishTime)
		if err := tx.Model(g).Update("turn_finish_time", g.TurnFinishTime).Error; err != nil {
			return err
		}
		out = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func lockGame(tx *gorm.DB, joinCode string) (*GameInstance, error) {
	var g GameInstance
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("join_code = ?", joinCode).
		First(&g).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func resetReadiness(tx *gorm.DB, joinCode string) error {
	games := tx.Model(&GameInstance{}).Select("id").Where("join_code = ?", joinCode)
	teamInstances := tx.Model(&TeamInstance{}).Select("id").Where("game_instance_id IN (?)", games)
	gamemasters := tx.Model(&Role{}).Select("id").Where("name = ?", hierarchy.GamemasterRole)
	return tx.Model(&RoleInstance{}).
		Where("team_instance_id IN (?)", teamInstances).
		Where("role_id NOT IN (?)", gamemasters).
		Update("ready", false).Error
}

// CreateRoleInstance binds a user (created on first sight) to a role on a
// team within the game, creating the team instance lazily.
func (s *Store) CreateRoleInstance(joinCode, username, teamName, roleName string) (*RoleInstance, error) {
	g, err := s.GameByCode(joinCode)
	if err != nil {
		return nil, err
	}

	var out *RoleInstance
	err = s.db.Transaction(func(tx *gorm.DB) error {
		var user User
		if err := tx.Where(User{Username: username}).FirstOrCreate(&user).Error; err != nil {
			return err
		}
		var team Team
		if err := tx.Where("name = ?", teamName).First(&team).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("team %q: %w", teamName, ErrNotFound)
			}
			return err
		}
		var role Role
		if err := tx.Where("name = ?", roleName).First(&role).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("role %q: %w", roleName, ErrNotFound)
			}
			return err
		}
		var ti TeamInstance
		if err := tx.Where(TeamInstance{TeamID: team.ID, GameInstanceID: g.ID}).FirstOrCreate(&ti).Error; err != nil {
			return err
		}
		ri := RoleInstance{UserID: user.ID, TeamInstanceID: ti.ID, RoleID: role.ID}
		if err := tx.Create(&ri).Error; err != nil {
			return err
		}
		out = &ri
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.RoleInstanceByID(out.ID)
}

func (s *Store) RoleInstanceByID(id uint) (*RoleInstance, error) {
	var ri RoleInstance
	err := s.db.
		Preload("User").
		Preload("Role").
		Preload("TeamInstance.Team").
		Preload("TeamInstance.GameInstance").
		First(&ri, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ri, nil
}

func (s *Store) SetReady(id uint, ready bool) (*RoleInstance, error) {
	res := s.db.Model(&RoleInstance{}).Where("id = ?", id).Update("ready", ready)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return s.RoleInstanceByID(id)
}

func (s *Store) DeleteRoleInstance(id uint) error {
	res := s.db.Delete(&RoleInstance{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Catalog returns the static team and role tables the permission resolver
// runs against. Served per join code so clients cache it session-scoped.
func (s *Store) Catalog() ([]Team, []Role, error) {
	var teams []Team
	if err := s.db.Order("name").Find(&teams).Error; err != nil {
		return nil, nil, err
	}
	var roles []Role
	if err := s.db.Order("name").Find(&roles).Error; err != nil {
		return nil, nil, err
	}
	return teams, roles, nil
}
