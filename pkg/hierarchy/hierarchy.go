package hierarchy

import "sort"

// Well-known names. The Gamemasters team and its single role sit outside the
// normal team/role catalog and are addressable by everyone.
const (
	GamemasterTeam         = "Gamemasters"
	GamemasterRole         = "Gamemaster"
	CombatantCommanderRole = "Combatant Commander"
	AmbassadorRole         = "Ambassador"
)

// Team is a static catalog entry, immutable for the session's lifetime.
type Team struct {
	ID   uint
	Name string
}

// Role is a static catalog entry. The hierarchy flags drive Resolve; Branch
// scopes commander/vice-commander/chief-of-staff relationships.
type Role struct {
	ID              uint
	Name            string
	Branch          string
	IsCommander     bool
	IsViceCommander bool
	IsChiefOfStaff  bool
	IsOperations    bool
	IsLogistics     bool
}

// ChannelKey identifies a logical communication endpoint group. Multiple users
// may share one key (e.g. every "Blue Logistics" participant).
type ChannelKey struct {
	TeamName string
	RoleName string
}

// Resolve computes the full set of (team, role) destinations a role may
// address. The rules are evaluated independently and unioned; a role matching
// several rules gets the union of their destinations. The result is
// deduplicated and sorted lexicographically by (team, role) so callers get a
// deterministic ordering.
func Resolve(viewer Role, ownTeam string, teams []Team, roles []Role) []ChannelKey {
	set := map[ChannelKey]struct{}{}
	add := func(team, role string) {
		set[ChannelKey{TeamName: team, RoleName: role}] = struct{}{}
	}

	if viewer.Name == GamemasterRole {
		add(GamemasterTeam, GamemasterRole)
		for _, t := range teams {
			if t.Name == GamemasterTeam {
				continue
			}
			for _, r := range roles {
				if r.Name == GamemasterRole {
					continue
				}
				add(t.Name, r.Name)
			}
		}
	}

	if viewer.Name == CombatantCommanderRole {
		add(ownTeam, viewer.Name)
		add(GamemasterTeam, GamemasterRole)
		add(ownTeam, AmbassadorRole)
		for _, r := range roles {
			if r.IsChiefOfStaff {
				add(ownTeam, r.Name)
			}
		}
	}

	if viewer.Name == AmbassadorRole {
		add(GamemasterTeam, GamemasterRole)
		add(ownTeam, CombatantCommanderRole)
		for _, r := range roles {
			if r.IsChiefOfStaff {
				add(ownTeam, r.Name)
			}
		}
		for _, t := range teams {
			if t.Name == ownTeam || t.Name == GamemasterTeam {
				continue
			}
			add(t.Name, AmbassadorRole)
		}
	}

	if viewer.IsChiefOfStaff {
		add(ownTeam, viewer.Name)
		add(GamemasterTeam, GamemasterRole)
		add(ownTeam, CombatantCommanderRole)
		for _, r := range roles {
			if r.IsCommander && r.Branch == viewer.Branch {
				add(ownTeam, r.Name)
			}
		}
	}

	if viewer.IsCommander {
		add(GamemasterTeam, GamemasterRole)
		for _, r := range roles {
			if r.Branch != viewer.Branch {
				continue
			}
			if r.IsChiefOfStaff || r.IsCommander || r.IsViceCommander {
				add(ownTeam, r.Name)
			}
		}
	}

	if viewer.IsViceCommander {
		add(GamemasterTeam, GamemasterRole)
		for _, r := range roles {
			if r.Branch != viewer.Branch {
				continue
			}
			if r.IsCommander || r.IsViceCommander {
				add(ownTeam, r.Name)
			}
		}
	}

	keys := make([]ChannelKey, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].TeamName != keys[j].TeamName {
			return keys[i].TeamName < keys[j].TeamName
		}
		return keys[i].RoleName < keys[j].RoleName
	})
	return keys
}

// Contains reports whether key is one of the resolved destinations.
func Contains(keys []ChannelKey, key ChannelKey) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}
