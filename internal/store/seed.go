package store

import "context"

// SeedDefaults installs the builtin normalization group on first boot. It is
// a no-op when a builtin group already exists.
func (db *DB) SeedDefaults(ctx context.Context) error {
	var exists bool
	err := db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM rule_groups WHERE is_builtin)`).Scan(&exists)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	g := RuleGroup{
		Name:        "Quality suffixes",
		Description: "Strips common quality markers from stream names",
		Enabled:     true,
		Priority:    100,
		IsBuiltin:   true,
	}
	if err := db.CreateRuleGroup(ctx, &g); err != nil {
		return err
	}

	seedRules := []Rule{
		{
			GroupID: g.ID, Name: "Strip HD/FHD/UHD suffix", Enabled: true, Priority: 10,
			ConditionType: CondRegex, ConditionValue: `(?i)\s+(F?HD|UHD|4K)$`,
			ActionType: ActionRemove,
		},
		{
			GroupID: g.ID, Name: "Collapse country prefix", Enabled: true, Priority: 20,
			ConditionType: CondRegex, ConditionValue: `^[A-Z]{2}[|:\-]\s*`,
			CaseSensitive: true,
			ActionType:    ActionRemove,
		},
		{
			GroupID: g.ID, Name: "Tidy leading punctuation", Enabled: true, Priority: 30,
			ConditionType: CondAlways,
			ActionType:    ActionNormalizePrefix,
		},
	}
	for i := range seedRules {
		if err := db.CreateRule(ctx, &seedRules[i]); err != nil {
			return err
		}
	}

	db.log.Info().Int64("group_id", g.ID).Msg("seeded builtin normalization rules")
	return nil
}
