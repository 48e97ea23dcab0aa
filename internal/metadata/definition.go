// Package metadata loads entity definitions and cascade configurations from a
// TOML file into a cascade.Registry.
//
// A minimal file:
//
//	[[entity]]
//	type = "employee"
//	table = "employees"
//	display = 'root.name'
//
//	  [[entity.blocker]]
//	  name = "payroll"
//	  table = "payroll"
//	  foreign_key = "employee_id"
//	  reason = "employee has {count} payroll record(s)"
//
//	  [[entity.tier]]
//	  entity_type = "leave_request"
//	  table = "leave_requests"
//	  foreign_key = "employee_id"
package metadata

// File is the root of a cascade configuration file.
type File struct {
	Entities []EntityDef `toml:"entity" validate:"dive"`
}

// EntityDef describes one entity type. An entity without blockers and tiers
// is registered without a cascade.
type EntityDef struct {
	Type       string `toml:"type" validate:"required"`
	Table      string `toml:"table" validate:"required,sqlident"`
	PrimaryKey string `toml:"primary_key" validate:"omitempty,sqlident"`

	// KeyType is "integer" or "text". When unset ids are bound as given.
	KeyType string `toml:"key_type" validate:"omitempty,oneof=integer text"`

	// Display is a CEL string expression over root, e.g. 'root.first + " " + root.last'.
	Display string `toml:"display"`

	Blockers []BlockerDef `toml:"blocker" validate:"dive"`
	Tiers    []TierDef    `toml:"tier" validate:"dive"`
}

// BlockerDef is a declarative deletion precondition.
//
// When Table is set the blocker counts rows of Table whose ForeignKey equals
// the root's RootColumn (primary key by default), narrowed by Filter. When is
// a CEL boolean over root and count; it defaults to "count > 0" for counting
// blockers and is required otherwise.
type BlockerDef struct {
	Name       string         `toml:"name" validate:"required"`
	Table      string         `toml:"table" validate:"omitempty,sqlident"`
	ForeignKey string         `toml:"foreign_key" validate:"required_with=Table,omitempty,sqlident"`
	RootColumn string         `toml:"root_column" validate:"omitempty,sqlident"`
	Filter     map[string]any `toml:"filter"`
	When       string         `toml:"when"`

	// Reason is the message reported when the blocker fires; "{count}" is
	// replaced by the row count. Message is a CEL string expression used instead.
	Reason  string `toml:"reason" validate:"required_without=Message"`
	Message string `toml:"message"`
}

// TierDef is one dependent tier, listed in snapshot order: deepest tiers first,
// the root's direct children last.
type TierDef struct {
	EntityType string `toml:"entity_type"`
	Table      string `toml:"table" validate:"required,sqlident"`
	PrimaryKey string `toml:"primary_key" validate:"omitempty,sqlident"`

	// ForeignKey references the root (or RootColumn of the root), or, with
	// Through, the primary key of the named parent tier.
	ForeignKey string         `toml:"foreign_key" validate:"required,sqlident"`
	RootColumn string         `toml:"root_column" validate:"omitempty,sqlident,excluded_with=Through"`
	Through    string         `toml:"through" validate:"omitempty,sqlident"`
	Filter     map[string]any `toml:"filter"`
	OrderBy    []string       `toml:"order_by"`
}
