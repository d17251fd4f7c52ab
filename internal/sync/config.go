// Package sync provides bidirectional synchronization between the local
// PostgreSQL store and a remote Airtable base.
package sync

import "time"

// Direction selects which legs of a sync run execute.
type Direction string

const (
	DirectionPush          Direction = "push_only"
	DirectionPull          Direction = "pull_only"
	DirectionBidirectional Direction = "bidirectional"
)

// Strategy selects how field conflicts are resolved.
type Strategy string

const (
	StrategyLocalWins      Strategy = "local_wins"
	StrategyRemoteWins     Strategy = "remote_wins"
	StrategyTimestampBased Strategy = "timestamp_based"
	StrategySmartMerge     Strategy = "smart_merge"
	StrategyManualReview   Strategy = "manual_review"
)

// EntityType maps one local entity type onto its remote table.
type EntityType struct {
	Name                string            // local entity type name
	RemoteTable         string            // remote table name
	FieldMap            map[string]string // local field -> remote field
	RemoteModifiedField string            // remote column carrying the modification timestamp
	TimeFields          []string          // local fields serialized as RFC3339 on the remote side
	JSONFields          []string          // local fields serialized as JSON strings on the remote side
}

// Config is immutable per Engine instance.
type Config struct {
	EntityTypes      []EntityType
	Direction        Direction
	Strategy         Strategy
	BatchSize        int
	MaxRetries       int
	BackupBeforeSync bool
	InterBatchDelay  time.Duration
	// SinceFallback bounds the first sync window when no watermark exists yet.
	SinceFallback time.Duration
}

// DefaultConfig returns the configuration used by the standard sync jobs.
func DefaultConfig() Config {
	return Config{
		EntityTypes:     DefaultEntityTypes(),
		Direction:       DirectionBidirectional,
		Strategy:        StrategySmartMerge,
		BatchSize:       10,
		MaxRetries:      3,
		InterBatchDelay: 500 * time.Millisecond,
		SinceFallback:   time.Hour,
	}
}

// DefaultEntityTypes lists the entity types synchronized out of the box.
func DefaultEntityTypes() []EntityType {
	return []EntityType{
		{
			Name:        "revenue_streams",
			RemoteTable: "Revenue Streams",
			FieldMap: map[string]string{
				"name":        "Stream Name",
				"category":    "Category",
				"revenue":     "Monthly Revenue",
				"status":      "Status",
				"notes":       "Notes",
				"tags":        "Tags",
				"updated_at":  "Last Modified",
				"launched_at": "Launch Date",
			},
			RemoteModifiedField: "Last Modified",
			TimeFields:          []string{"updated_at", "launched_at"},
			JSONFields:          []string{"tags"},
		},
		{
			Name:        "ai_agents",
			RemoteTable: "AI Agents",
			FieldMap: map[string]string{
				"agent_name":    "Agent Name",
				"description":   "Description",
				"status":        "Status",
				"tools":         "Tools",
				"last_activity": "Last Activity",
				"updated_at":    "Last Modified",
			},
			RemoteModifiedField: "Last Modified",
			TimeFields:          []string{"last_activity", "updated_at"},
			JSONFields:          []string{"tools"},
		},
		{
			Name:        "executive_opportunities",
			RemoteTable: "Executive Opportunities",
			FieldMap: map[string]string{
				"company":      "Company",
				"role":         "Role",
				"compensation": "Compensation",
				"stage":        "Stage",
				"notes":        "Notes",
				"sources":      "Sources",
				"updated_at":   "Last Modified",
			},
			RemoteModifiedField: "Last Modified",
			TimeFields:          []string{"updated_at"},
			JSONFields:          []string{"sources"},
		},
		{
			Name:        "retreat_events",
			RemoteTable: "Retreat Events",
			FieldMap: map[string]string{
				"title":      "Title",
				"location":   "Location",
				"price":      "Price",
				"capacity":   "Capacity",
				"starts_at":  "Start Date",
				"notes":      "Notes",
				"categories": "Categories",
				"updated_at": "Last Modified",
			},
			RemoteModifiedField: "Last Modified",
			TimeFields:          []string{"starts_at", "updated_at"},
			JSONFields:          []string{"categories"},
		},
	}
}

// EntityTypeByName finds a configured entity type by its local name.
func (c Config) EntityTypeByName(name string) (EntityType, bool) {
	for _, et := range c.EntityTypes {
		if et.Name == name {
			return et, true
		}
	}
	return EntityType{}, false
}
