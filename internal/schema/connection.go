package schema

import (
	"fmt"
	"time"
)

// Connection pairs a source database with a sink channel.
type Connection struct {
	ID               int64      `json:"id" yaml:"-" toml:"-"`
	SourceDatabaseID string     `json:"source_database_id" yaml:"source_database_id" toml:"source_database_id"`
	SinkChannelID    string     `json:"sink_channel_id" yaml:"sink_channel_id" toml:"sink_channel_id"`
	Name             string     `json:"name" yaml:"name" toml:"name"`
	SourceName       string     `json:"source_name,omitempty" yaml:"source_name,omitempty" toml:"source_name,omitempty"`
	SinkName         string     `json:"sink_name,omitempty" yaml:"sink_name,omitempty" toml:"sink_name,omitempty"`
	LastCheckedAt    *time.Time `json:"last_checked_at,omitempty" yaml:"-" toml:"-"`
	Active           bool       `json:"active" yaml:"-" toml:"-"`
	CreatedAt        time.Time  `json:"created_at" yaml:"-" toml:"-"`
	UpdatedAt        time.Time  `json:"updated_at" yaml:"-" toml:"-"`
}

// Validate checks if the Connection has valid field values.
func (c *Connection) Validate() error {
	if c.SourceDatabaseID == "" {
		return fmt.Errorf("source_database_id is required")
	}
	if c.SinkChannelID == "" {
		return fmt.Errorf("sink_channel_id is required")
	}
	if len(c.Name) > 200 {
		return fmt.Errorf("name must be 200 characters or less (got %d)", len(c.Name))
	}
	return nil
}

// SetDefaults fills in a display name when none was given.
func (c *Connection) SetDefaults() {
	if c.Name == "" {
		c.Name = fmt.Sprintf("%s -> %s", shortID(c.SourceDatabaseID), c.SinkChannelID)
	}
}

// Label is the human-facing name used in logs and command output.
func (c *Connection) Label() string {
	if c.Name != "" {
		return c.Name
	}
	return fmt.Sprintf("connection %d", c.ID)
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[len(id)-8:]
}
