package notion

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/issuebridge/issuebridge/internal/schema"
)

// DatabaseInfo describes a source database.
type DatabaseInfo struct {
	ID     string            `json:"id"`
	Title  string            `json:"title"`
	Fields map[string]string `json:"fields"`
}

type property struct {
	Name string
	Type string
}

// databaseSchema is the cached shape of a database. Properties keep the
// order Notion returned them in.
type databaseSchema struct {
	ID         string
	Title      string
	Properties []property
}

// DescribeDatabase fetches a database's title and property types. It is
// used to validate a connection before it is saved.
func (c *Client) DescribeDatabase(ctx context.Context, databaseID string) (*DatabaseInfo, error) {
	databaseID = strings.TrimSpace(databaseID)
	if databaseID == "" {
		return nil, fmt.Errorf("database id is required")
	}
	// Always refetch so a describe call also refreshes the cache.
	c.schemas.Remove(databaseID)
	s, err := c.databaseSchema(ctx, databaseID)
	if err != nil {
		return nil, err
	}
	info := &DatabaseInfo{ID: s.ID, Title: s.Title, Fields: make(map[string]string, len(s.Properties))}
	for _, p := range s.Properties {
		info.Fields[p.Name] = p.Type
	}
	return info, nil
}

// Forget drops the cached schema for a database.
func (c *Client) Forget(databaseID string) {
	c.schemas.Remove(databaseID)
}

func (c *Client) databaseSchema(ctx context.Context, databaseID string) (*databaseSchema, error) {
	if s, ok := c.schemas.Get(databaseID); ok {
		return s, nil
	}
	resp, err := c.do(ctx, http.MethodGet, "/v1/databases/"+url.PathEscape(databaseID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve database %s: %w", databaseID, err)
	}

	s := &databaseSchema{
		ID:    resp.Get("id").String(),
		Title: plainText(resp.Get("title")),
	}
	if s.ID == "" {
		s.ID = databaseID
	}
	resp.Get("properties").ForEach(func(key, prop gjson.Result) bool {
		s.Properties = append(s.Properties, property{Name: key.String(), Type: prop.Get("type").String()})
		return true
	})
	c.schemas.Add(databaseID, s)
	return s, nil
}

// statusProperty picks the property holding record status: an exact
// status/state name first, then any name containing it.
func (s *databaseSchema) statusProperty() (property, bool) {
	filterable := func(typ string) bool {
		switch typ {
		case "status", "select", "multi_select", "rich_text", "title":
			return true
		}
		return false
	}
	for _, p := range s.Properties {
		if isStatusName(p.Name) && filterable(p.Type) {
			return p, true
		}
	}
	for _, p := range s.Properties {
		if containsStatusName(p.Name) && filterable(p.Type) {
			return p, true
		}
	}
	return property{}, false
}

// openFilter builds the query filter that selects open records, or nil when
// the database has no usable status property.
func (s *databaseSchema) openFilter() map[string]any {
	p, ok := s.statusProperty()
	if !ok {
		return nil
	}
	open := schema.StatusOpen.String()
	switch p.Type {
	case "status":
		return map[string]any{"property": p.Name, "status": map[string]any{"equals": open}}
	case "select":
		return map[string]any{"property": p.Name, "select": map[string]any{"equals": open}}
	case "multi_select":
		return map[string]any{"property": p.Name, "multi_select": map[string]any{"contains": open}}
	case "rich_text", "title":
		return map[string]any{"property": p.Name, "rich_text": map[string]any{"equals": open}}
	}
	return nil
}
