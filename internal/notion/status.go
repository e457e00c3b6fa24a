package notion

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/issuebridge/issuebridge/internal/schema"
)

// ErrNoStatusProperty is returned by WriteStatus when the page has nothing
// to write a status into.
var ErrNoStatusProperty = errors.New("no status or select property")

// WriteStatus sets a page's status property and returns the page as Notion
// reports it after the update.
func (c *Client) WriteStatus(ctx context.Context, recordID string, status schema.Status) (schema.SourceRecord, error) {
	recordID = strings.TrimSpace(recordID)
	if recordID == "" {
		return schema.SourceRecord{}, fmt.Errorf("record id is required")
	}
	path := "/v1/pages/" + url.PathEscape(recordID)

	page, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return schema.SourceRecord{}, fmt.Errorf("failed to retrieve page %s: %w", recordID, err)
	}

	name, typ, ok := statusWriteProperty(page.Get("properties"))
	if !ok {
		return schema.SourceRecord{}, fmt.Errorf("page %s: %w", recordID, ErrNoStatusProperty)
	}

	body := map[string]any{
		"properties": map[string]any{
			name: map[string]any{typ: map[string]any{"name": status.String()}},
		},
	}
	updated, err := c.do(ctx, http.MethodPatch, path, body)
	if err != nil {
		return schema.SourceRecord{}, fmt.Errorf("failed to update page %s: %w", recordID, err)
	}

	c.logger.WithFields(logrus.Fields{
		"record":   recordID,
		"property": name,
		"status":   status,
	}).Info("wrote status to source")
	return parsePage(updated), nil
}

// statusWriteProperty chooses the property a status change is written to.
func statusWriteProperty(props gjson.Result) (name, typ string, ok bool) {
	type candidate struct{ name, typ string }
	var all []candidate
	props.ForEach(func(key, prop gjson.Result) bool {
		all = append(all, candidate{key.String(), prop.Get("type").String()})
		return true
	})

	rules := []func(candidate) bool{
		func(p candidate) bool { return p.typ == "status" && isStatusName(p.name) },
		func(p candidate) bool { return p.typ == "select" && isStatusName(p.name) },
		func(p candidate) bool {
			return (p.typ == "status" || p.typ == "select") && containsStatusName(p.name)
		},
		func(p candidate) bool { return p.typ == "select" },
	}
	for _, match := range rules {
		for _, p := range all {
			if match(p) {
				return p.name, p.typ, true
			}
		}
	}
	return "", "", false
}
