package notion

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/issuebridge/issuebridge/internal/schema"
)

const (
	queryPageSize = 100
	untitled      = "Untitled"
)

// Property names that carry the human-facing issue number, compared after
// normalizeKey.
var externalKeyNames = map[string]bool{
	"issueid":     true,
	"id":          true,
	"issuenum":    true,
	"issuenumber": true,
	"ticketid":    true,
	"taskid":      true,
}

var keySeparators = regexp.MustCompile(`[\s_-]+`)

func normalizeKey(name string) string {
	return keySeparators.ReplaceAllString(strings.ToLower(name), "")
}

func isStatusName(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return lower == "status" || lower == "state"
}

func containsStatusName(name string) bool {
	lower := strings.ToLower(name)
	return strings.Contains(lower, "status") || strings.Contains(lower, "state")
}

// ListOpenRecords returns every open record in the database, following
// query pagination to the end.
func (c *Client) ListOpenRecords(ctx context.Context, databaseID string) ([]schema.SourceRecord, error) {
	databaseID = strings.TrimSpace(databaseID)
	if databaseID == "" {
		return nil, fmt.Errorf("database id is required")
	}

	dbSchema, err := c.databaseSchema(ctx, databaseID)
	if err != nil {
		return nil, err
	}
	filter := dbSchema.openFilter()

	path := "/v1/databases/" + url.PathEscape(databaseID) + "/query"
	var records []schema.SourceRecord
	cursor := ""
	for {
		body := map[string]any{"page_size": queryPageSize}
		if filter != nil {
			body["filter"] = filter
		}
		if cursor != "" {
			body["start_cursor"] = cursor
		}

		resp, err := c.do(ctx, http.MethodPost, path, body)
		if err != nil {
			if isStatusCode(err, http.StatusBadRequest) {
				// The cached schema may be stale after a property rename.
				c.schemas.Remove(databaseID)
			}
			return nil, fmt.Errorf("failed to query database %s: %w", databaseID, err)
		}

		resp.Get("results").ForEach(func(_, page gjson.Result) bool {
			if page.Get("object").String() == "page" || page.Get("properties").Exists() {
				records = append(records, parsePage(page))
			}
			return true
		})

		next := resp.Get("next_cursor").String()
		if !resp.Get("has_more").Bool() || next == "" {
			break
		}
		cursor = next
	}

	c.logger.WithFields(logrus.Fields{
		"database": databaseID,
		"records":  len(records),
		"filtered": filter != nil,
	}).Debug("listed source records")
	return records, nil
}

// parsePage normalizes a Notion page object into a SourceRecord.
func parsePage(page gjson.Result) schema.SourceRecord {
	rec := schema.SourceRecord{
		ID:  page.Get("id").String(),
		URL: page.Get("url").String(),
	}

	page.Get("properties").ForEach(func(key, prop gjson.Result) bool {
		name := key.String()
		typ := prop.Get("type").String()

		switch {
		case typ == "title" && rec.Title == "":
			rec.Title = plainText(prop.Get("title"))
		case (typ == "status" || typ == "select") && rec.Status == "" && containsStatusName(name):
			rec.Status = schema.Status(prop.Get(typ + ".name").String())
		case typ == "rich_text" && rec.Description == "":
			lower := strings.ToLower(name)
			if strings.Contains(lower, "description") || strings.Contains(lower, "content") {
				rec.Description = plainText(prop.Get("rich_text"))
			}
		}

		if rec.ExternalKey == "" && externalKeyNames[normalizeKey(name)] {
			rec.ExternalKey = externalKey(prop)
		}
		return true
	})

	if rec.Title == "" {
		rec.Title = untitled
	}
	if rec.Status == "" {
		rec.Status = schema.StatusOpen
	}
	return rec
}

// externalKey reads an issue number from the property types Notion
// databases commonly use for it.
func externalKey(prop gjson.Result) string {
	switch prop.Get("type").String() {
	case "unique_id":
		number := prop.Get("unique_id.number")
		if number.Type != gjson.Number {
			return ""
		}
		n := strconv.FormatInt(number.Int(), 10)
		if prefix := prop.Get("unique_id.prefix").String(); prefix != "" {
			return prefix + "-" + n
		}
		return n
	case "rich_text":
		return strings.TrimSpace(plainText(prop.Get("rich_text")))
	case "title":
		return strings.TrimSpace(plainText(prop.Get("title")))
	case "number":
		number := prop.Get("number")
		if number.Type != gjson.Number {
			return ""
		}
		return strconv.FormatFloat(number.Float(), 'f', -1, 64)
	case "formula":
		return strings.TrimSpace(prop.Get("formula.string").String())
	}
	return ""
}

// plainText concatenates the plain_text of a rich text array.
func plainText(items gjson.Result) string {
	var b strings.Builder
	items.ForEach(func(_, item gjson.Result) bool {
		b.WriteString(item.Get("plain_text").String())
		return true
	})
	return b.String()
}
