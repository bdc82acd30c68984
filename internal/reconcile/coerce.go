package reconcile

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Column aliases for the normalized entity fields. The staging payload keeps
// every source column; reconciliation reads only these.
var (
	yearColumns      = []string{"year", "model_year", "yr"}
	makeColumns      = []string{"make", "manufacturer"}
	modelColumns     = []string{"model"}
	trimColumns      = []string{"trim", "trim_level", "series"}
	siteColumns      = []string{"site", "sale_site", "branch", "yard"}
	cityColumns      = []string{"city", "sale_city"}
	stateColumns     = []string{"state", "sale_state", "province"}
	auctionColumns   = []string{"auction_date", "auction_datetime", "sale_date"}
	bidColumns       = []string{"current_bid", "high_bid", "bid"}
	statusColumns    = []string{"status", "sale_status", "lot_status"}
	approvalColumns  = []string{"on_approval", "reserve", "if_bid", "approval"}
	revisionColumns  = []string{"revision_date", "last_updated", "updated_at", "row_updated"}
	attributeColumns = []string{"color", "body_style", "engine", "fuel", "odometer", "damage"}
)

// payloadView is a staging payload with normalized column names, built once
// per row for alias-tolerant lookups.
type payloadView map[string]string

func newPayloadView(payload map[string]string) payloadView {
	v := make(payloadView, len(payload))
	for k, val := range payload {
		v[normalizeKey(k)] = strings.TrimSpace(val)
	}
	return v
}

// first returns the first non-empty value among the named columns.
func (v payloadView) first(names []string) string {
	for _, name := range names {
		if val := v[normalizeKey(name)]; val != "" {
			return val
		}
	}
	return ""
}

func normalizeKey(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// parseYear validates the model year domain. Out-of-domain values are
// rejected per-field, never per-row.
func parseYear(s string, now time.Time) (*int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, true
	}
	y, err := strconv.Atoi(s)
	if err != nil {
		return nil, false
	}
	if y < 1900 || y > now.Year()+2 {
		return nil, false
	}
	return &y, true
}

// parseBid parses a money amount, tolerating currency symbols and grouping.
func parseBid(s string) (*decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, true
	}
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, false
	}
	return &d, true
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
	"01/02/2006",
}

// parseTime tries the layouts seen in source exports. Times without a zone
// are taken as UTC.
func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func parseBoolYN(s string) bool {
	s = strings.TrimSpace(s)
	return strings.EqualFold(s, "Y") || strings.EqualFold(s, "YES") ||
		strings.EqualFold(s, "TRUE") || s == "1"
}

// collectAttributes keeps the descriptive extras worth carrying on the
// vehicle document.
func collectAttributes(view payloadView) map[string]string {
	var attrs map[string]string
	for _, name := range attributeColumns {
		if v := view[normalizeKey(name)]; v != "" {
			if attrs == nil {
				attrs = make(map[string]string)
			}
			attrs[name] = v
		}
	}
	return attrs
}
