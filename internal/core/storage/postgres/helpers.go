package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aevon-lab/usage-engine/internal/core/aggregation"
	"github.com/aevon-lab/usage-engine/internal/core/storage"
)

// lastEventColumns is the projection decoded by scanEventRow.
var lastEventColumns = []string{
	"events.transaction_id",
	"events.organization_id",
	"events.external_subscription_id",
	"COALESCE(events.subscription_id, '')",
	"events.code",
	"events.timestamp",
	"events.properties",
	"events.precise_total_amount_cents::text",
}

// scanEventRow scans a database row into an Event.
// JSON properties are flattened to strings; non-string scalars keep their JSON text.
func scanEventRow(row storage.RowScanner) (*aggregation.Event, error) {
	var evt aggregation.Event
	var propertiesJSON []byte
	var preciseCents sql.NullString

	err := row.Scan(
		&evt.TransactionID,
		&evt.OrganizationID,
		&evt.ExternalSubscriptionID,
		&evt.SubscriptionID,
		&evt.Code,
		&evt.Timestamp,
		&propertiesJSON,
		&preciseCents,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan event row: %w", err)
	}

	evt.Timestamp = evt.Timestamp.UTC()

	if evt.Properties, err = decodeProperties(propertiesJSON); err != nil {
		return nil, err
	}

	if evt.PreciseTotalAmountCents, err = storage.NullDecimal(preciseCents); err != nil {
		return nil, err
	}

	return &evt, nil
}

func decodeProperties(raw []byte) (map[string]string, error) {
	props := map[string]string{}
	if len(raw) == 0 {
		return props, nil
	}

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("failed to unmarshal properties: %w", err)
	}

	for key, value := range decoded {
		var s string
		if err := json.Unmarshal(value, &s); err == nil {
			props[key] = s
			continue
		}
		text := strings.TrimSpace(string(value))
		if text == "null" {
			continue
		}
		props[key] = text
	}
	return props, nil
}
