// Package pancake talks to the Pancake POS API and decodes its order payloads,
// both the ones pulled during a sync and the ones pushed by webhooks.
package pancake

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/flowforge/syncflow/pkg/model"
)

var ErrMalformedPayload = errors.New("malformed pancake payload")

// Column widths of the order tables.
const (
	MaxIDLength         = 64
	maxStatusNameLength = 64
	maxPhoneLength      = 32
)

// statusNames maps the POS order status codes this service knows about.
var statusNames = map[int]string{
	0:  "new",
	1:  "confirmed",
	2:  "shipped",
	3:  "delivered",
	4:  "returning",
	5:  "returned",
	6:  "canceled",
	7:  "deleted",
	8:  "packing",
	9:  "waiting",
	11: "restocking",
	12: "wait_print",
	13: "printed",
	15: "partial_return",
	16: "collected",
	17: "wait_confirm",
	20: "purchased",
}

func StatusName(code int) (string, bool) {
	name, ok := statusNames[code]
	return name, ok
}

// Order is one decoded POS order. Raw keeps the provider's bytes as received.
type Order struct {
	ID            string
	ShopID        string
	Status        *int
	StatusName    string
	CustomerName  string
	CustomerPhone string
	TotalPrice    float64
	InsertedAt    *time.Time
	UpdatedAt     *time.Time
	Raw           json.RawMessage
	Warnings      []string
}

// ContentHash identifies the order's content independently of whitespace.
func (o Order) ContentHash() string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, o.Raw); err != nil {
		compact.Reset()
		compact.Write(o.Raw)
	}
	sum := sha256.Sum256(compact.Bytes())
	return hex.EncodeToString(sum[:])
}

func (o Order) Warning() string {
	return strings.Join(o.Warnings, "; ")
}

// PosOrder maps the order onto the stored row for tenantID. source tells
// whether it came from a sync or a webhook.
func (o Order) PosOrder(tenantID uuid.UUID, source string) *model.PosOrder {
	row := &model.PosOrder{
		TenantID:           tenantID,
		ShopID:             o.ShopID,
		ProviderOrderID:    o.ID,
		StatusName:         o.StatusName,
		CustomerName:       o.CustomerName,
		CustomerPhone:      o.CustomerPhone,
		TotalPrice:         o.TotalPrice,
		ProviderInsertedAt: o.InsertedAt,
		ProviderUpdatedAt:  o.UpdatedAt,
		ContentHash:        o.ContentHash(),
		Raw:                datatypes.JSON(o.Raw),
		Source:             source,
	}
	if o.Status != nil {
		row.Status = *o.Status
	}
	return row
}

// SplitPayload returns the raw order objects in body, in payload order. A body
// may be a single order, an array of orders, or an object wrapping them under
// "data" or "orders".
func SplitPayload(body []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedPayload)
	}

	switch trimmed[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return items, nil
	case '{':
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		for _, key := range []string{"data", "orders"} {
			if inner, ok := envelope[key]; ok {
				if _, hasID := envelope["id"]; !hasID {
					return SplitPayload(inner)
				}
			}
		}
		return []json.RawMessage{json.RawMessage(trimmed)}, nil
	default:
		return nil, fmt.Errorf("%w: expected object or array", ErrMalformedPayload)
	}
}

// DecodeOrder validates and decodes one raw order object.
func DecodeOrder(raw json.RawMessage) (Order, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var fields map[string]interface{}
	if err := decoder.Decode(&fields); err != nil {
		return Order{}, fmt.Errorf("order is not a JSON object: %w", err)
	}

	order := Order{Raw: raw}
	order.ID = scalarString(fields["id"])
	if order.ID == "" {
		return order, errors.New("order id is required")
	}
	order.ShopID = scalarString(fields["shop_id"])
	if order.ShopID == "" {
		return order, errors.New("shop_id is required")
	}
	// Over-long ids are reported clipped so the failure can still be recorded.
	if utf8.RuneCountInString(order.ID) > MaxIDLength {
		order.ID = clip(order.ID, MaxIDLength)
		order.ShopID = clip(order.ShopID, MaxIDLength)
		return order, fmt.Errorf("order id is longer than %d characters", MaxIDLength)
	}
	if utf8.RuneCountInString(order.ShopID) > MaxIDLength {
		order.ShopID = clip(order.ShopID, MaxIDLength)
		return order, fmt.Errorf("shop_id is longer than %d characters", MaxIDLength)
	}

	if value, ok := fields["status"]; ok && value != nil {
		code, err := strconv.Atoi(scalarString(value))
		if err != nil {
			return order, fmt.Errorf("status %v is not a numeric code", value)
		}
		order.Status = &code
		if name, known := StatusName(code); known {
			order.StatusName = name
		} else {
			order.Warnings = append(order.Warnings, fmt.Sprintf("unknown status code %d", code))
		}
	} else {
		order.Warnings = append(order.Warnings, "missing status")
	}
	if name := scalarString(fields["status_name"]); name != "" {
		order.StatusName = clip(name, maxStatusNameLength)
	}

	order.CustomerName = scalarString(fields["bill_full_name"])
	order.CustomerPhone = scalarString(fields["bill_phone_number"])
	switch {
	case order.CustomerPhone == "":
		order.Warnings = append(order.Warnings, "missing customer phone")
	case utf8.RuneCountInString(order.CustomerPhone) > maxPhoneLength:
		order.CustomerPhone = clip(order.CustomerPhone, maxPhoneLength)
		order.Warnings = append(order.Warnings, "customer phone truncated")
	}

	if total := scalarString(fields["total_price"]); total != "" {
		price, err := strconv.ParseFloat(total, 64)
		if err != nil {
			return order, fmt.Errorf("total_price %q is not a number", total)
		}
		order.TotalPrice = price
	}

	order.InsertedAt = parseTimestamp(scalarString(fields["inserted_at"]))
	order.UpdatedAt = parseTimestamp(scalarString(fields["updated_at"]))

	return order, nil
}

func clip(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}

func scalarString(value interface{}) string {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// parseTimestamp reads provider timestamps; values without an offset are UTC.
func parseTimestamp(value string) *time.Time {
	if value == "" {
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			utc := parsed.UTC()
			return &utc
		}
	}
	return nil
}
