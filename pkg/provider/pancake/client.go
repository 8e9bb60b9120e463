package pancake

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/flowforge/syncflow/pkg/adapter"
	"github.com/flowforge/syncflow/pkg/daterange"
)

const maxPages = 200

// Client fetches one shop's orders for one calendar day.
//
//go:generate mockgen -source=client.go -destination=../../mocks/pancake_client.go -package=mocks -mock_names=Client=MockPancakeClient
type Client interface {
	FetchOrders(ctx context.Context, apiKey, shopID string, day daterange.Date, loc *time.Location) ([]Order, error)
}

type HTTPClient struct {
	http     adapter.HTTPClient
	baseURL  string
	pageSize int
}

func NewClient(http adapter.HTTPClient, baseURL string, pageSize int) *HTTPClient {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &HTTPClient{
		http:     http,
		baseURL:  strings.TrimRight(baseURL, "/"),
		pageSize: pageSize,
	}
}

type ordersPage struct {
	Data       []json.RawMessage `json:"data"`
	TotalPages int               `json:"total_pages"`
	PageNumber int               `json:"page_number"`
}

func (c *HTTPClient) FetchOrders(ctx context.Context, apiKey, shopID string, day daterange.Date, loc *time.Location) ([]Order, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("pancake api key is not configured")
	}
	if loc == nil {
		loc = time.UTC
	}
	start := day.In(loc)
	end := day.AddDays(1).In(loc).Add(-time.Second)

	var orders []Order
	for page := 1; page <= maxPages; page++ {
		query := url.Values{}
		query.Set("api_key", apiKey)
		query.Set("startDateTime", strconv.FormatInt(start.Unix(), 10))
		query.Set("endDateTime", strconv.FormatInt(end.Unix(), 10))
		query.Set("page_number", strconv.Itoa(page))
		query.Set("page_size", strconv.Itoa(c.pageSize))
		endpoint := fmt.Sprintf("%s/shops/%s/orders?%s", c.baseURL, url.PathEscape(shopID), query.Encode())

		var resp ordersPage
		if err := c.http.GetJSON(ctx, endpoint, nil, &resp); err != nil {
			return nil, fmt.Errorf("fetch orders page %d: %w", page, err)
		}

		for i, raw := range resp.Data {
			order, err := DecodeOrder(raw)
			if err != nil {
				return nil, fmt.Errorf("malformed order %d on page %d: %w", i, page, err)
			}
			orders = append(orders, order)
		}

		if len(resp.Data) == 0 || page >= resp.TotalPages {
			break
		}
	}
	return orders, nil
}
