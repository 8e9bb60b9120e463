package pancake

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowforge/syncflow/pkg/adapter"
	"github.com/flowforge/syncflow/pkg/daterange"
)

func TestFetchOrdersFollowsPages(t *testing.T) {
	day, _ := daterange.ParseDate("2024-01-05")
	loc := time.FixedZone("UTC+7", 7*3600)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/shops/42/orders", r.URL.Path)
		assert.Equal(t, "key", r.URL.Query().Get("api_key"))

		start, _ := strconv.ParseInt(r.URL.Query().Get("startDateTime"), 10, 64)
		assert.Equal(t, day.In(loc).Unix(), start)

		page := r.URL.Query().Get("page_number")
		fmt.Fprintf(w, `{"data":[{"id":%s1,"shop_id":42,"status":1,"bill_phone_number":"1"}],"total_pages":2,"page_number":%s}`, page, page)
	}))
	defer server.Close()

	client := NewClient(adapter.NewHTTPClient(time.Second, time.Second, zap.NewNop()), server.URL, 50)
	orders, err := client.FetchOrders(context.Background(), "key", "42", day, loc)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "11", orders[0].ID)
	assert.Equal(t, "21", orders[1].ID)
}

func TestFetchOrdersMalformedOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"shop_id":42}],"total_pages":1}`))
	}))
	defer server.Close()

	client := NewClient(adapter.NewHTTPClient(time.Second, time.Second, zap.NewNop()), server.URL, 50)
	_, err := client.FetchOrders(context.Background(), "key", "42", daterange.Date{Year: 2024, Month: 1, Day: 5}, time.UTC)
	assert.ErrorContains(t, err, "order id is required")
}

func TestFetchOrdersRequiresKey(t *testing.T) {
	client := NewClient(adapter.NewHTTPClient(time.Second, time.Second, zap.NewNop()), "http://unused", 50)
	_, err := client.FetchOrders(context.Background(), "", "42", daterange.Date{Year: 2024, Month: 1, Day: 5}, time.UTC)
	assert.Error(t, err)
}
