package meta

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowforge/syncflow/pkg/adapter"
	"github.com/flowforge/syncflow/pkg/daterange"
)

func TestFetchInsights(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		if r.URL.Query().Get("after") == "" {
			assert.Equal(t, "/v19.0/act_123/insights", r.URL.Path)
			assert.Equal(t, `{"since":"2024-01-05","until":"2024-01-05"}`, r.URL.Query().Get("time_range"))
			_, _ = w.Write([]byte(`{"data":[{"campaign_id":"c1","campaign_name":"Launch","impressions":"1000","clicks":"40","reach":"900","spend":"12.50","account_currency":"USD"}],
				"paging":{"next":"` + server.URL + `/v19.0/act_123/insights?after=x"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"campaign_id":"c2","impressions":"5"}],"paging":{}}`))
	}))
	defer server.Close()

	client := NewClient(adapter.NewHTTPClient(time.Second, time.Second, zap.NewNop()), server.URL, "v19.0")
	day, _ := daterange.ParseDate("2024-01-05")

	insights, err := client.FetchInsights(context.Background(), "token", "act_123", day)
	require.NoError(t, err)
	require.Len(t, insights, 2)

	assert.Equal(t, "123", insights[0].AccountID)
	assert.Equal(t, "2024-01-05", insights[0].Date)
	assert.Equal(t, "c1", insights[0].CampaignID)
	assert.Equal(t, int64(1000), insights[0].Impressions)
	assert.Equal(t, int64(40), insights[0].Clicks)
	assert.Equal(t, 12.5, insights[0].Spend)
	assert.Equal(t, "USD", insights[0].Currency)
	assert.Equal(t, int64(5), insights[1].Impressions)
}

func TestFetchInsightsMalformedRow(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"campaign_id":"c1","impressions":"many"}]}`))
	}))
	defer server.Close()

	client := NewClient(adapter.NewHTTPClient(time.Second, time.Second, zap.NewNop()), server.URL, "v19.0")
	_, err := client.FetchInsights(context.Background(), "token", "1", daterange.Date{Year: 2024, Month: 1, Day: 5})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "impressions"))
}

func TestFetchInsightsProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid OAuth access token"}}`))
	}))
	defer server.Close()

	client := NewClient(adapter.NewHTTPClient(time.Second, time.Second, zap.NewNop()), server.URL, "v19.0")
	_, err := client.FetchInsights(context.Background(), "token", "1", daterange.Date{Year: 2024, Month: 1, Day: 5})
	assert.True(t, adapter.IsStatus(err, http.StatusBadRequest))
}
