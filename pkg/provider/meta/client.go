// Package meta pulls daily campaign insights from the Meta Marketing API.
package meta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"gorm.io/datatypes"

	"github.com/flowforge/syncflow/pkg/adapter"
	"github.com/flowforge/syncflow/pkg/daterange"
	"github.com/flowforge/syncflow/pkg/model"
)

const (
	insightFields = "campaign_id,campaign_name,impressions,clicks,reach,spend,account_currency"
	maxPages      = 50
)

// Client fetches one ad account's campaign insights for one day.
//
//go:generate mockgen -source=client.go -destination=../../mocks/meta_client.go -package=mocks -mock_names=Client=MockMetaClient
type Client interface {
	FetchInsights(ctx context.Context, accessToken, accountID string, day daterange.Date) ([]model.MetaInsight, error)
}

type GraphClient struct {
	http    adapter.HTTPClient
	baseURL string
	version string
}

func NewClient(http adapter.HTTPClient, baseURL, version string) *GraphClient {
	return &GraphClient{
		http:    http,
		baseURL: strings.TrimRight(baseURL, "/"),
		version: version,
	}
}

type insightsPage struct {
	Data   []json.RawMessage `json:"data"`
	Paging struct {
		Next string `json:"next"`
	} `json:"paging"`
}

type insightRow struct {
	CampaignID      string `json:"campaign_id"`
	CampaignName    string `json:"campaign_name"`
	Impressions     string `json:"impressions"`
	Clicks          string `json:"clicks"`
	Reach           string `json:"reach"`
	Spend           string `json:"spend"`
	AccountCurrency string `json:"account_currency"`
}

func (c *GraphClient) FetchInsights(ctx context.Context, accessToken, accountID string, day daterange.Date) ([]model.MetaInsight, error) {
	if accessToken == "" {
		return nil, fmt.Errorf("meta access token is not configured")
	}
	account := strings.TrimPrefix(accountID, "act_")

	timeRange, _ := json.Marshal(map[string]string{"since": day.String(), "until": day.String()})
	query := url.Values{}
	query.Set("level", "campaign")
	query.Set("fields", insightFields)
	query.Set("time_range", string(timeRange))
	query.Set("limit", "500")
	endpoint := fmt.Sprintf("%s/%s/act_%s/insights?%s", c.baseURL, c.version, url.PathEscape(account), query.Encode())
	headers := map[string]string{"Authorization": "Bearer " + accessToken}

	var insights []model.MetaInsight
	for page := 0; endpoint != "" && page < maxPages; page++ {
		var resp insightsPage
		if err := c.http.GetJSON(ctx, endpoint, headers, &resp); err != nil {
			return nil, err
		}
		for _, raw := range resp.Data {
			insight, err := decodeInsight(raw)
			if err != nil {
				return nil, fmt.Errorf("malformed insight row: %w", err)
			}
			insight.AccountID = account
			insight.Date = day.String()
			insights = append(insights, insight)
		}
		endpoint = resp.Paging.Next
	}
	return insights, nil
}

func decodeInsight(raw json.RawMessage) (model.MetaInsight, error) {
	var row insightRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return model.MetaInsight{}, err
	}
	if row.CampaignID == "" {
		return model.MetaInsight{}, fmt.Errorf("campaign_id is missing")
	}

	insight := model.MetaInsight{
		CampaignID:   row.CampaignID,
		CampaignName: row.CampaignName,
		Currency:     row.AccountCurrency,
		Raw:          datatypes.JSON(raw),
	}
	var err error
	if insight.Impressions, err = parseCount(row.Impressions); err != nil {
		return insight, fmt.Errorf("impressions: %w", err)
	}
	if insight.Clicks, err = parseCount(row.Clicks); err != nil {
		return insight, fmt.Errorf("clicks: %w", err)
	}
	if insight.Reach, err = parseCount(row.Reach); err != nil {
		return insight, fmt.Errorf("reach: %w", err)
	}
	if row.Spend != "" {
		if insight.Spend, err = strconv.ParseFloat(row.Spend, 64); err != nil {
			return insight, fmt.Errorf("spend: %w", err)
		}
	}
	return insight, nil
}

func parseCount(value string) (int64, error) {
	if value == "" {
		return 0, nil
	}
	return strconv.ParseInt(value, 10, 64)
}
