// Package subgraph discovers candidate pools from a Uniswap v3 subgraph and
// normalizes hourly candles into the stable-quoted form the scorer consumes.
package subgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a GraphQL client for a Uniswap v3 subgraph endpoint, used to
// query hourly pool candles and the indexer head block.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new subgraph GraphQL client.
//
// endpoint is the full subgraph URL, e.g.
// "https://gateway.thegraph.com/api/subgraphs/id/3hCPRGf4z88VC5rsBKU5AA9FBBq5nF3jbKJG7VZCbhjm".
func NewClient(endpoint, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		endpoint: endpoint,
		apiKey:   strings.TrimSpace(apiKey),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// graphqlRequest is the standard GraphQL request envelope.
type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// graphqlResponse is the standard GraphQL response envelope.
type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Meta describes the indexer head at query time.
type Meta struct {
	BlockNumber       int64
	BlockTime         time.Time
	HasIndexingErrors bool
}

// HourRow is one raw poolHourDatas row. Numeric fields arrive as strings from
// the subgraph and are parsed by the provider.
type HourRow struct {
	Pool struct {
		ID      string `json:"id"`
		FeeTier string `json:"feeTier"`
		Token0  struct {
			Symbol string `json:"symbol"`
		} `json:"token0"`
		Token1 struct {
			Symbol string `json:"symbol"`
		} `json:"token1"`
	} `json:"pool"`
	PeriodStartUnix int64  `json:"periodStartUnix"`
	Open            string `json:"open"`
	High            string `json:"high"`
	Low             string `json:"low"`
	Close           string `json:"close"`
	VolumeUSD       string `json:"volumeUSD"`
	TVLUSD          string `json:"tvlUSD"`
	TxCount         string `json:"txCount"`
}

// PoolHourDatas queries the most recent hourly candles for the given pools,
// newest first, along with the indexer head block.
func (c *Client) PoolHourDatas(ctx context.Context, pools []string, first int) (Meta, []HourRow, error) {
	query := `
		query PoolHours($pools: [String!]!, $first: Int!) {
			_meta { block { number timestamp } hasIndexingErrors }
			poolHourDatas(
				first: $first
				orderBy: periodStartUnix
				orderDirection: desc
				where: { pool_in: $pools }
			) {
				pool { id feeTier token0 { symbol } token1 { symbol } }
				periodStartUnix
				open high low close
				volumeUSD
				tvlUSD
				txCount
			}
		}
	`

	variables := map[string]any{
		"pools": pools,
		"first": first,
	}

	respData, err := c.doQuery(ctx, query, variables)
	if err != nil {
		return Meta{}, nil, fmt.Errorf("subgraph: fetch pool hours: %w", err)
	}

	var result struct {
		Meta struct {
			Block struct {
				Number    int64 `json:"number"`
				Timestamp int64 `json:"timestamp"`
			} `json:"block"`
			HasIndexingErrors bool `json:"hasIndexingErrors"`
		} `json:"_meta"`
		PoolHourDatas []HourRow `json:"poolHourDatas"`
	}
	if err := json.Unmarshal(respData, &result); err != nil {
		return Meta{}, nil, fmt.Errorf("subgraph: decode pool hours: %w", err)
	}

	meta := Meta{
		BlockNumber:       result.Meta.Block.Number,
		BlockTime:         time.Unix(result.Meta.Block.Timestamp, 0).UTC(),
		HasIndexingErrors: result.Meta.HasIndexingErrors,
	}
	return meta, result.PoolHourDatas, nil
}

// doQuery executes a GraphQL query and returns the raw "data" field.
func (c *Client) doQuery(ctx context.Context, query string, variables map[string]any) (json.RawMessage, error) {
	reqBody := graphqlRequest{
		Query:     query,
		Variables: variables,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	var gqlResp graphqlResponse
	if err := json.Unmarshal(body, &gqlResp); err != nil {
		return nil, fmt.Errorf("decode graphql response: %w", err)
	}

	if len(gqlResp.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %s", gqlResp.Errors[0].Message)
	}

	return gqlResp.Data, nil
}
