package rest

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
)

const MAX_PAGE_SIZE = 100

// StatsQueryParams holds query parameters for GET /referrals/:address/stats
type StatsQueryParams struct {
	From string `form:"from"`
	To   string `form:"to"`
}

// TopQueryParams holds query parameters for GET /referrals/top
type TopQueryParams struct {
	Period string `form:"period,default=all"`
	Limit  int    `form:"limit,default=10"`
}

// ListFailedQueryParams holds query parameters for GET /deliveries/failed
type ListFailedQueryParams struct {
	Limit int `form:"limit,default=50"`
}

// ParseStatsQuery parses the optional [from, to) aggregation window
func ParseStatsQuery(c *gin.Context) (from, to *time.Time, err error) {
	var params StatsQueryParams
	if err := c.ShouldBindQuery(&params); err != nil {
		return nil, nil, err
	}

	if params.From != "" {
		t, err := time.Parse(time.RFC3339, params.From)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid from timestamp: %w", err)
		}
		from = &t
	}
	if params.To != "" {
		t, err := time.Parse(time.RFC3339, params.To)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid to timestamp: %w", err)
		}
		to = &t
	}
	if from != nil && to != nil && !from.Before(*to) {
		return nil, nil, fmt.Errorf("from must be before to")
	}

	return from, to, nil
}

// ParseTopQuery parses the leaderboard period and limit
func ParseTopQuery(c *gin.Context) (*TopQueryParams, error) {
	var params TopQueryParams
	if err := c.ShouldBindQuery(&params); err != nil {
		return nil, err
	}

	if params.Limit <= 0 {
		return nil, fmt.Errorf("limit must be positive")
	}
	if params.Limit > MAX_PAGE_SIZE {
		params.Limit = MAX_PAGE_SIZE
	}

	switch params.Period {
	case "24h", "7d", "30d", "all":
	default:
		return nil, fmt.Errorf("invalid period %q: must be one of 24h, 7d, 30d, all", params.Period)
	}

	return &params, nil
}

// Since returns the leaderboard cutoff for the period, nil for "all"
func (p *TopQueryParams) Since(now time.Time) *time.Time {
	var window time.Duration
	switch p.Period {
	case "24h":
		window = 24 * time.Hour
	case "7d":
		window = 7 * 24 * time.Hour
	case "30d":
		window = 30 * 24 * time.Hour
	default:
		return nil
	}

	cutoff := now.Add(-window)
	return &cutoff
}

// ParseListFailedQuery parses the failed-delivery page size
func ParseListFailedQuery(c *gin.Context) (int, error) {
	var params ListFailedQueryParams
	if err := c.ShouldBindQuery(&params); err != nil {
		return 0, err
	}

	if params.Limit <= 0 {
		return 0, fmt.Errorf("limit must be positive")
	}
	if params.Limit > MAX_PAGE_SIZE {
		params.Limit = MAX_PAGE_SIZE
	}

	return params.Limit, nil
}
