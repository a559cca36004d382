package query

import (
	"context"
	"fmt"
	"time"

	"github.com/snowlens-io/snowlens/internal/snowflake"
	"github.com/snowlens-io/snowlens/internal/taxonomy"
)

// connectionQuery gathers the session facts in one round trip.
const connectionQuery = "SELECT CURRENT_ACCOUNT(), CURRENT_WAREHOUSE(), CURRENT_DATABASE(), CURRENT_ROLE(), CURRENT_VERSION()"

// ConnectionInfo is the test_connection result.
type ConnectionInfo struct {
	Status           string `json:"status"`
	Profile          string `json:"profile"`
	Account          string `json:"account"`
	Warehouse        string `json:"warehouse"`
	Database         string `json:"database"`
	Role             string `json:"role"`
	SnowflakeVersion string `json:"snowflake_version"`
	ResponseTimeMS   int64  `json:"response_time_ms"`
}

// TestConnection verifies the session end to end and reports what it is
// connected as.
func (s *Service) TestConnection(ctx context.Context) (*ConnectionInfo, error) {
	start := time.Now()

	result, err := s.run(ctx, connectionQuery, snowflake.WithMaxRows(1))
	if err != nil {
		return nil, taxonomy.Classify(err).
			WithOperation("test_connection").
			WithProfile(s.profile)
	}

	info := &ConnectionInfo{
		Status:         "connected",
		Profile:        s.profile,
		ResponseTimeMS: time.Since(start).Milliseconds(),
	}

	if len(result.Rows) > 0 && len(result.Rows[0]) >= 5 {
		row := result.Rows[0]
		info.Account = stringValue(row[0])
		info.Warehouse = stringValue(row[1])
		info.Database = stringValue(row[2])
		info.Role = stringValue(row[3])
		info.SnowflakeVersion = stringValue(row[4])
	}

	return info, nil
}

// stringValue renders a session value; NULL (for example no active
// database) becomes the empty string.
func stringValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		return fmt.Sprint(val)
	}
}
