package http

import (
	"time"

	xutil "github.com/stefluhh/realtime-stock-exchange-analysis/pkg/util"
)

// ParseTime tries RFC3339, RFC3339Nano, and unix seconds. Returns (t, true) if any worked.
func ParseTime(s string) (time.Time, bool) { return xutil.ParseTime(s) }
