package popcsv

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// DefaultOutputPrefix is used when the profile does not set one.
const DefaultOutputPrefix = "processed/population"

// OutputKey calculates the destination key for a processed file:
// <prefix>/<yyyy>/<mm>/<dd>/<base>.csv, partitioned on ingest date.
func OutputKey(prefix, srcKey string, t time.Time) string {
	if prefix == "" {
		prefix = DefaultOutputPrefix
	}
	base := strings.TrimSuffix(path.Base(srcKey), path.Ext(srcKey))
	return fmt.Sprintf("%s/%s/%s.csv", strings.Trim(prefix, "/"), t.UTC().Format("2006/01/02"), base)
}

// ErrorsKey places the rejected-row report next to the output file.
func ErrorsKey(outKey string) string {
	return strings.TrimSuffix(outKey, ".csv") + "_errors.csv"
}
