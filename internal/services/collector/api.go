package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api"
)

// QueryClient is satisfied by influxdb2.Client.
type QueryClient interface {
	QueryAPI(org string) api.QueryAPI
}

type latestParams struct {
	DeviceID string
	Minutes  int
	Limit    int
}

func parseLatest(r *http.Request) latestParams {
	q := r.URL.Query()
	get := func(k string, def, min, max int) int {
		if v := strings.TrimSpace(q.Get(k)); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				if n < min {
					return min
				}
				if n > max {
					return max
				}
				return n
			}
		}
		return def
	}
	return latestParams{
		DeviceID: strings.TrimSpace(q.Get("device_id")),
		Minutes:  get("minutes", 60, 1, 7*24*60),
		Limit:    get("limit", 100, 1, 1000),
	}
}

func buildFlux(bucket string, p latestParams) string {
	device := ""
	if p.DeviceID != "" {
		device = fmt.Sprintf("\n  |> filter(fn: (r) => r.device_id == %q)", p.DeviceID)
	}
	return fmt.Sprintf(`
from(bucket: %q)
  |> range(start: -%dm)
  |> filter(fn: (r) => r._measurement == %q)%s
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
  |> group()
  |> sort(columns: ["_time"], desc: true)
  |> limit(n: %d)
`, bucket, p.Minutes, MeasurementSamples, device, p.Limit)
}

func asFloat(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int64:
		return float64(x)
	default:
		return 0
	}
}

func queryLatest(ctx context.Context, qc QueryClient, org, bucket string, p latestParams) ([]DeviceSample, error) {
	res, err := qc.QueryAPI(org).Query(ctx, buildFlux(bucket, p))
	if err != nil {
		return nil, err
	}
	defer res.Close()

	out := make([]DeviceSample, 0, p.Limit)
	for res.Next() {
		rec := res.Record()
		ds := DeviceSample{}
		if v, ok := rec.ValueByKey("device_id").(string); ok {
			ds.DeviceID = v
		}
		ds.Pressure = asFloat(rec.ValueByKey("pressure"))
		ds.Flow = asFloat(rec.ValueByKey("flow"))
		ds.Timestamp = rec.Time().UnixMilli()
		out = append(out, ds)
	}
	return out, res.Err()
}

// NewLatestHandler serves GET /samples/latest?device_id=&minutes=&limit=.
// It reads InfluxDB and falls back to the in-memory cache when the query fails
// or returns nothing.
func NewLatestHandler(svc *Service, qc QueryClient, org, bucket string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := parseLatest(r)

		var list []DeviceSample
		used := ""
		if qc != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			got, err := queryLatest(ctx, qc, org, bucket, p)
			if err != nil {
				w.Header().Set("X-Error", "influx-query-error")
			} else if len(got) > 0 {
				list, used = got, "influx"
			}
		}
		if used == "" {
			used = "cache"
			for _, ds := range svc.LatestCache() {
				if p.DeviceID == "" || ds.DeviceID == p.DeviceID {
					list = append(list, ds)
				}
			}
		}
		if list == nil {
			list = []DeviceSample{}
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Data-Source", used)
		_ = json.NewEncoder(w).Encode(list)
	})
}
