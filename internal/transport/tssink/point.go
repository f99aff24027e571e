package tssink

import (
	"errors"
	"sort"
	"time"

	"github.com/influxdata/line-protocol/v2/lineprotocol"
)

var errUnsupportedFieldType = errors.New("tssink: unsupported field type")

// Point is one time-series sample, pre-serialization, per spec §4.E:
// measurement, tags from source device metadata, fields from decoded
// variables, nanosecond timestamp.
type Point struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]interface{}
	Timestamp   time.Time

	// BacklogTime is set only when the point is appended to the on-disk
	// backlog, used for age-based eviction (spec §6's "_backlog_time").
	BacklogTime time.Time
}

// EncodeLine renders p as one InfluxDB line-protocol line using
// influxdata/line-protocol/v2's low-allocation encoder, the same library
// used for the on-disk backlog format.
func EncodeLine(p Point) ([]byte, error) {
	var enc lineprotocol.Encoder
	enc.SetPrecision(lineprotocol.Nanosecond)

	tagNames := make([]string, 0, len(p.Tags))
	for k := range p.Tags {
		tagNames = append(tagNames, k)
	}
	sort.Strings(tagNames)

	enc.StartLine(p.Measurement)
	for _, k := range tagNames {
		enc.AddTag(k, p.Tags[k])
	}

	fieldNames := make([]string, 0, len(p.Fields))
	for k := range p.Fields {
		fieldNames = append(fieldNames, k)
	}
	sort.Strings(fieldNames)
	for _, k := range fieldNames {
		v, err := toLineProtocolValue(p.Fields[k])
		if err != nil {
			continue
		}
		enc.AddField(k, v)
	}
	enc.EndLine(p.Timestamp)

	if err := enc.Err(); err != nil {
		return nil, err
	}
	return enc.Bytes(), nil
}

func toLineProtocolValue(v interface{}) (lineprotocol.Value, error) {
	switch n := v.(type) {
	case float64:
		return lineprotocol.FloatValue(n), nil
	case int64:
		return lineprotocol.IntValue(n), nil
	case string:
		return lineprotocol.StringValue(n), nil
	case bool:
		return lineprotocol.BoolValue(n), nil
	default:
		return lineprotocol.Value{}, errUnsupportedFieldType
	}
}
