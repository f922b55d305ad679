package cnm

import (
	"encoding/json"
	"time"
)

type TimestampLayout string

const (
	// LayoutISO8601 is used by CNM producers and by receivedTime stamping on ingest.
	LayoutISO8601 TimestampLayout = "2006-01-02T15:04:05.000Z"
	// LayoutCNM is the layout of processCompleteTime/receivedTime in CNM responses.
	LayoutCNM TimestampLayout = "2006-01-02 15:04:05Z"
	// LayoutUnknown marks a timestamp whose text is carried verbatim without interpretation.
	LayoutUnknown TimestampLayout = ""
)

// Timestamp holds a CNM time field exactly as it was received or generated.
// The raw text is always what gets serialized, so an ISO-8601 field is never rewritten
// in the CNM layout (or vice versa).
type Timestamp struct {
	raw    string
	layout TimestampLayout
	t      time.Time
}

// NewTimestamp formats t in UTC using layout.
func NewTimestamp(t time.Time, layout TimestampLayout) Timestamp {
	t = t.UTC()
	return Timestamp{raw: t.Format(string(layout)), layout: layout, t: t}
}

// ParseTimestamp records s and detects its layout. Unrecognized text is kept with
// LayoutUnknown rather than rejected.
func ParseTimestamp(s string) Timestamp {
	if t, err := time.Parse(string(LayoutCNM), s); err == nil {
		return Timestamp{raw: s, layout: LayoutCNM, t: t}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return Timestamp{raw: s, layout: LayoutISO8601, t: t}
	}
	return Timestamp{raw: s, layout: LayoutUnknown}
}

func (ts Timestamp) String() string {
	return ts.raw
}

func (ts Timestamp) Layout() TimestampLayout {
	return ts.layout
}

// Time returns the parsed instant; ok is false when the layout was not recognized.
func (ts Timestamp) Time() (t time.Time, ok bool) {
	return ts.t, ts.layout != LayoutUnknown
}

func (ts Timestamp) IsZero() bool {
	return ts.raw == ""
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(ts.raw)
}

func (ts *Timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*ts = ParseTimestamp(s)
	return nil
}
