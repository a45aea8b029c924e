package session

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

var exportHeader = []string{
	"id",
	"session_id",
	"event_type_id",
	"label",
	"timestamp",
	"offset_ms",
	"metadata",
	"created_at",
}

// WriteEventsCSV writes a session's annotation events as CSV, one row per
// event in the order given. Metadata is serialized as a JSON object so
// arbitrary keys survive the flat format.
func WriteEventsCSV(w io.Writer, events []AnnotationEvent) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return errors.Wrap(err, "failed to write export header")
	}

	for _, ev := range events {
		metadata := "{}"
		if len(ev.Metadata) > 0 {
			raw, err := json.Marshal(ev.Metadata)
			if err != nil {
				return errors.Wrapf(err, "failed to serialize metadata for event %s", ev.ID.Hex())
			}
			metadata = string(raw)
		}

		row := []string{
			ev.ID.Hex(),
			ev.SessionID.Hex(),
			ev.EventTypeID,
			ev.Label,
			ev.Timestamp.UTC().Format(time.RFC3339Nano),
			strconv.FormatInt(ev.OffsetMS, 10),
			metadata,
			ev.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
		if err := cw.Write(row); err != nil {
			return errors.Wrap(err, "failed to write export row")
		}
	}

	cw.Flush()
	return cw.Error()
}
