package chainlog

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// ProtoContentType is the media type of protobuf request and response bodies.
const ProtoContentType = "application/x-protobuf"

// toStruct converts the JSON form of v into a protobuf Struct.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return structpb.NewStruct(fields)
}

// checkTimes rejects instants outside the protobuf Timestamp range.
func checkTimes(ts ...time.Time) error {
	for _, t := range ts {
		if t.IsZero() {
			continue
		}
		if err := timestamppb.New(t).CheckValid(); err != nil {
			return err
		}
	}
	return nil
}

// EntryToProto converts an Entry to a protobuf Struct with the JSON field names.
func EntryToProto(e Entry) (*structpb.Struct, error) {
	if err := checkTimes(e.TimestampUTC, e.UpdatedAtUTC); err != nil {
		return nil, fmt.Errorf("entry %s: %w", e.Date, err)
	}
	return toStruct(e)
}

// EntryJSONFromProto returns the JSON object form of a protobuf entry, ready
// for VerifySerializedEntry.
func EntryJSONFromProto(s *structpb.Struct) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("nil entry")
	}
	return s.MarshalJSON()
}

// EntriesToProto converts a slice of entries to a protobuf list.
func EntriesToProto(entries []Entry) (*structpb.ListValue, error) {
	list := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(entries))}
	for _, e := range entries {
		s, err := EntryToProto(e)
		if err != nil {
			return nil, err
		}
		list.Values = append(list.Values, structpb.NewStructValue(s))
	}
	return list, nil
}

// DocumentToProto converts the log document.
func DocumentToProto(doc Document) (*structpb.Struct, error) {
	for _, e := range doc.Entries {
		if err := checkTimes(e.TimestampUTC, e.UpdatedAtUTC); err != nil {
			return nil, fmt.Errorf("entry %s: %w", e.Date, err)
		}
	}
	return toStruct(doc)
}

// IncidentToProto converts an Incident.
func IncidentToProto(inc Incident) (*structpb.Struct, error) {
	ts := []time.Time{inc.DetectedAtUTC}
	if inc.ResolvedAtUTC != nil {
		ts = append(ts, *inc.ResolvedAtUTC)
	}
	if inc.NextUpdateETAUTC != nil {
		ts = append(ts, *inc.NextUpdateETAUTC)
	}
	if err := checkTimes(ts...); err != nil {
		return nil, fmt.Errorf("incident %s: %w", inc.ID, err)
	}
	s, err := toStruct(inc)
	if err != nil {
		return nil, err
	}
	s.Fields["state"] = structpb.NewStringValue(string(inc.State()))
	return s, nil
}

// IncidentsToProto converts a list of incidents.
func IncidentsToProto(incs []Incident) (*structpb.ListValue, error) {
	list := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(incs))}
	for _, inc := range incs {
		s, err := IncidentToProto(inc)
		if err != nil {
			return nil, err
		}
		list.Values = append(list.Values, structpb.NewStructValue(s))
	}
	return list, nil
}

// PublishRecordToProto converts a PublishRecord.
func PublishRecordToProto(rec PublishRecord) (*structpb.Struct, error) {
	if err := checkTimes(rec.TargetUTC, rec.PublishedAtUTC); err != nil {
		return nil, fmt.Errorf("publish record %s: %w", rec.Date, err)
	}
	return toStruct(rec)
}

// ChainReportToProto converts a ChainReport.
func ChainReportToProto(rep ChainReport) (*structpb.Struct, error) {
	return toStruct(rep)
}

// AuditReportToProto converts an AuditReport.
func AuditReportToProto(rep AuditReport) (*structpb.Struct, error) {
	s, err := toStruct(rep)
	if err != nil {
		return nil, err
	}
	s.Fields["result"] = structpb.NewStringValue(rep.Result())
	return s, nil
}

// WindowSummaryToProto converts a WindowSummary.
func WindowSummaryToProto(sum WindowSummary) (*structpb.Struct, error) {
	return toStruct(sum)
}
