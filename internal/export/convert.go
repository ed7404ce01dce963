package export

import (
	"fmt"

	otellog "go.opentelemetry.io/otel/log"

	"github.com/hostsentry/hostsentry/pkg/types"
)

// convert maps a stored event onto an OTLP log record. Denials export
// at error severity so collectors can alert on them without parsing
// attributes.
func convert(ev types.StoredEvent) otellog.Record {
	var rec otellog.Record
	rec.SetTimestamp(ev.Timestamp)
	rec.SetBody(otellog.StringValue(body(ev)))
	sev := severity(ev)
	rec.SetSeverity(sev)
	rec.SetSeverityText(sev.String())

	attrs := []otellog.KeyValue{
		otellog.String("event.kind", string(ev.Kind)),
		otellog.String("decision", string(ev.Decision)),
	}
	if ev.ID != "" {
		attrs = append(attrs, otellog.String("event.id", ev.ID))
	}
	if ev.Path != "" {
		attrs = append(attrs, otellog.String("file.path", ev.Path))
	}
	if ev.FileHash != "" {
		attrs = append(attrs, otellog.String("file.hash.sha256", ev.FileHash))
	}
	if ev.Rule != "" {
		attrs = append(attrs, otellog.String("rule", ev.Rule))
	}
	if ev.PID != 0 {
		attrs = append(attrs, otellog.Int64("process.pid", int64(ev.PID)))
	}
	attrs = append(attrs, otellog.Int64("process.uid", int64(ev.UID)))
	if ev.BundlePath != "" {
		attrs = append(attrs, otellog.String("bundle.path", ev.BundlePath))
	}
	if ev.BundleHash != "" {
		attrs = append(attrs, otellog.String("bundle.hash", ev.BundleHash))
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, otellog.String(k, fmt.Sprint(v)))
	}
	rec.AddAttributes(attrs...)
	return rec
}

func body(ev types.StoredEvent) string {
	if ev.Path != "" {
		return fmt.Sprintf("%s: %s [%s]", ev.Kind, ev.Path, ev.Decision)
	}
	return fmt.Sprintf("%s [%s]", ev.Kind, ev.Decision)
}

func severity(ev types.StoredEvent) otellog.Severity {
	if ev.Decision == types.ActionDeny {
		return otellog.SeverityError
	}
	return otellog.SeverityInfo
}
