package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/harun/embodia/pkg/diag"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiagnosticSinkWritesAuditLine(t *testing.T) {
	var buf bytes.Buffer
	sink := NewDiagnosticSink(NewAuditLogger(&buf))

	before := testutil.ToFloat64(getMetrics().diagnosticsTotal.WithLabelValues("actuator_conflict"))

	d := diag.New(diag.KindActuatorConflict, "lost to priority 9").WithTick(4).WithActuator("wheels")
	sink.Record(context.Background(), d)

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "diagnostic", line["type"])
	assert.Equal(t, "wheels", line["actor"])
	assert.Equal(t, "diagnostic:actuator_conflict", line["action"])

	meta, ok := line["metadata"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "lost to priority 9", meta["cause"])
	assert.EqualValues(t, 4, meta["tick_id"])

	after := testutil.ToFloat64(getMetrics().diagnosticsTotal.WithLabelValues("actuator_conflict"))
	assert.Equal(t, before+1, after)
}
