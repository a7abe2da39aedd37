package ops

import (
	"context"
	"testing"
	"time"

	"github.com/estuary/ddspub/flowcontrol"
	"github.com/estuary/ddspub/guid"
	"github.com/estuary/ddspub/pool"
	"github.com/estuary/ddspub/qos"
	"github.com/estuary/ddspub/writer"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type fakeTypes struct{}

func (fakeTypes) Serialize(sample interface{}) ([]byte, error) { return []byte(sample.(string)), nil }
func (fakeTypes) ComputeKey(interface{}) ([]byte, error)       { return nil, nil }

type fakeTransport struct{}

func (fakeTransport) Send(context.Context, [][]byte, int, guid.Guid, []string, time.Time) (bool, error) {
	return true, nil
}

func newTestWriter(t *testing.T, writerGUID guid.Guid, topic string) *writer.DataWriter {
	t.Helper()
	var controller = flowcontrol.New(flowcontrol.Config{Name: "default", Mode: flowcontrol.PureSync, Policy: flowcontrol.FIFO})
	w, err := writer.New(writer.Config{
		WriterGUID:   writerGUID,
		TopicName:    topic,
		QoS:          qos.DefaultWriterQoS(),
		Changes:      pool.NewChangePool(0, pool.NewPayloadPool(0)),
		Controller:   controller,
		Transport:    fakeTransport{},
		Types:        fakeTypes{},
		Listener:     StatusListener{},
		ListenerMask: writer.AllStatuses,
	})
	require.NoError(t, err)
	return w
}

func TestStatusListenerRecordsIncompatibleQosMetric(t *testing.T) {
	var writerGUID = guid.Guid{4, 2}
	var w = newTestWriter(t, writerGUID, "metrics-topic")

	StatusListener{}.OnOfferedIncompatibleQos(w, writer.OfferedIncompatibleQosStatus{
		TotalCount: 1, TotalCountChange: 1, LastReader: guid.Guid{9},
	})

	var value = testutil.ToFloat64(offeredIncompatibleQosTotal.WithLabelValues("metrics-topic", writerGUID.String()))
	require.Equal(t, float64(1), value)
}

func TestStatusListenerRecordsPublicationMatchedGauge(t *testing.T) {
	var writerGUID = guid.Guid{5, 1}
	var w = newTestWriter(t, writerGUID, "matched-topic")

	StatusListener{}.OnPublicationMatched(w, writer.PublicationMatchedStatus{CurrentCount: 2})

	var value = testutil.ToFloat64(publicationMatchedCurrent.WithLabelValues("matched-topic", writerGUID.String()))
	require.Equal(t, float64(2), value)
}

func TestSetFlowControllerQueueDepth(t *testing.T) {
	SetFlowControllerQueueDepth("default", 3)
	require.Equal(t, float64(3), testutil.ToFloat64(flowControllerQueueDepth.WithLabelValues("default")))
}

func TestRecordSampleAcked(t *testing.T) {
	RecordSampleAcked("topic-a", "writer-a")
	require.Equal(t, float64(1), testutil.ToFloat64(samplesAckedTotal.WithLabelValues("topic-a", "writer-a")))
}
