package publisher

import (
	"context"
	"testing"
	"time"

	"github.com/estuary/ddspub/flowcontrol"
	"github.com/estuary/ddspub/guid"
	"github.com/estuary/ddspub/pool"
	"github.com/estuary/ddspub/qos"
	"github.com/estuary/ddspub/writer"
	"github.com/stretchr/testify/require"
)

type fakeTypes struct{}

func (fakeTypes) Serialize(sample interface{}) ([]byte, error) { return []byte(sample.(string)), nil }
func (fakeTypes) ComputeKey(sample interface{}) ([]byte, error) { return nil, nil }

type fakeTransport struct{}

func (fakeTransport) Send(context.Context, [][]byte, int, guid.Guid, []string, time.Time) (bool, error) {
	return true, nil
}

func baseWriterConfig(g guid.Guid) writer.Config {
	var controller = flowcontrol.New(flowcontrol.Config{Name: "default", Mode: flowcontrol.PureSync, Policy: flowcontrol.FIFO})
	return writer.Config{
		WriterGUID: g,
		TopicName:  "t",
		Changes:    pool.NewChangePool(0, pool.NewPayloadPool(0)),
		Controller: controller,
		Transport:  fakeTransport{},
		Types:      fakeTypes{},
	}
}

func TestCreateDataWriterAppliesPublisherDefaultQoS(t *testing.T) {
	var defaultQoS = qos.DefaultWriterQoS()
	defaultQoS.Reliability = qos.Reliable

	var p = New(Config{DefaultQoS: defaultQoS})
	var cfg = baseWriterConfig(guid.Guid{1})

	w, err := p.CreateDataWriter(cfg)
	require.NoError(t, err)
	require.Equal(t, qos.Reliable, w.QoS().Reliability)
	require.Len(t, p.Writers(), 1)
}

func TestCreateDataWriterRejectsIncoherentHistoryUnderCoherentScope(t *testing.T) {
	var p = New(Config{
		DefaultQoS:   qos.DefaultWriterQoS(),
		Presentation: qos.Presentation{CoherentAccess: true, Scope: qos.ScopeTopic},
	})
	var cfg = baseWriterConfig(guid.Guid{2})

	_, err := p.CreateDataWriter(cfg)
	require.ErrorIs(t, err, qos.PreconditionNotMet)
}

func TestCreateDataWriterAllowsCoherentScopeWithKeepAll(t *testing.T) {
	var q = qos.DefaultWriterQoS()
	q.History = qos.History{Kind: qos.KeepAll}

	var p = New(Config{
		DefaultQoS:   qos.DefaultWriterQoS(),
		Presentation: qos.Presentation{CoherentAccess: true, Scope: qos.ScopeTopic},
	})
	var cfg = baseWriterConfig(guid.Guid{3})
	cfg.QoS = q

	_, err := p.CreateDataWriter(cfg)
	require.NoError(t, err)
}

func TestBeginEndCoherentChanges(t *testing.T) {
	var p = New(Config{Presentation: qos.Presentation{CoherentAccess: true}})

	require.ErrorIs(t, p.EndCoherentChanges(), qos.PreconditionNotMet)
	require.NoError(t, p.BeginCoherentChanges())
	require.ErrorIs(t, p.BeginCoherentChanges(), qos.PreconditionNotMet)
	require.NoError(t, p.EndCoherentChanges())
}

func TestBeginCoherentChangesRequiresCoherentAccess(t *testing.T) {
	var p = New(Config{})
	require.ErrorIs(t, p.BeginCoherentChanges(), qos.PreconditionNotMet)
}

func TestCoherentSetIDProgressesPerSpan(t *testing.T) {
	var p = New(Config{Presentation: qos.Presentation{CoherentAccess: true}})

	var id, active = p.CoherentSetID()
	require.False(t, active)
	require.Zero(t, id)

	require.NoError(t, p.BeginCoherentChanges())
	id, active = p.CoherentSetID()
	require.True(t, active)
	require.NotZero(t, id)
	var first = id
	require.NoError(t, p.EndCoherentChanges())

	_, active = p.CoherentSetID()
	require.False(t, active)

	require.NoError(t, p.BeginCoherentChanges())
	id, active = p.CoherentSetID()
	require.True(t, active)
	require.NotEqual(t, first, id)
}

func TestCreateDataWriterWiresCoherentSetToPublisher(t *testing.T) {
	var p = New(Config{
		DefaultQoS:   qos.DefaultWriterQoS(),
		Presentation: qos.Presentation{CoherentAccess: true},
	})
	w, err := p.CreateDataWriter(baseWriterConfig(guid.Guid{6}))
	require.NoError(t, err)

	require.NoError(t, p.BeginCoherentChanges())
	require.NoError(t, w.Write("hello", time.Time{}, guid.Nil))
	require.NoError(t, p.EndCoherentChanges())
}

func TestDeleteDataWriterRemovesFromGroup(t *testing.T) {
	var p = New(Config{DefaultQoS: qos.DefaultWriterQoS()})
	w, err := p.CreateDataWriter(baseWriterConfig(guid.Guid{4}))
	require.NoError(t, err)
	require.NoError(t, p.DeleteDataWriter(w.Guid()))
	require.Empty(t, p.Writers())
	require.ErrorIs(t, p.DeleteDataWriter(w.Guid()), qos.BadParameter)
}

func TestPublisherListenerResolvesForUnclaimedWriterStatus(t *testing.T) {
	var fired int
	var p = New(Config{
		DefaultQoS:   qos.DefaultWriterQoS(),
		Listener:     &countingListener{count: &fired},
		ListenerMask: writer.AllStatuses,
	})
	_, err := p.CreateDataWriter(baseWriterConfig(guid.Guid{5}))
	require.NoError(t, err)
	require.Equal(t, 0, fired)
}

type countingListener struct{ count *int }

func (l *countingListener) OnOfferedDeadlineMissed(*writer.DataWriter, writer.OfferedDeadlineMissedStatus) {
	*l.count++
}
func (l *countingListener) OnOfferedIncompatibleQos(*writer.DataWriter, writer.OfferedIncompatibleQosStatus) {
	*l.count++
}
func (l *countingListener) OnLivelinessLost(*writer.DataWriter, writer.LivelinessLostStatus) { *l.count++ }
func (l *countingListener) OnPublicationMatched(*writer.DataWriter, writer.PublicationMatchedStatus) {
	*l.count++
}
