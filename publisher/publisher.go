// Package publisher implements Publisher (spec.md §3 "Publisher presentation
// context", §6 "Publisher groups writers"): a group of DataWriters sharing
// default QoS and a coherent-change transaction scope, and the middle tier
// of the writer → publisher → participant listener fallback chain
// (SPEC_FULL.md C.6).
package publisher

import (
	"sync"

	"github.com/estuary/ddspub/guid"
	"github.com/estuary/ddspub/qos"
	"github.com/estuary/ddspub/writer"
)

// Config bundles a Publisher's construction parameters.
type Config struct {
	DefaultQoS   qos.WriterQoS
	Presentation qos.Presentation

	Listener     writer.Listener
	ListenerMask writer.StatusKind
	// Parent resolves the next listener above this publisher (normally
	// the owning Participant's), completing the three-level chain.
	Parent writer.ParentListener
}

// Publisher groups writers and owns the Presentation QoS that governs
// coherent-change transactions across them (spec.md §3).
type Publisher struct {
	mu sync.Mutex

	defaultQoS   qos.WriterQoS
	presentation qos.Presentation

	listener writer.Listener
	mask     writer.StatusKind
	parent   writer.ParentListener

	writers        map[guid.Guid]*writer.DataWriter
	coherentActive bool
	coherentSeq    uint64
}

// New constructs a Publisher. It does not itself own a FlowController,
// EventLoop or Transport: those are supplied per-writer by the caller via
// Config fields in each CreateDataWriter call, exactly like the teacher's
// `go/consumer/app.go` owns its children's lifecycle without owning their
// individual resources.
func New(cfg Config) *Publisher {
	return &Publisher{
		defaultQoS:   cfg.DefaultQoS,
		presentation: cfg.Presentation,
		listener:     cfg.Listener,
		mask:         cfg.ListenerMask,
		parent:       cfg.Parent,
		writers:      make(map[guid.Guid]*writer.DataWriter),
	}
}

// CreateDataWriter builds a DataWriter under this publisher: cfg.QoS, if
// left as the zero value, takes the publisher's default; a coherent
// presentation scoped to topic or group requires keep_all history on
// every writer it covers (spec.md §3, "PreconditionNotMet at writer
// creation when coherent scope requires keep_all").
func (p *Publisher) CreateDataWriter(cfg writer.Config) (*writer.DataWriter, error) {
	p.mu.Lock()
	if cfg.QoS == (qos.WriterQoS{}) {
		cfg.QoS = p.defaultQoS
	}
	if p.presentation.CoherentAccess && p.presentation.Scope != qos.ScopeInstance &&
		cfg.QoS.History.Kind != qos.KeepAll {
		p.mu.Unlock()
		return nil, qos.Wrap(qos.PreconditionNotMet,
			"coherent presentation at topic/group scope requires history.kind = keep_all")
	}
	cfg.Parent = p.resolveParent
	cfg.CoherentSet = p.CoherentSetID
	p.mu.Unlock()

	w, err := writer.New(cfg)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.writers[w.Guid()] = w
	p.mu.Unlock()
	return w, nil
}

// DeleteDataWriter closes and removes writerGUID from this publisher.
func (p *Publisher) DeleteDataWriter(writerGUID guid.Guid) error {
	p.mu.Lock()
	w, ok := p.writers[writerGUID]
	if ok {
		delete(p.writers, writerGUID)
	}
	p.mu.Unlock()
	if !ok {
		return qos.Wrap(qos.BadParameter, "unknown writer")
	}
	return w.Close()
}

// Writers returns a snapshot of the publisher's current writers.
func (p *Publisher) Writers() []*writer.DataWriter {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out = make([]*writer.DataWriter, 0, len(p.writers))
	for _, w := range p.writers {
		out = append(out, w)
	}
	return out
}

// BeginCoherentChanges opens a coherent change set (spec.md §3
// "Publisher presentation context"). Writes made by any of this
// publisher's writers while a coherent set is open are logically grouped
// for matched readers configured with ordered/coherent access; actually
// batching delivery is a transport/wire concern (RTPS GroupInfo
// submessages) out of this core's scope (spec.md §1), so this tracks the
// transaction boundary without reordering delivery itself.
func (p *Publisher) BeginCoherentChanges() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.presentation.CoherentAccess {
		return qos.Wrap(qos.PreconditionNotMet, "publisher presentation.coherent_access is disabled")
	}
	if p.coherentActive {
		return qos.Wrap(qos.PreconditionNotMet, "a coherent change set is already open")
	}
	p.coherentSeq++
	p.coherentActive = true
	return nil
}

// CoherentSetID reports the id of the currently open coherent-change set
// and whether one is open. It is wired into every writer created under
// this publisher as Config.CoherentSet, so DataWriter.Write can stamp
// each sample's CacheChange.CoherentSetID while the set is open.
func (p *Publisher) CoherentSetID() (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.coherentSeq, p.coherentActive
}

// EndCoherentChanges closes the coherent change set opened by
// BeginCoherentChanges.
func (p *Publisher) EndCoherentChanges() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.coherentActive {
		return qos.Wrap(qos.PreconditionNotMet, "no coherent change set is open")
	}
	p.coherentActive = false
	return nil
}

// resolveParent is this publisher's contribution to the writer →
// publisher → participant listener chain (SPEC_FULL.md C.6): it answers
// for every writer created under it whose own listener doesn't claim a
// given status kind.
func (p *Publisher) resolveParent(kind writer.StatusKind) writer.Listener {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener != nil && p.mask&kind != 0 {
		return p.listener
	}
	if p.parent != nil {
		return p.parent(kind)
	}
	return nil
}
