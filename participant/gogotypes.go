package participant

import (
	"fmt"

	"github.com/gogo/protobuf/proto"
)

// GogoTypeSupport adapts a gogo/protobuf message type into a
// participant.TypeSupport (spec.md §6 "serialize(sample) → payload"). This
// is the type descriptor a real deployment registers instead of
// cmd/ddspubd's demonstration string type: samples are concrete
// proto.Message values, serialized with their generated Marshal method.
//
// Grounded on the teacher's pervasive use of gogo/protobuf-generated
// specs (go/flow/specs.go, go/runtime/ops_publisher.go) for its own
// wire types.
type GogoTypeSupport struct {
	// KeyOf extracts instance key bytes from a sample, for keyed topics.
	// Nil means every sample belongs to the topic's single unkeyed
	// instance (spec.md §2 "unkeyed topics").
	KeyOf func(proto.Message) ([]byte, error)
}

// Serialize implements TypeSupport.
func (g GogoTypeSupport) Serialize(sample interface{}) ([]byte, error) {
	msg, ok := sample.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("sample of type %T does not implement proto.Message", sample)
	}
	return proto.Marshal(msg)
}

// ComputeKey implements TypeSupport.
func (g GogoTypeSupport) ComputeKey(sample interface{}) ([]byte, error) {
	if g.KeyOf == nil {
		return nil, nil
	}
	msg, ok := sample.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("sample of type %T does not implement proto.Message", sample)
	}
	return g.KeyOf(msg)
}
