package main

// stringTypeSupport is the demonstration binary's type descriptor
// (participant.TypeSupport): samples are plain strings serialized as
// their own UTF-8 bytes. A real deployment registers gogo-proto message
// types here instead (SPEC_FULL.md §B), with compute_key extracting the
// declared key fields; ddspubd's topic is unkeyed, so ComputeKey is
// never called.
type stringTypeSupport struct{}

func (stringTypeSupport) Serialize(sample interface{}) ([]byte, error) {
	return []byte(sample.(string)), nil
}

func (stringTypeSupport) ComputeKey(interface{}) ([]byte, error) {
	return nil, nil
}
