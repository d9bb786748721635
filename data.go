package fuzztarget

// Data is the payload container handed to a target. It embeds the
// serialized bytes produced by the data model plus the semantic tags
// used for interface routing; the delivery layer treats the bytes as
// opaque.
type Data struct {
	raw       []byte
	semantics []string
}

// NewData wraps raw bytes with optional semantic tags.
func NewData(raw []byte, semantics ...string) *Data {
	return &Data{raw: raw, semantics: semantics}
}

// Bytes returns the serialized payload.
func (d *Data) Bytes() []byte {
	if d == nil {
		return nil
	}
	return d.raw
}

// SetBytes replaces the serialized payload in place. Used by the
// pre-send path when hardware addresses are injected into raw frames.
func (d *Data) SetBytes(raw []byte) {
	d.raw = raw
}

// Semantics returns the routing tags carried by the payload.
func (d *Data) Semantics() []string {
	if d == nil {
		return nil
	}
	return d.semantics
}

// IsEmpty reports whether the payload carries no bytes at all. An empty
// payload at pre-send inspection is a data-integrity warning, not an
// error.
func (d *Data) IsEmpty() bool {
	return d == nil || len(d.raw) == 0
}
