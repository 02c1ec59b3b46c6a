package vrwire

// VersionCounter is a monotonically increasing (modulo wraparound) version
// number for one group of configuration state. The zero value is reserved to
// mean "never sent", so Increment skips it on wraparound. A peer cursor
// holding 0 therefore always compares as outdated, which is what forces a
// full snapshot on first contact.
type VersionCounter uint32

// Unsent is the reserved "never sent" cursor value.
const Unsent VersionCounter = 0

// Increment bumps the counter, skipping the reserved zero value.
func (v *VersionCounter) Increment() {
	*v++
	if *v == 0 {
		*v++
	}
}

// Outdates reports whether a peer holding the given cursor needs a resend.
// Any difference counts; versions are identifiers, not ordered quantities,
// because wraparound would break ordered comparison.
func (v VersionCounter) Outdates(peer VersionCounter) bool {
	return v != peer
}
