package livesock

// Identity is who a connection belongs to: a signed-in member or an anonymous
// device. Exactly one field is set.
type Identity struct {
	MemberID string
	DeviceID string
}

// Member returns a signed-in identity.
func Member(id string) Identity {
	return Identity{MemberID: id}
}

// Anonymous returns a device-scoped identity.
func Anonymous(deviceID string) Identity {
	return Identity{DeviceID: deviceID}
}

// IsMember reports whether the identity is a signed-in member.
func (i Identity) IsMember() bool {
	return i.MemberID != ""
}

// IsZero reports whether neither field is set.
func (i Identity) IsZero() bool {
	return i.MemberID == "" && i.DeviceID == ""
}

// Key is the index key for the identity.
func (i Identity) Key() string {
	if i.IsMember() {
		return "member:" + i.MemberID
	}
	return "device:" + i.DeviceID
}

func (i Identity) String() string {
	return i.Key()
}
