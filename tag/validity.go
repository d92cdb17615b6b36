package tag

// IsValidUpdate decides whether u is newer than the state held in current.
// It only reads current's id and timestamps.
//
// Server time orders updates. DAQ and source timestamps break ties at equal
// server time and may never be taken away once observed. Differing source
// timestamps within the same DAQ timestamp are accepted, and a full
// configuration update wins the remaining ties.
func IsValidUpdate(current *Tag, u *Update) bool {
	if current == nil || u == nil || u.ID != current.ID {
		return false
	}
	if u.ServerTimestamp.IsZero() {
		return false
	}
	if u.ServerTimestamp.After(current.ServerTimestamp) {
		return true
	}
	if !u.ServerTimestamp.Equal(current.ServerTimestamp) {
		return false
	}

	// Same server time.
	if u.DAQTimestamp.IsZero() {
		if !current.DAQTimestamp.IsZero() {
			return false
		}
		return u.IsFull()
	}
	if current.DAQTimestamp.IsZero() {
		return true
	}
	if u.DAQTimestamp.After(current.DAQTimestamp) {
		return true
	}
	if u.DAQTimestamp.Before(current.DAQTimestamp) {
		return false
	}

	// Same DAQ time.
	curSrc, newSrc := current.SourceTimestamp, u.SourceTimestamp
	switch {
	case newSrc.IsZero() && curSrc.IsZero():
		return u.IsFull()
	case curSrc.IsZero():
		return true
	case newSrc.IsZero():
		return false
	}
	return u.IsFull() || !newSrc.Equal(curSrc)
}
