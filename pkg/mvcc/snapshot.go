package mvcc

// Snapshot is an immutable summary of which timestamps are committed as
// of the moment it was taken. It is safe for concurrent use and cheap
// to copy (no locks, no map mutation after construction).
//
// Representation follows the compact three-part scheme: everything
// strictly below AllCommittedBefore is committed; everything at or
// above NoneCommittedAtOrAfter is not; timestamps in between are
// committed iff they appear in CommittedExplicit.
type Snapshot struct {
	AllCommittedBefore  Timestamp
	CommittedExplicit   map[Timestamp]struct{}
	NoneCommittedAtOrAfter Timestamp
}

// IsCommitted reports whether t was committed as of this snapshot.
func (s Snapshot) IsCommitted(t Timestamp) bool {
	if t < s.AllCommittedBefore {
		return true
	}
	if t >= s.NoneCommittedAtOrAfter {
		return false
	}
	_, ok := s.CommittedExplicit[t]
	return ok
}

// IsClean reports whether the snapshot has no "maybe" range: every
// timestamp below NoneCommittedAtOrAfter is resolved by
// AllCommittedBefore alone. A clean snapshot needs no explicit set
// lookups and can be represented purely by AllCommittedBefore.
func (s Snapshot) IsClean() bool {
	return s.AllCommittedBefore == s.NoneCommittedAtOrAfter
}

// emptySnapshot is the initial snapshot of a coordinator that has never
// committed anything. Both bounds sit at 1, the first timestamp a
// Clock ever hands out (0 is never a valid assigned timestamp), so the
// very first commit is contiguous with the clean prefix.
func emptySnapshot() Snapshot {
	return Snapshot{
		AllCommittedBefore:     1,
		CommittedExplicit:      nil,
		NoneCommittedAtOrAfter: 1,
	}
}

// fold returns the snapshot that results from committing t into s. It
// never mutates s.
func (s Snapshot) fold(t Timestamp) Snapshot {
	next := Snapshot{
		AllCommittedBefore:     s.AllCommittedBefore,
		NoneCommittedAtOrAfter: s.NoneCommittedAtOrAfter,
	}
	if t == s.AllCommittedBefore {
		// Contiguous: extend the clean prefix, and absorb any explicit
		// entries that are now contiguous with it too.
		next.AllCommittedBefore = t.Next()
		for next.AllCommittedBefore < s.NoneCommittedAtOrAfter {
			if _, ok := s.CommittedExplicit[next.AllCommittedBefore]; !ok {
				break
			}
			next.AllCommittedBefore = next.AllCommittedBefore.Next()
		}
		if next.AllCommittedBefore > next.NoneCommittedAtOrAfter {
			// The clean prefix just caught up with (or passed) the
			// previous high-water mark: nothing "maybe" remains.
			next.NoneCommittedAtOrAfter = next.AllCommittedBefore
		}
		if len(s.CommittedExplicit) > 0 {
			explicit := make(map[Timestamp]struct{}, len(s.CommittedExplicit))
			for ts := range s.CommittedExplicit {
				if ts >= next.AllCommittedBefore {
					explicit[ts] = struct{}{}
				}
			}
			if len(explicit) > 0 {
				next.CommittedExplicit = explicit
			}
		}
	} else {
		explicit := make(map[Timestamp]struct{}, len(s.CommittedExplicit)+1)
		for ts := range s.CommittedExplicit {
			explicit[ts] = struct{}{}
		}
		explicit[t] = struct{}{}
		next.CommittedExplicit = explicit
		if t.Next() > next.NoneCommittedAtOrAfter {
			next.NoneCommittedAtOrAfter = t.Next()
		}
	}
	return next
}
