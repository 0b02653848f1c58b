package pricing

// VectorSetCapacity is the fixed number of vector slots per offer, matching
// the on-chain account layout.
const VectorSetCapacity = 10

// Vector is one time-activated pricing rule. The zero value is the empty-slot
// sentinel used by the on-chain fixed-size array; any live vector has
// StartTime > 0.
type Vector struct {
	// StartTime is the activation timestamp. Unique within a set and strictly
	// increasing by insertion policy.
	StartTime int64
	// BaseTime anchors the growth formula. It may differ from StartTime.
	BaseTime int64
	// BasePrice is the price at BaseTime, PriceDecimals fixed point.
	BasePrice uint64
	// GrowthRate is the APR-like rate in YieldScale units.
	GrowthRate uint64
	// StepDuration is the width of one constant-price step, in seconds.
	StepDuration int64
}

// IsZero reports whether the slot is the empty sentinel.
func (v Vector) IsZero() bool {
	return v == Vector{}
}

// PriceAt evaluates the vector's step price at time now.
func (v Vector) PriceAt(now int64) (uint64, error) {
	return CalculateStepPriceAt(v.GrowthRate, v.BasePrice, v.BaseTime, v.StepDuration, now)
}

// VectorSet is the fixed-capacity array of pricing vectors owned by an offer.
// Slots are unordered; lookup scans all of them.
type VectorSet [VectorSetCapacity]Vector

// ActiveAt returns the vector governing time now: the non-empty vector with
// the largest StartTime <= now. Start times are unique within a set, so the
// result is deterministic.
func (s *VectorSet) ActiveAt(now int64) (Vector, error) {
	var active Vector
	for _, v := range s {
		if v.IsZero() || v.StartTime > now {
			continue
		}
		if active.IsZero() || v.StartTime > active.StartTime {
			active = v
		}
	}
	if active.IsZero() {
		return Vector{}, ErrNoActiveVector
	}
	return active, nil
}

// PriceAt resolves the active vector at now and evaluates its step price.
func (s *VectorSet) PriceAt(now int64) (uint64, error) {
	active, err := s.ActiveAt(now)
	if err != nil {
		return 0, err
	}
	return active.PriceAt(now)
}

// Insert validates and appends v. Insertion is append-only at the tail:
// v.StartTime must be strictly greater than every existing start time. Stale
// history is garbage-collected before the write, so a full set only rejects
// the insert when all surviving vectors are still retained.
func (s *VectorSet) Insert(v Vector, now int64) error {
	if v.StartTime <= 0 {
		return ErrZeroStartTime
	}
	if v.BasePrice == 0 {
		return ErrZeroPrice
	}
	if v.StepDuration <= 0 {
		return ErrInvalidStepLength
	}

	for _, existing := range s {
		if existing.IsZero() {
			continue
		}
		if existing.StartTime == v.StartTime {
			return ErrDuplicateStartTime
		}
		if existing.StartTime > v.StartTime {
			return ErrOutOfOrder
		}
	}

	s.garbageCollect(v, now)

	for i := range s {
		if s[i].IsZero() {
			s[i] = v
			return nil
		}
	}
	return ErrVectorSetFull
}

// Delete zeroes the vector with the given start time. Only strictly-future
// vectors may be deleted: removing the active vector or any past vector would
// yank pricing out from under in-flight settlement.
func (s *VectorSet) Delete(startTime int64, now int64) error {
	index := -1
	for i, v := range s {
		if !v.IsZero() && v.StartTime == startTime {
			index = i
			break
		}
	}
	if index < 0 {
		return ErrVectorNotFound
	}

	if active, err := s.ActiveAt(now); err == nil && startTime <= active.StartTime {
		return ErrVectorNotDeletable
	}

	s[index] = Vector{}
	return nil
}

// garbageCollect zeroes stale history, retaining exactly: the vector active as
// of now (with candidate treated as already present when its start time has
// arrived), the immediately preceding vector, and every future vector. This is
// the observable retention contract; the surviving prior vector keeps
// NAV-adjustment queries over the last regime answerable.
func (s *VectorSet) garbageCollect(candidate Vector, now int64) {
	active, err := s.ActiveAt(now)
	if !candidate.IsZero() && candidate.StartTime <= now {
		if err != nil || candidate.StartTime > active.StartTime {
			active = candidate
			err = nil
		}
	}
	if err != nil {
		// Every vector is in the future; nothing is stale.
		return
	}

	previous, prevErr := s.ActiveAt(active.StartTime - 1)

	for i, v := range s {
		if v.IsZero() || v.StartTime > active.StartTime {
			continue
		}
		if v.StartTime == active.StartTime {
			continue
		}
		if prevErr == nil && v.StartTime == previous.StartTime {
			continue
		}
		s[i] = Vector{}
	}
}

// Live returns the non-empty vectors ordered by start time. Convenience for
// indexing and API rendering.
func (s *VectorSet) Live() []Vector {
	out := make([]Vector, 0, VectorSetCapacity)
	for _, v := range s {
		if !v.IsZero() {
			out = append(out, v)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].StartTime > out[j].StartTime; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
