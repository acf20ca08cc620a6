package reactor

// OpID names an operation in a reactor's arena. It packs the slot index with
// the slot's generation, so an ID held past completion never aliases a newer
// operation that reused the slot.
type OpID uint64

func makeOpID(index, gen uint32) OpID {
	return OpID(uint64(index)<<32 | uint64(gen))
}

func (id OpID) index() uint32 { return uint32(id >> 32) }

func (id OpID) gen() uint32 { return uint32(id) }

// alloc and friends require r.mu.

func (r *Reactor) alloc(o op) OpID {
	var index uint32
	if n := len(r.free); n > 0 {
		index = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		r.slots = append(r.slots, slot{})
		index = uint32(len(r.slots) - 1)
	}
	s := &r.slots[index]
	s.gen++
	s.live = true
	s.op = o
	r.live++
	return makeOpID(index, s.gen)
}

func (r *Reactor) lookup(id OpID) *slot {
	index := id.index()
	if int(index) >= len(r.slots) {
		return nil
	}
	s := &r.slots[index]
	if !s.live || s.gen != id.gen() {
		return nil
	}
	return s
}

func (r *Reactor) release(id OpID) {
	s := r.lookup(id)
	if s == nil {
		return
	}
	s.live = false
	s.op = op{}
	r.free = append(r.free, id.index())
	r.live--
}
