package ddcmp

// Counters holds per-link traffic and error counts
type Counters struct {
	FramesSent         uint64
	FramesReceived     uint64
	DataSent           uint64
	DataReceived       uint64
	Retransmissions    uint64
	MaintSent          uint64
	MaintReceived      uint64
	RepsSent           uint64
	RepsReceived       uint64
	NaksSent           map[NakReason]uint64
	NaksReceived       map[NakReason]uint64
	HeaderCRCErrors    uint64
	DataCRCErrors      uint64
	FormatErrors       uint64
	Timeouts           uint64
	Discarded          uint64
	DataDropped        uint64 // Duplicates and data nobody could take
	SendRefused        uint64
	ControlDropped     uint64
	CompletionsDropped uint64
}

func newCounters() Counters {
	return Counters{
		NaksSent:     make(map[NakReason]uint64),
		NaksReceived: make(map[NakReason]uint64),
	}
}

// TotalNaksSent returns the number of NAKs sent for any reason
func (c Counters) TotalNaksSent() uint64 {
	var total uint64
	for _, n := range c.NaksSent {
		total += n
	}
	return total
}

// TotalNaksReceived returns the number of NAKs received for any reason
func (c Counters) TotalNaksReceived() uint64 {
	var total uint64
	for _, n := range c.NaksReceived {
		total += n
	}
	return total
}

func (c Counters) snapshot() Counters {
	s := c
	s.NaksSent = make(map[NakReason]uint64, len(c.NaksSent))
	for k, v := range c.NaksSent {
		s.NaksSent[k] = v
	}
	s.NaksReceived = make(map[NakReason]uint64, len(c.NaksReceived))
	for k, v := range c.NaksReceived {
		s.NaksReceived[k] = v
	}
	return s
}
