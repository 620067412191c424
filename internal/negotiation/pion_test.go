package negotiation

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
)

func TestObserveCountsGaps(t *testing.T) {
	p := &pionPeer{}
	var seq seqTracker
	for _, n := range []uint16{65533, 65534, 0, 3, 2, 4} {
		p.observe(&seq, &rtp.Packet{Header: rtp.Header{SequenceNumber: n}, Payload: make([]byte, 10)})
	}
	q := p.Stats()
	assert.Equal(t, uint64(6), q.PacketsReceived)
	assert.Equal(t, uint64(60), q.BytesReceived)
	// 65535 and 1,2 missing when 0 and 3 arrive; the late 2 is not counted again.
	assert.Equal(t, uint64(3), q.PacketsLost)
}
