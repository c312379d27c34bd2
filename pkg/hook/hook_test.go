package hook

import (
	"testing"

	"github.com/florianl/go-nfqueue/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psaab/flowfw/pkg/dataplane"
	"github.com/psaab/flowfw/pkg/packet"
)

type call struct {
	id      uint32
	verdict int
	pkt     []byte
}

type recorder struct{ calls []call }

func (r *recorder) SetVerdict(id uint32, verdict int) error {
	r.calls = append(r.calls, call{id: id, verdict: verdict})
	return nil
}

func (r *recorder) SetVerdictModPacket(id uint32, verdict int, pkt []byte) error {
	r.calls = append(r.calls, call{id: id, verdict: verdict, pkt: pkt})
	return nil
}

type handlerFunc func(buf []byte, ifid uint32, dir packet.Direction) (dataplane.Verdict, []byte, error)

func (f handlerFunc) HandlePacket(buf []byte, ifid uint32, dir packet.Direction) (dataplane.Verdict, []byte, error) {
	return f(buf, ifid, dir)
}

func u32(v uint32) *uint32 { return &v }

func TestProcessVerdicts(t *testing.T) {
	tests := []struct {
		name    string
		dir     packet.Direction
		verdict dataplane.Verdict
		want    int
		wantIf  uint32
	}{
		{"pass in", packet.In, dataplane.VerdictPass, nfqueue.NfAccept, 3},
		{"pass out", packet.Out, dataplane.VerdictPass, nfqueue.NfAccept, 4},
		{"block", packet.In, dataplane.VerdictBlock, nfqueue.NfDrop, 3},
		{"pending", packet.Out, dataplane.VerdictPending, nfqueue.NfDrop, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotIf uint32
			var gotDir packet.Direction
			q := NewQueue(0, tt.dir, handlerFunc(func(buf []byte, ifid uint32, dir packet.Direction) (dataplane.Verdict, []byte, error) {
				gotIf, gotDir = ifid, dir
				buf[0] = 0x46
				return tt.verdict, buf, nil
			}))
			rec := &recorder{}
			payload := []byte{0x45, 1, 2, 3}
			q.process(rec, nfqueue.Attribute{PacketID: u32(7), Payload: &payload, InDev: u32(3), OutDev: u32(4)})

			require.Len(t, rec.calls, 1)
			assert.Equal(t, uint32(7), rec.calls[0].id)
			assert.Equal(t, tt.want, rec.calls[0].verdict)
			assert.Equal(t, tt.wantIf, gotIf)
			assert.Equal(t, tt.dir, gotDir)
			if tt.verdict == dataplane.VerdictPass {
				assert.Equal(t, []byte{0x46, 1, 2, 3}, rec.calls[0].pkt)
			}
		})
	}
}

func TestProcessWithoutPayload(t *testing.T) {
	q := NewQueue(0, packet.In, handlerFunc(func([]byte, uint32, packet.Direction) (dataplane.Verdict, []byte, error) {
		t.Fatal("handler called")
		return 0, nil, nil
	}))
	rec := &recorder{}
	q.process(rec, nfqueue.Attribute{PacketID: u32(1)})
	q.process(rec, nfqueue.Attribute{})

	require.Len(t, rec.calls, 1)
	assert.Equal(t, nfqueue.NfAccept, rec.calls[0].verdict)
	received, _, _ := q.Stats()
	assert.Zero(t, received)
}

func TestProcessCountsErrors(t *testing.T) {
	q := NewQueue(0, packet.In, handlerFunc(func(buf []byte, _ uint32, _ packet.Direction) (dataplane.Verdict, []byte, error) {
		return dataplane.VerdictBlock, buf, dataplane.ErrMalformed
	}))
	rec := &recorder{}
	payload := []byte{0}
	q.process(rec, nfqueue.Attribute{PacketID: u32(2), Payload: &payload})

	received, dropped, errs := q.Stats()
	assert.Equal(t, uint64(1), received)
	assert.Equal(t, uint64(1), dropped)
	assert.Equal(t, uint64(1), errs)
}
