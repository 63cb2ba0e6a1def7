package media

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ivfFile(frames ...[]byte) []byte {
	var b bytes.Buffer
	header := make([]byte, 32)
	copy(header[0:], "DKIF")
	binary.LittleEndian.PutUint16(header[4:], 0)
	binary.LittleEndian.PutUint16(header[6:], 32)
	copy(header[8:], "VP80")
	binary.LittleEndian.PutUint16(header[12:], 640)
	binary.LittleEndian.PutUint16(header[14:], 480)
	binary.LittleEndian.PutUint32(header[16:], 30)
	binary.LittleEndian.PutUint32(header[20:], 1)
	binary.LittleEndian.PutUint32(header[24:], uint32(len(frames)))
	b.Write(header)
	for i, f := range frames {
		fh := make([]byte, 12)
		binary.LittleEndian.PutUint32(fh[0:], uint32(len(f)))
		binary.LittleEndian.PutUint64(fh[4:], uint64(i))
		b.Write(fh)
		b.Write(f)
	}
	return b.Bytes()
}

func TestIVFSourceLoops(t *testing.T) {
	clock := clockwork.NewFakeClock()
	src, err := NewIVFSource(bytes.NewReader(ivfFile([]byte{1, 2}, []byte{3})), clock)
	require.NoError(t, err)
	assert.Equal(t, webrtc.MimeTypeVP8, src.Codec().MimeType)
	assert.InDelta(t, float64(time.Second/30), float64(src.FrameDuration()), float64(time.Microsecond))

	read := func() []byte {
		t.Helper()
		got := make(chan []byte, 1)
		go func() {
			s, err := src.ReadSample(context.Background())
			assert.NoError(t, err)
			got <- s.Data
		}()
		require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
		clock.Advance(src.FrameDuration())
		select {
		case data := <-got:
			return data
		case <-time.After(2 * time.Second):
			t.Fatal("no sample")
			return nil
		}
	}

	assert.Equal(t, []byte{1, 2}, read())
	assert.Equal(t, []byte{3}, read())
	assert.Equal(t, []byte{1, 2}, read(), "wraps around at the end")
	require.NoError(t, src.Close())
	require.NoError(t, src.Close())
}

func TestIVFSourceRejectsUnknownCodec(t *testing.T) {
	data := ivfFile([]byte{1})
	copy(data[8:], "H264")
	_, err := NewIVFSource(bytes.NewReader(data), clockwork.NewFakeClock())
	assert.Error(t, err)
}
