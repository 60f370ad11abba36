package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"ble-locator.klederson.com/internal/model"
	"ble-locator.klederson.com/internal/protocol"
)

type fakeHandler struct {
	mu          sync.Mutex
	established int
	down        int
	asks        int
	validated   []uint8
}

func (h *fakeHandler) ConnectionEstablished(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.established++
	return nil
}

func (h *fakeHandler) ConnectionDown(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.down++
	return nil
}

func (h *fakeHandler) AskCalibrationPositions(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.asks++
	return nil
}

func (h *fakeHandler) ValidatePosition(_ context.Context, id uint8) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.validated = append(h.validated, id)
	return nil
}

type handlerCounts struct {
	established, down, asks int
	validated               []uint8
}

func (h *fakeHandler) snapshot() handlerCounts {
	h.mu.Lock()
	defer h.mu.Unlock()
	return handlerCounts{
		established: h.established,
		down:        h.down,
		asks:        h.asks,
		validated:   append([]uint8(nil), h.validated...),
	}
}

func startServer(t *testing.T) (*Server, *fakeHandler, chan error) {
	t.Helper()
	h := &fakeHandler{}
	s := NewServer(h, Options{Listen: "127.0.0.1:0", RetryDelay: 20 * time.Millisecond})
	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background()) }()
	t.Cleanup(func() { s.Close() })
	return s, h, errc
}

func waitAddr(t *testing.T, s *Server) string {
	t.Helper()
	var addr string
	require.Eventually(t, func() bool {
		if a := s.Addr(); a != nil {
			addr = a.String()
			return true
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return addr
}

func TestServerSession(t *testing.T) {
	s, h, _ := startServer(t)
	assert.ErrorIs(t, s.SendFrame([]byte{0x06, 0, 0}), ErrNotConnected)

	ctx := context.Background()
	c, err := Dial(ctx, waitAddr(t, s))
	require.NoError(t, err)
	defer c.Close()

	require.Eventually(t, func() bool { return h.snapshot().established == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, s.Connected())

	require.NoError(t, c.Send(protocol.CalibrationPositionsRequest{}))
	require.NoError(t, c.Send(protocol.CalibrationStart{}))
	require.NoError(t, c.WriteFrame([]byte{0x7F, 0x00, 0x01, 0xAA})) // unknown command, skipped
	require.NoError(t, c.Send(protocol.BeaconsData{Beacons: []model.BeaconData{}}))
	require.NoError(t, c.Send(protocol.CalibrationPositionSignal{ID: 7}))

	require.Eventually(t, func() bool {
		return len(h.snapshot().validated) == 1
	}, 2*time.Second, 5*time.Millisecond)
	got := h.snapshot()
	assert.Equal(t, 2, got.asks)
	assert.Equal(t, []uint8{7}, got.validated)

	frame, err := protocol.Encode(protocol.CurrentPosition{Date: 9, Position: model.Position{X: 1, Y: -2}})
	require.NoError(t, err)
	require.NoError(t, s.SendFrame(frame))
	msg, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, protocol.CurrentPosition{Date: 9, Position: model.Position{X: 1, Y: -2}}, msg)
}

func TestServerDropsFramesOverRate(t *testing.T) {
	h := &fakeHandler{}
	s := NewServer(h, Options{
		Listen:     "127.0.0.1:0",
		RetryDelay: 20 * time.Millisecond,
		FrameRate:  rate.Every(time.Hour),
		FrameBurst: 2,
	})
	go s.Run(context.Background())
	t.Cleanup(func() { s.Close() })

	c, err := Dial(context.Background(), waitAddr(t, s))
	require.NoError(t, err)
	defer c.Close()

	for id := uint8(1); id <= 4; id++ {
		require.NoError(t, c.Send(protocol.CalibrationPositionSignal{ID: id}))
	}
	require.Eventually(t, func() bool { return len(h.snapshot().validated) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return len(h.snapshot().validated) > 2 }, 100*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, []uint8{1, 2}, h.snapshot().validated)
	assert.True(t, s.Connected(), "dropping frames keeps the link")
}

func TestServerRebuildsListenerAfterDisconnect(t *testing.T) {
	s, h, _ := startServer(t)
	ctx := context.Background()

	c, err := Dial(ctx, waitAddr(t, s))
	require.NoError(t, err)
	require.Eventually(t, s.Connected, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Close())

	require.Eventually(t, func() bool { return h.snapshot().down == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, s.Connected())
	assert.ErrorIs(t, s.SendFrame([]byte{0x06, 0, 0}), ErrNotConnected)

	c2, err := Dial(ctx, waitAddr(t, s))
	require.NoError(t, err)
	defer c2.Close()
	require.Eventually(t, func() bool { return h.snapshot().established == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestServerCloseStopsRun(t *testing.T) {
	s, h, errc := startServer(t)
	c, err := Dial(context.Background(), waitAddr(t, s))
	require.NoError(t, err)
	defer c.Close()
	require.Eventually(t, s.Connected, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Close())
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return")
	}
	assert.Equal(t, 1, h.snapshot().down)
}

func TestServerStopsWithContext(t *testing.T) {
	s := NewServer(&fakeHandler{}, Options{Listen: "127.0.0.1:0", RetryDelay: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	waitAddr(t, s)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return")
	}
}

func TestDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := Dial(ctx, "127.0.0.1:1")
	assert.Error(t, err)
}
