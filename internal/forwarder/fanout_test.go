package forwarder

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timerelay/internal/logging"
)

func TestFanoutDeliversLiveOnly(t *testing.T) {
	fanout, err := NewFanout("127.0.0.1:0", logging.NewTestLogger())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fanout.Run(ctx)

	// Published before any consumer connects: nobody sees it.
	fanout.Publish([]byte("EARLY\n"))

	conn, err := net.Dial("tcp", fanout.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	time.Sleep(100 * time.Millisecond) // let the accept land

	fanout.Publish([]byte("LINE_1\n"))
	fanout.Publish([]byte("LINE_2\n"))

	reader := bufio.NewReader(conn)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "LINE_1\n", line)
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "LINE_2\n", line)
}

func TestFanoutDropsSlowConsumers(t *testing.T) {
	fanout, err := NewFanout("127.0.0.1:0", logging.NewTestLogger())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fanout.Run(ctx)

	conn, err := net.Dial("tcp", fanout.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	time.Sleep(100 * time.Millisecond)

	// A consumer that never reads eventually overflows its queue and is
	// dropped; publishing never blocks.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10000; i++ {
			fanout.Publish([]byte("XXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXX\n"))
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a slow consumer")
	}
}

func TestFanoutCloseDisconnectsClients(t *testing.T) {
	fanout, err := NewFanout("127.0.0.1:0", logging.NewTestLogger())
	require.NoError(t, err)
	go fanout.Run(context.Background())

	conn, err := net.Dial("tcp", fanout.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	time.Sleep(100 * time.Millisecond)

	fanout.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	assert.Error(t, err)
}
