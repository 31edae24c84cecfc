package chain

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/arloliu/go-chainbus/logger"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestSend_Reply(t *testing.T) {
	require := require.New(t)

	b, chain := openTestBus(t)
	chain.respond(func(req *Frame, _ int) []byte {
		return Encode(req.DeviceID, req.Cmd, []byte{byte(StatusOK), 0x2A})
	})

	reply, ok := b.Send(0x01, 0x20, []byte{0x01}, 100*time.Millisecond)
	require.True(ok)
	require.Equal([]byte{0x00, 0x2A}, reply)

	status, ok := ParseStatus(reply)
	require.True(ok)
	require.Equal(StatusOK, status)

	writes := chain.pipe.Writes()
	require.Len(writes, 1)
	require.Equal(Encode(0x01, 0x20, []byte{0x01}), writes[0])

	m := b.GetMetrics()
	require.Equal(uint64(1), m.TransactionOKCount.Load())
	require.Equal(uint64(1), m.FrameSendCount.Load())
	require.Zero(m.TransactionInflight.Load())
}

func TestSend_EmptyReply(t *testing.T) {
	require := require.New(t)

	b, chain := openTestBus(t)
	chain.respond(func(req *Frame, _ int) []byte {
		return Encode(req.DeviceID, req.Cmd, nil)
	})

	reply, ok := b.Send(0x01, 0x21, nil, 100*time.Millisecond)
	require.True(ok)
	require.Nil(reply)
}

func TestSend_RetryBound(t *testing.T) {
	require := require.New(t)

	b, chain := openTestBus(t)

	start := time.Now()
	reply, ok := b.SendWithPolicy(0x01, 0x20, nil, TransactionPolicy{
		Timeout:    10 * time.Millisecond,
		MaxRetries: 3,
		RetryPause: time.Millisecond,
	})
	require.False(ok)
	require.Nil(reply)
	require.GreaterOrEqual(time.Since(start), 30*time.Millisecond)

	writes := chain.pipe.Writes()
	require.Len(writes, 3)
	for _, w := range writes {
		require.Equal(Encode(0x01, 0x20, nil), w)
	}

	m := b.GetMetrics()
	require.Equal(uint64(2), m.TransactionRetryCount.Load())
	require.Equal(uint64(1), m.TransactionTimeoutCount.Load())
	require.Zero(m.TransactionOKCount.Load())
}

func TestSend_ReplyOnRetry(t *testing.T) {
	require := require.New(t)

	b, chain := openTestBus(t)
	chain.respond(func(req *Frame, attempt int) []byte {
		if attempt < 2 {
			return nil
		}

		return echoStatus(req, attempt)
	})

	reply, ok := b.Send(0x02, 0x30, nil, 20*time.Millisecond)
	require.True(ok)
	require.Equal([]byte{byte(StatusOK)}, reply)
	require.Len(chain.pipe.Writes(), 2)
}

func TestSend_ZeroRetriesMeansOneAttempt(t *testing.T) {
	require := require.New(t)

	b, chain := openTestBus(t)

	_, ok := b.SendWithPolicy(0x01, 0x20, nil, TransactionPolicy{Timeout: 5 * time.Millisecond})
	require.False(ok)
	require.Len(chain.pipe.Writes(), 1)
}

func TestSend_WriteErrorConsumesAttempt(t *testing.T) {
	require := require.New(t)

	b, chain := openTestBus(t, WithRetryLimit(3))
	chain.pipe.FailWrites(func([]byte) error { return errors.New("line down") })

	_, ok := b.Send(0x01, 0x20, nil, 5*time.Millisecond)
	require.False(ok)
	require.Empty(chain.pipe.Writes())
	require.Equal(uint64(3), b.GetMetrics().WriteErrCount.Load())
	require.Zero(b.GetMetrics().FrameSendCount.Load())
}

func TestSend_ReplyFromOtherDeviceIgnored(t *testing.T) {
	require := require.New(t)

	b, chain := openTestBus(t)
	chain.respond(func(req *Frame, _ int) []byte {
		return Encode(req.DeviceID+1, req.Cmd, []byte{0x00})
	})

	_, ok := b.SendWithPolicy(0x01, 0x20, nil, TransactionPolicy{Timeout: 10 * time.Millisecond, MaxRetries: 1})
	require.False(ok)

	require.Eventually(func() bool { return b.queue.Len() == 1 }, time.Second, time.Millisecond)
	payload, ok := b.queue.Take(0x02, 0x20, false)
	require.True(ok)
	require.Equal([]byte{0x00}, payload)
}

func TestSend_ClosedBus(t *testing.T) {
	require := require.New(t)

	b, chain := openTestBus(t)
	chain.respond(echoStatus)
	require.NoError(b.Close())

	_, ok := b.Send(0x01, 0x20, nil, 10*time.Millisecond)
	require.False(ok)
	require.Empty(chain.pipe.Writes())
}

func TestSend_CloseAbortsInflight(t *testing.T) {
	require := require.New(t)

	b, _ := openTestBus(t)

	done := make(chan bool)
	go func() {
		_, ok := b.Send(0x01, 0x20, nil, 10*time.Second)
		done <- ok
	}()

	require.Eventually(func() bool { return b.GetMetrics().TransactionInflight.Load() == 1 }, time.Second, time.Millisecond)
	require.NoError(b.Close())

	select {
	case ok := <-done:
		require.False(ok)
	case <-time.After(2 * time.Second):
		require.Fail("send did not return after close")
	}
}

func TestSend_Concurrent(t *testing.T) {
	require := require.New(t)

	b, chain := openTestBus(t)
	chain.respond(func(req *Frame, _ int) []byte {
		return Encode(req.DeviceID, req.Cmd, []byte{req.DeviceID})
	})

	var wg sync.WaitGroup
	results := make([]bool, 8)
	for i := range results {
		wg.Add(1)
		go func(id uint8) {
			defer wg.Done()
			reply, ok := b.Request(id, 0x40, nil)
			results[id-1] = ok && len(reply) == 1 && reply[0] == id
		}(uint8(i + 1))
	}
	wg.Wait()

	for i, ok := range results {
		require.True(ok, "device %d", i+1)
	}
}

func TestGetDeviceNum(t *testing.T) {
	require := require.New(t)

	b, chain := openTestBus(t)
	chain.respond(func(req *Frame, _ int) []byte {
		if req.DeviceID == BroadcastID && req.Cmd == CmdEnumResponse {
			return Encode(BroadcastID, CmdEnumResponse, []byte{0x03})
		}

		return nil
	})

	require.Zero(b.DeviceCount())

	count, ok := b.GetDeviceNum()
	require.True(ok)
	require.Equal(uint8(3), count)
	require.Equal(uint8(3), b.DeviceCount())

	require.Equal([][]byte{Encode(BroadcastID, CmdEnumResponse, []byte{0x00})}, chain.pipe.Writes())
}

func TestGetDeviceNum_NoReply(t *testing.T) {
	require := require.New(t)

	b, _ := openTestBus(t, WithRequestTimeout(5*time.Millisecond))

	count, ok := b.GetDeviceNum()
	require.False(ok)
	require.Zero(count)
	require.Zero(b.DeviceCount())
}

func TestSend_DeviceIDBeyondEnumeratedCount(t *testing.T) {
	require := require.New(t)

	const msg = "chain: device ID beyond enumerated device count"

	ml := logger.NewPermissiveMockLogger()
	b, chain := openTestBus(t, WithLogger(ml), WithRetryLimit(1))
	chain.respond(func(req *Frame, attempt int) []byte {
		if req.DeviceID == BroadcastID && req.Cmd == CmdEnumResponse {
			return Encode(BroadcastID, CmdEnumResponse, []byte{0x02})
		}

		return echoStatus(req, attempt)
	})

	// nothing is known about the chain before enumeration
	_, ok := b.Send(0x05, 0x20, nil, 50*time.Millisecond)
	require.True(ok)
	ml.AssertNotCalled(t, "Warn", msg, mock.Anything)

	count, ok := b.GetDeviceNum()
	require.True(ok)
	require.Equal(uint8(2), count)

	_, ok = b.Send(0x02, 0x20, nil, 50*time.Millisecond)
	require.True(ok)
	_, ok = b.Send(BroadcastID, 0x20, nil, 50*time.Millisecond)
	require.True(ok)
	ml.AssertNotCalled(t, "Warn", msg, mock.Anything)

	// the frame still goes out, with a warning
	_, ok = b.Send(0x05, 0x21, []byte{0x01}, 50*time.Millisecond)
	require.True(ok)
	ml.AssertCalled(t, "Warn", msg, []any{"deviceID", uint8(0x05), "deviceCount", uint32(2)})

	writes := chain.pipe.Writes()
	require.Equal(Encode(0x05, 0x21, []byte{0x01}), writes[len(writes)-1])
}

func TestSend_TimeoutLogged(t *testing.T) {
	ml := logger.NewPermissiveMockLogger()
	b, _ := openTestBus(t, WithLogger(ml))

	_, ok := b.SendWithPolicy(0x01, 0x20, nil, TransactionPolicy{Timeout: 5 * time.Millisecond, MaxRetries: 2})
	require.False(t, ok)

	ml.AssertCalled(t, "Warn", "chain: transaction timed out",
		[]any{"deviceID", uint8(0x01), "cmd", uint8(0x20), "attempts", 2, "timeout", 5 * time.Millisecond})
}

func TestLinkQueries(t *testing.T) {
	require := require.New(t)

	b, chain := openTestBus(t)
	chain.respond(func(req *Frame, _ int) []byte {
		switch req.Cmd {
		case CmdDeviceType:
			return Encode(req.DeviceID, req.Cmd, []byte{0x01, 0x02})
		case CmdFirmwareVersion:
			return Encode(req.DeviceID, req.Cmd, []byte{0x07})
		case CmdBootloaderVersion:
			return Encode(req.DeviceID, req.Cmd, []byte{0x03})
		default:
			return nil
		}
	})

	typ, ok := b.DeviceType(0x01)
	require.True(ok)
	require.Equal(uint16(0x0201), typ)

	fw, ok := b.FirmwareVersion(0x01)
	require.True(ok)
	require.Equal(uint8(0x07), fw)

	bl, ok := b.BootloaderVersion(0x01)
	require.True(ok)
	require.Equal(uint8(0x03), bl)
}

func TestDefaultPolicy(t *testing.T) {
	b, _ := openTestBus(t, WithRequestTimeout(time.Second), WithRetryLimit(5), WithRetryPause(20*time.Millisecond))

	require.Equal(t, TransactionPolicy{Timeout: time.Second, MaxRetries: 5, RetryPause: 20 * time.Millisecond}, b.DefaultPolicy())
}
