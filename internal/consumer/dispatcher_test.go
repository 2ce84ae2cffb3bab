package consumer

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDispatcher_PerDeviceOrdering(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string][]int) // device_id -> 处理顺序序号

	d := NewDispatcher(4, 256, func(msg Message) {
		mu.Lock()
		defer mu.Unlock()
		var seq int
		fmt.Sscanf(string(msg.Payload), "%d", &seq)
		seen[msg.Topic] = append(seen[msg.Topic], seq)
	}, zap.NewNop())
	d.Start()

	// 多设备交错投递：每个设备 50 条按序消息
	devices := []string{"blanket-001", "blanket-002", "blanket-003", "blanket-004", "blanket-005"}
	for seq := 0; seq < 50; seq++ {
		for _, dev := range devices {
			d.Dispatch(dev, Message{
				Topic:      dev,
				Payload:    []byte(fmt.Sprintf("%d", seq)),
				ReceivedAt: time.Now(),
			})
		}
	}
	d.Close()

	// 单设备内消息必须严格按投递顺序处理
	for _, dev := range devices {
		require.Len(t, seen[dev], 50, "device %s", dev)
		for i, seq := range seen[dev] {
			assert.Equal(t, i, seq, "device %s out of order at index %d", dev, i)
		}
	}
	assert.Zero(t, d.Dropped())
}

func TestDispatcher_SameDeviceSameLane(t *testing.T) {
	// 同一设备ID必须始终哈希到同一条道
	for _, dev := range []string{"blanket-001", "", "设备-中文", "a-very-long-device-identifier"} {
		first := laneIndex(dev, 8)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, laneIndex(dev, 8), "device %q", dev)
		}
		assert.GreaterOrEqual(t, first, 0)
		assert.Less(t, first, 8)
	}
}

func TestDispatcher_FullLaneDropsWithCounter(t *testing.T) {
	entered := make(chan struct{})
	block := make(chan struct{})
	d := NewDispatcher(1, 1, func(msg Message) {
		entered <- struct{}{}
		<-block // 阻塞 worker，逼满道队列
	}, zap.NewNop())
	d.Start()

	// 第一条被 worker 取走并阻塞
	d.Dispatch("blanket-001", Message{Topic: "t", ReceivedAt: time.Now()})
	<-entered

	// 第二条占满队列，之后全部丢弃
	for i := 0; i < 4; i++ {
		d.Dispatch("blanket-001", Message{Topic: "t", ReceivedAt: time.Now()})
	}
	assert.Equal(t, uint64(3), d.Dropped())

	close(block)
	go func() {
		for range entered {
		}
	}()
	d.Close()
	close(entered)
}

func TestDispatcher_CloseDrainsPending(t *testing.T) {
	var processed sync.WaitGroup
	var mu sync.Mutex
	count := 0

	d := NewDispatcher(2, 64, func(msg Message) {
		time.Sleep(time.Millisecond)
		mu.Lock()
		count++
		mu.Unlock()
		processed.Done()
	}, zap.NewNop())
	d.Start()

	const total = 20
	processed.Add(total)
	for i := 0; i < total; i++ {
		d.Dispatch(fmt.Sprintf("blanket-%03d", i), Message{Topic: "t", ReceivedAt: time.Now()})
	}

	// Close 等待在队列中的消息全部处理完
	d.Close()
	processed.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, total, count)
}

func TestDispatcher_DispatchAfterCloseIsNoop(t *testing.T) {
	d := NewDispatcher(2, 64, func(msg Message) {}, zap.NewNop())
	d.Start()
	d.Close()

	// 关闭后投递不得 panic（通道已关闭）
	d.Dispatch("blanket-001", Message{Topic: "t", ReceivedAt: time.Now()})
	assert.Zero(t, d.Dropped())
}
