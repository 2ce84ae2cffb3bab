package consumer

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Message 一条待处理的入站消息
type Message struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// Handler 消息处理函数（在 worker goroutine 中执行完整的解码/评估/入队）
type Handler func(msg Message)

// Dispatcher 按设备分道的消息分发器
//
// 同一 device_id 的消息哈希到固定 worker，保证单设备串行处理
// （状态更新和报警评估互不并发），不同设备全并行；
// 道队列满时丢弃并计数，接收路径永不阻塞
type Dispatcher struct {
	lanes   []chan Message
	handler Handler
	logger  *zap.Logger

	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	dropped atomic.Uint64
}

// NewDispatcher 创建分发器
func NewDispatcher(workers, queueDepth int, handler Handler, logger *zap.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if queueDepth <= 0 {
		queueDepth = 256
	}

	lanes := make([]chan Message, workers)
	for i := range lanes {
		lanes[i] = make(chan Message, queueDepth)
	}

	return &Dispatcher{
		lanes:   lanes,
		handler: handler,
		logger:  logger,
	}
}

// Start 启动 worker goroutine
func (d *Dispatcher) Start() {
	for i, lane := range d.lanes {
		d.wg.Add(1)
		go func(worker int, lane chan Message) {
			defer d.wg.Done()
			for msg := range lane {
				d.handler(msg)
			}
		}(i, lane)
	}

	d.logger.Info("Dispatcher started",
		zap.Int("workers", len(d.lanes)),
	)
}

// Dispatch 将消息路由到 device_id 对应的道（非阻塞）
func (d *Dispatcher) Dispatch(deviceID string, msg Message) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return
	}

	lane := d.lanes[laneIndex(deviceID, len(d.lanes))]
	select {
	case lane <- msg:
	default:
		dropped := d.dropped.Add(1)
		d.logger.Warn("Worker lane full, message dropped",
			zap.String("device_id", deviceID),
			zap.Uint64("dropped_total", dropped),
		)
	}
}

// Close 停止接收新消息并等待各道排空（协作式排水）
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, lane := range d.lanes {
		close(lane)
	}
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("Dispatcher drained and stopped")
}

// Dropped 累计因道队列满丢弃的消息数
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

func laneIndex(deviceID string, lanes int) int {
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	return int(h.Sum32() % uint32(lanes))
}
