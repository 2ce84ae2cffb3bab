package writer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LisianthusW/water-blanket-mqtt-backend/internal/models"
	"github.com/LisianthusW/water-blanket-mqtt-backend/internal/repository"

	"go.uber.org/zap"
)

// BatchStore 批量持久化接口（由 repository.BatchRepository 实现）
// 读数和事件在同一事务内提交，失败重试不会重复写入已提交的部分
type BatchStore interface {
	InsertBatch(ctx context.Context, readings []*models.Reading, events []*models.AlarmEvent) error
}

// Config 写入器配置
type Config struct {
	MaxBatchSize    int           // 单批最大条数
	MaxBatchWait    time.Duration // 单批最大等待时间
	MaxRetries      int           // 瞬时错误重试次数
	RetryBackoff    time.Duration // 重试退避起始间隔
	MaxRetryBackoff time.Duration // 重试退避上限
	QueueDepth      int           // 入队通道容量
	OverflowCap     int           // overflow 缓冲容量（条）
}

// item 持久化条目：读数或报警事件二选一
type item struct {
	reading *models.Reading
	event   *models.AlarmEvent
}

// Stats 写入器运行统计（供健康检查观测）
type Stats struct {
	Enqueued         uint64    `json:"enqueued"`
	Written          uint64    `json:"written"`
	DroppedQueueFull uint64    `json:"dropped_queue_full"` // 入队通道满丢弃
	DroppedPermanent uint64    `json:"dropped_permanent"`  // 永久性错误丢弃
	LostOverflow     uint64    `json:"lost_overflow"`      // overflow 满挤出的最旧条目
	OverflowLen      int       `json:"overflow_len"`
	PendingQueue     int       `json:"pending_queue"`
	LastWriteAt      time.Time `json:"last_write_at"`
}

// Writer 异步批量持久化写入器
//
// 摄取路径只做入队，写库在独立 goroutine 批量提交；
// 数据库不可用时退避重试，重试耗尽进入有界 overflow 缓冲等待下个周期，
// overflow 满则丢弃最旧条目并计数——摄取永远不会被存储阻塞
type Writer struct {
	cfg    Config
	store  BatchStore
	logger *zap.Logger

	in chan item

	mu       sync.Mutex
	overflow []item

	enqueued         atomic.Uint64
	written          atomic.Uint64
	droppedQueueFull atomic.Uint64
	droppedPermanent atomic.Uint64
	lostOverflow     atomic.Uint64
	lastWriteNano    atomic.Int64
}

// NewWriter 创建写入器
func NewWriter(cfg Config, store BatchStore, logger *zap.Logger) *Writer {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = 500 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	if cfg.MaxRetryBackoff <= 0 {
		cfg.MaxRetryBackoff = 5 * time.Second
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 4096
	}
	if cfg.OverflowCap <= 0 {
		cfg.OverflowCap = 10000
	}

	return &Writer{
		cfg:    cfg,
		store:  store,
		logger: logger,
		in:     make(chan item, cfg.QueueDepth),
	}
}

// EnqueueReading 入队一条读数（非阻塞，队列满时丢弃并计数）
func (w *Writer) EnqueueReading(reading *models.Reading) {
	w.enqueue(item{reading: reading})
}

// EnqueueEvent 入队一条报警事件（非阻塞，队列满时丢弃并计数）
func (w *Writer) EnqueueEvent(event *models.AlarmEvent) {
	w.enqueue(item{event: event})
}

func (w *Writer) enqueue(it item) {
	select {
	case w.in <- it:
		w.enqueued.Add(1)
	default:
		dropped := w.droppedQueueFull.Add(1)
		w.logger.Warn("Writer queue full, item dropped",
			zap.Uint64("dropped_total", dropped),
		)
	}
}

// Run 批量写入循环，ctx 取消后返回（剩余数据由 Flush 处理）
func (w *Writer) Run(ctx context.Context) {
	w.logger.Info("Persistence writer started",
		zap.Int("max_batch_size", w.cfg.MaxBatchSize),
		zap.Duration("max_batch_wait", w.cfg.MaxBatchWait),
		zap.Int("overflow_cap", w.cfg.OverflowCap),
	)

	for {
		batch, ok := w.nextBatch(ctx)
		if len(batch) > 0 || w.overflowLen() > 0 {
			w.commit(ctx, batch)
		}
		if !ok {
			w.logger.Info("Persistence writer loop stopped")
			return
		}
	}
}

// nextBatch 收集一批条目：凑满 MaxBatchSize 或等满 MaxBatchWait
// overflow 非空时最多等待一个批次周期就返回，保证积压数据按周期重试
func (w *Writer) nextBatch(ctx context.Context) ([]item, bool) {
	var batch []item

	if w.overflowLen() > 0 {
		select {
		case <-ctx.Done():
			return nil, false
		case it := <-w.in:
			batch = append(batch, it)
		case <-time.After(w.cfg.MaxBatchWait):
			return nil, true
		}
	} else {
		select {
		case <-ctx.Done():
			return nil, false
		case it := <-w.in:
			batch = append(batch, it)
		}
	}

	timer := time.NewTimer(w.cfg.MaxBatchWait)
	defer timer.Stop()

	for len(batch) < w.cfg.MaxBatchSize {
		select {
		case <-ctx.Done():
			return batch, false
		case it := <-w.in:
			batch = append(batch, it)
		case <-timer.C:
			return batch, true
		}
	}
	return batch, true
}

// commit 提交一批（overflow 积压优先合并），瞬时错误退避重试，
// 重试耗尽放回 overflow；永久性错误逐条降级，丢弃违规条目
func (w *Writer) commit(ctx context.Context, batch []item) {
	pending := append(w.takeOverflow(), batch...)
	if len(pending) == 0 {
		return
	}

	backoff := w.cfg.RetryBackoff
	for attempt := 0; attempt <= w.cfg.MaxRetries; attempt++ {
		err := w.writeAll(ctx, pending)
		if err == nil {
			w.written.Add(uint64(len(pending)))
			w.lastWriteNano.Store(time.Now().UnixNano())
			return
		}

		if repository.IsPermanent(err) {
			// 批内可能只有个别条目违规，逐条降级写入
			w.writeIndividually(ctx, pending)
			return
		}

		w.logger.Warn("Batch write failed, will retry",
			zap.Int("attempt", attempt+1),
			zap.Int("batch_size", len(pending)),
			zap.Error(err),
		)

		if attempt == w.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			w.pushOverflow(pending)
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > w.cfg.MaxRetryBackoff {
			backoff = w.cfg.MaxRetryBackoff
		}
	}

	// 重试耗尽：进入 overflow 等待下个周期
	w.pushOverflow(pending)
	w.logger.Error("Batch write retries exhausted, batch moved to overflow",
		zap.Int("batch_size", len(pending)),
		zap.Int("overflow_len", w.overflowLen()),
	)
}

// writeIndividually 永久性错误时逐条写入，丢弃写不进去的条目并记录原因
func (w *Writer) writeIndividually(ctx context.Context, pending []item) {
	var requeue []item
	for _, it := range pending {
		err := w.writeAll(ctx, []item{it})
		if err == nil {
			w.written.Add(1)
			w.lastWriteNano.Store(time.Now().UnixNano())
			continue
		}
		if repository.IsPermanent(err) {
			w.droppedPermanent.Add(1)
			w.logger.Error("Item dropped due to permanent storage error",
				zap.String("device_id", itemDeviceID(it)),
				zap.Error(err),
			)
			continue
		}
		// 降级过程中出现瞬时错误：该条目放回 overflow
		requeue = append(requeue, it)
	}
	if len(requeue) > 0 {
		w.pushOverflow(requeue)
	}
}

// writeAll 拆分出读数和事件后整批单事务提交
func (w *Writer) writeAll(ctx context.Context, pending []item) error {
	var readings []*models.Reading
	var events []*models.AlarmEvent
	for _, it := range pending {
		if it.reading != nil {
			readings = append(readings, it.reading)
		}
		if it.event != nil {
			events = append(events, it.event)
		}
	}
	return w.store.InsertBatch(ctx, readings, events)
}

// Flush 优雅关闭：清空入队通道和 overflow，在 ctx 期限内尽力写完
// 调用前提：Run 已停止且不再有新入队
func (w *Writer) Flush(ctx context.Context) error {
	var pending []item
drain:
	for {
		select {
		case it := <-w.in:
			pending = append(pending, it)
		default:
			break drain
		}
	}
	pending = append(w.takeOverflow(), pending...)

	if len(pending) == 0 {
		return nil
	}

	w.logger.Info("Flushing persistence writer",
		zap.Int("pending", len(pending)),
	)

	backoff := w.cfg.RetryBackoff
	for {
		err := w.writeAll(ctx, pending)
		if err == nil {
			w.written.Add(uint64(len(pending)))
			w.lastWriteNano.Store(time.Now().UnixNano())
			return nil
		}
		if repository.IsPermanent(err) {
			w.writeIndividually(ctx, pending)
			return nil
		}
		select {
		case <-ctx.Done():
			w.pushOverflow(pending)
			w.logger.Error("Flush timed out, unwritten items remain in overflow",
				zap.Int("pending", len(pending)),
			)
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > w.cfg.MaxRetryBackoff {
			backoff = w.cfg.MaxRetryBackoff
		}
	}
}

// Stats 返回运行统计快照
func (w *Writer) Stats() Stats {
	var lastWrite time.Time
	if nano := w.lastWriteNano.Load(); nano > 0 {
		lastWrite = time.Unix(0, nano)
	}
	return Stats{
		Enqueued:         w.enqueued.Load(),
		Written:          w.written.Load(),
		DroppedQueueFull: w.droppedQueueFull.Load(),
		DroppedPermanent: w.droppedPermanent.Load(),
		LostOverflow:     w.lostOverflow.Load(),
		OverflowLen:      w.overflowLen(),
		PendingQueue:     len(w.in),
		LastWriteAt:      lastWrite,
	}
}

func (w *Writer) takeOverflow() []item {
	w.mu.Lock()
	defer w.mu.Unlock()
	pending := w.overflow
	w.overflow = nil
	return pending
}

// pushOverflow 追加到 overflow，超出容量时丢弃最旧条目并计数
func (w *Writer) pushOverflow(items []item) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.overflow = append(w.overflow, items...)
	if excess := len(w.overflow) - w.cfg.OverflowCap; excess > 0 {
		w.overflow = w.overflow[excess:]
		lost := w.lostOverflow.Add(uint64(excess))
		w.logger.Error("Overflow buffer full, oldest items dropped",
			zap.Int("dropped", excess),
			zap.Uint64("lost_total", lost),
		)
	}
}

func (w *Writer) overflowLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.overflow)
}

func itemDeviceID(it item) string {
	if it.reading != nil {
		return it.reading.DeviceID
	}
	if it.event != nil {
		return it.event.DeviceID
	}
	return ""
}
