package task

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/charlesren/netcfg/connection"
	"github.com/charlesren/netcfg/internal/xlog"
	"gopkg.in/natefinch/lumberjack.v2"
)

const aggregatorModule = "aggregator"

var ErrQueueFull = errors.New("result queue is full")

// ResultEvent 审计事件，不含原始输出和凭据
type ResultEvent struct {
	ResultID          string               `json:"result_id"`
	IntentRef         string               `json:"intent_ref"`
	IntentKind        IntentKind           `json:"intent_kind"`
	Endpoint          string               `json:"endpoint"`
	Family            connection.Family    `json:"family"`
	Timestamp         time.Time            `json:"timestamp"`
	Success           bool                 `json:"success"`
	Outcome           Outcome              `json:"outcome"`
	ErrorCode         connection.ErrorCode `json:"error_code,omitempty"`
	Error             string               `json:"error,omitempty"`
	CommandsSent      []string             `json:"commands_sent"`
	NeedsVerification bool                 `json:"needs_verification"`
	Attempts          int                  `json:"attempts"`
	Duration          time.Duration        `json:"duration"`
}

// EventFromResult 由执行结果生成审计事件
func EventFromResult(r ExecutionResult) ResultEvent {
	return ResultEvent{
		ResultID:          r.ID,
		IntentRef:         r.IntentRef,
		IntentKind:        r.IntentKind,
		Endpoint:          r.Endpoint.Key(),
		Family:            r.Endpoint.Family,
		Timestamp:         r.FinishedAt,
		Success:           r.Succeeded(),
		Outcome:           r.Outcome,
		ErrorCode:         r.ErrorCode,
		Error:             r.ErrorDetail,
		CommandsSent:      r.CommandsSent,
		NeedsVerification: r.NeedsVerification,
		Attempts:          r.Attempts,
		Duration:          r.Duration(),
	}
}

// ResultHandler 结果处理器接口
type ResultHandler interface {
	HandleResult(events []ResultEvent) error
}

// Aggregator 结果聚合器：缓冲事件，按数量或时间批量分发给处理器
type Aggregator struct {
	handlers      []ResultHandler
	eventChan     chan ResultEvent
	workers       int
	buffer        []ResultEvent
	bufferSize    int
	flushInterval time.Duration
	mu            sync.Mutex
	wg            sync.WaitGroup
	stopOnce      sync.Once
	ctx           context.Context
	cancel        context.CancelFunc

	stats struct {
		sync.RWMutex
		totalEvents   int64
		successEvents int64
		failedEvents  int64
		lastFlush     time.Time
	}
}

// NewAggregator 创建新的结果聚合器
func NewAggregator(workers int, bufferSize int, flushInterval time.Duration) *Aggregator {
	if workers < 1 {
		workers = 1
	}
	if bufferSize < 1 {
		bufferSize = 1
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Aggregator{
		eventChan:     make(chan ResultEvent, workers*64),
		workers:       workers,
		buffer:        make([]ResultEvent, 0, bufferSize),
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// AddHandler 添加结果处理器，需在 Start 之前调用
func (a *Aggregator) AddHandler(handler ResultHandler) {
	a.handlers = append(a.handlers, handler)
	xlog.Infof(aggregatorModule, "added handler: %T (total handlers: %d)", handler, len(a.handlers))
}

// Start 启动聚合器
func (a *Aggregator) Start() {
	for i := 0; i < a.workers; i++ {
		a.wg.Add(1)
		go a.worker(i)
	}

	a.wg.Add(1)
	go a.bufferManager()

	xlog.Infof(aggregatorModule, "started with %d workers, buffer size %d, flush interval %v, %d handlers",
		a.workers, a.bufferSize, a.flushInterval, len(a.handlers))
}

// Stop 停止聚合器，队列中剩余的事件会在最后一次刷新中处理
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() {
		a.cancel()
		a.wg.Wait()

	drain:
		for {
			select {
			case event := <-a.eventChan:
				a.processEvent(-1, event)
			default:
				break drain
			}
		}
		a.flush()

		stats := a.GetStats()
		xlog.Infof(aggregatorModule, "aggregator stopped - total events: %d (success: %d, failed: %d)",
			stats.TotalEvents, stats.SuccessEvents, stats.FailedEvents)
	})
}

// Submit 提交结果事件，队列满时不阻塞
func (a *Aggregator) Submit(event ResultEvent) error {
	if err := a.ctx.Err(); err != nil {
		return err
	}
	select {
	case a.eventChan <- event:
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitResult 提交执行结果（便捷方法）
func (a *Aggregator) SubmitResult(r ExecutionResult) error {
	xlog.Debugf(aggregatorModule, "submitting result %s for %s (%s)", r.ID, r.Endpoint.Key(), r.Outcome)
	return a.Submit(EventFromResult(r))
}

func (a *Aggregator) worker(id int) {
	defer a.wg.Done()

	for {
		select {
		case event := <-a.eventChan:
			a.processEvent(id, event)
		case <-a.ctx.Done():
			return
		}
	}
}

func (a *Aggregator) processEvent(workerID int, event ResultEvent) {
	a.mu.Lock()
	a.buffer = append(a.buffer, event)
	shouldFlush := len(a.buffer) >= a.bufferSize
	a.mu.Unlock()

	a.updateStats(event)

	if shouldFlush {
		a.flush()
	}
	xlog.Debugf(aggregatorModule, "worker %d: processed event %s for %s (%s)",
		workerID, event.ResultID, event.Endpoint, event.Outcome)
}

func (a *Aggregator) bufferManager() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.flush()
		case <-a.ctx.Done():
			return
		}
	}
}

// flush 刷新缓冲区
func (a *Aggregator) flush() {
	a.mu.Lock()
	if len(a.buffer) == 0 {
		a.mu.Unlock()
		return
	}
	events := make([]ResultEvent, len(a.buffer))
	copy(events, a.buffer)
	a.buffer = a.buffer[:0]
	a.mu.Unlock()

	a.handleEvents(events)

	a.stats.Lock()
	a.stats.lastFlush = time.Now()
	a.stats.Unlock()

	success := countSuccessEvents(events)
	xlog.Debugf(aggregatorModule, "flushed %d events (success: %d, failed: %d)",
		len(events), success, len(events)-success)
}

func (a *Aggregator) handleEvents(events []ResultEvent) {
	if len(a.handlers) == 0 {
		xlog.Warnf(aggregatorModule, "no handlers registered, dropping %d events", len(events))
		return
	}
	for _, handler := range a.handlers {
		if err := handler.HandleResult(events); err != nil {
			xlog.Errorf(aggregatorModule, "handler %T failed to process %d events: %v", handler, len(events), err)
		}
	}
}

func (a *Aggregator) updateStats(event ResultEvent) {
	a.stats.Lock()
	defer a.stats.Unlock()

	a.stats.totalEvents++
	if event.Success {
		a.stats.successEvents++
	} else {
		a.stats.failedEvents++
	}
}

// GetStats 获取统计信息
func (a *Aggregator) GetStats() AggregatorStats {
	a.mu.Lock()
	bufferLen := len(a.buffer)
	a.mu.Unlock()

	a.stats.RLock()
	defer a.stats.RUnlock()
	return AggregatorStats{
		TotalEvents:   a.stats.totalEvents,
		SuccessEvents: a.stats.successEvents,
		FailedEvents:  a.stats.failedEvents,
		LastFlush:     a.stats.lastFlush,
		QueueLength:   len(a.eventChan),
		BufferLength:  bufferLen,
	}
}

// AggregatorStats 聚合器统计信息
type AggregatorStats struct {
	TotalEvents   int64     `json:"total_events"`
	SuccessEvents int64     `json:"success_events"`
	FailedEvents  int64     `json:"failed_events"`
	LastFlush     time.Time `json:"last_flush"`
	QueueLength   int       `json:"queue_length"`
	BufferLength  int       `json:"buffer_length"`
}

func countSuccessEvents(events []ResultEvent) int {
	count := 0
	for _, event := range events {
		if event.Success {
			count++
		}
	}
	return count
}

// JSONLinesHandler 每个事件写一行JSON，作为审计日志
type JSONLinesHandler struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
}

// NewJSONLinesHandler 写入按大小轮转的审计文件
func NewJSONLinesHandler(filename string, maxSizeMB, maxBackups, maxAgeDays int) *JSONLinesHandler {
	lj := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}
	return &JSONLinesHandler{w: lj, closer: lj}
}

// NewJSONLinesWriterHandler 写入任意 io.Writer
func NewJSONLinesWriterHandler(w io.Writer) *JSONLinesHandler {
	return &JSONLinesHandler{w: w}
}

func (h *JSONLinesHandler) HandleResult(events []ResultEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	enc := json.NewEncoder(h.w)
	for _, event := range events {
		if err := enc.Encode(event); err != nil {
			return err
		}
	}
	return nil
}

func (h *JSONLinesHandler) Close() error {
	if h.closer == nil {
		return nil
	}
	return h.closer.Close()
}
