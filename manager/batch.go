package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charlesren/netcfg/connection"
	"github.com/charlesren/netcfg/internal/xlog"
	"github.com/charlesren/netcfg/task"
)

const batchModule = "apply_all"

// ApplyRequest 批量下发中的一项
type ApplyRequest struct {
	Intent      task.ConfigIntent
	Endpoint    connection.DeviceEndpoint
	Credentials connection.Credentials
}

type applyJob struct {
	index int
	req   ApplyRequest
}

// ApplyAll 以有限并发执行多项下发，结果顺序与请求一致。
// 同一设备的多项请求由会话池串行化。
func (m *Manager) ApplyAll(ctx context.Context, reqs []ApplyRequest) []task.ExecutionResult {
	results := make([]task.ExecutionResult, len(reqs))
	if len(reqs) == 0 {
		return results
	}

	workers := m.workers
	if workers > len(reqs) {
		workers = len(reqs)
	}
	jobs := make(chan applyJob, len(reqs))
	for i, req := range reqs {
		jobs <- applyJob{index: i, req: req}
	}
	close(jobs)

	xlog.Infof(batchModule, "applying %d intents with %d workers", len(reqs), workers)
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			m.applyWorker(ctx, id, jobs, results)
		}(i)
	}
	wg.Wait()

	failed := 0
	for _, r := range results {
		if !r.Succeeded() {
			failed++
		}
	}
	xlog.Infof(batchModule, "applied %d intents in %v (%d failed)", len(reqs), time.Since(start), failed)
	return results
}

func (m *Manager) applyWorker(ctx context.Context, id int, jobs <-chan applyJob, results []task.ExecutionResult) {
	for job := range jobs {
		xlog.Debugf(batchModule, "worker %d processing request %d for %s", id, job.index, job.req.Endpoint.Key())
		results[job.index] = m.safeApply(ctx, id, job.req)
	}
}

// safeApply 单项的panic不影响其他项
func (m *Manager) safeApply(ctx context.Context, workerID int, req ApplyRequest) (res task.ExecutionResult) {
	defer func() {
		if r := recover(); r != nil {
			xlog.Errorf(batchModule, "worker %d apply panic for %s: %v", workerID, req.Endpoint.Key(), r)
			res = task.NewResult(req.Intent, req.Endpoint).
				Fail(connection.NewError(connection.CodeFailure, fmt.Sprintf("apply panic: %v", r)))
		}
	}()
	return m.Apply(ctx, req.Intent, req.Endpoint, req.Credentials)
}
