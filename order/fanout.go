package order

import (
	"context"
	"fmt"
	"sync"
)

// OpKind 批量操作类型。
type OpKind int

const (
	OpCreate OpKind = iota
	OpCancel
	OpQuery
)

func (k OpKind) String() string {
	switch k {
	case OpCreate:
		return "create"
	case OpCancel:
		return "cancel"
	case OpQuery:
		return "query"
	default:
		return "unknown"
	}
}

// Op 批量执行中的一个独立操作。
type Op struct {
	ID      string
	Kind    OpKind
	Create  *Request // Kind == OpCreate 时有效
	ClOrdID string   // Kind == OpCancel / OpQuery 时有效
}

// Result 单个操作的结果。Err 非空表示该操作失败，
// 但失败不代表无副作用，调用方需要重查真实状态对账。
type Result struct {
	ClOrdID string
	State   *State
	Err     error
}

// DefaultWorkers 批量执行的默认并发度。
const DefaultWorkers = 5

// Executor 以固定并发度执行一批相互独立的订单操作。
// 等全部操作结束后统一返回，不因单个失败提前中断。
type Executor struct {
	gw      Gateway
	workers int
}

func NewExecutor(gw Gateway, workers int) *Executor {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Executor{gw: gw, workers: workers}
}

// ExecuteAll 并发执行 ops，按操作 ID 返回每个操作的结果。
// ID 为空时按序补上 "op-<n>"。
func (e *Executor) ExecuteAll(ctx context.Context, ops []Op) map[string]Result {
	results := make([]Result, len(ops))
	for i := range ops {
		if ops[i].ID == "" {
			ops[i].ID = fmt.Sprintf("op-%d", i)
		}
	}

	idx := make(chan int, len(ops))
	for i := range ops {
		idx <- i
	}
	close(idx)

	n := e.workers
	if n > len(ops) {
		n = len(ops)
	}
	var wg sync.WaitGroup
	for w := 0; w < n; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range idx {
				// 每个 worker 只写自己领到的下标，互不竞争
				results[i] = e.run(ctx, ops[i])
			}
		}()
	}
	wg.Wait()

	out := make(map[string]Result, len(ops))
	for i, op := range ops {
		out[op.ID] = results[i]
	}
	return out
}

func (e *Executor) run(ctx context.Context, op Op) Result {
	switch op.Kind {
	case OpCreate:
		if op.Create == nil {
			return Result{Err: fmt.Errorf("create op %s: missing request", op.ID)}
		}
		id, err := e.gw.CreateOrder(ctx, *op.Create)
		return Result{ClOrdID: id, Err: err}
	case OpCancel:
		return Result{ClOrdID: op.ClOrdID, Err: e.gw.CancelOrders(ctx, []string{op.ClOrdID})}
	case OpQuery:
		st, err := e.gw.QueryOrder(ctx, op.ClOrdID)
		return Result{ClOrdID: op.ClOrdID, State: &st, Err: err}
	default:
		return Result{Err: fmt.Errorf("op %s: unknown kind %d", op.ID, op.Kind)}
	}
}

// Failed 返回失败的操作 ID 列表，便于日志与对账。
func Failed(results map[string]Result) []string {
	var ids []string
	for id, r := range results {
		if r.Err != nil {
			ids = append(ids, id)
		}
	}
	return ids
}
