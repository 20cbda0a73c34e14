package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/orizon-lang/taskcore/internal/codec"
	taskerrors "github.com/orizon-lang/taskcore/internal/errors"
	"github.com/orizon-lang/taskcore/internal/registry"
	"github.com/orizon-lang/taskcore/internal/task"
)

type account struct {
	mu      sync.Mutex // only used to catch overlapping calls
	balance int
	log     []string
}

func newAccount(opening int) (*account, error) {
	if opening < 0 {
		return nil, fmt.Errorf("negative opening balance %d", opening)
	}
	return &account{balance: opening}, nil
}

func (a *account) Deposit(n int) int {
	if !a.mu.TryLock() {
		panic("overlapping calls on one actor")
	}
	defer a.mu.Unlock()
	a.balance += n
	return a.balance
}

func (a *account) Slow(ctx context.Context, tag string, d time.Duration) string {
	if !a.mu.TryLock() {
		panic("overlapping calls on one actor")
	}
	defer a.mu.Unlock()
	time.Sleep(d)
	a.log = append(a.log, tag)
	return tag
}

func (a *account) Close() (int, error) { return a.balance, nil }

var (
	fnAdd      = task.FunctionDescriptor{Module: "math", Function: "add"}
	fnDivMod   = task.FunctionDescriptor{Module: "math", Function: "divmod"}
	fnFail     = task.FunctionDescriptor{Module: "math", Function: "fail"}
	fnPanic    = task.FunctionDescriptor{Module: "math", Function: "panic"}
	fnChan     = task.FunctionDescriptor{Module: "math", Function: "chan"}
	fnMissing  = task.FunctionDescriptor{Function: "missing_fn"}
	fnAccount  = task.FunctionDescriptor{Module: "bank", Class: "Account", Function: "__init__"}
	fnDeposit  = task.FunctionDescriptor{Module: "bank", Class: "Account", Function: "deposit"}
	fnSlow     = task.FunctionDescriptor{Module: "bank", Class: "Account", Function: "slow"}
	fnClose    = task.FunctionDescriptor{Module: "bank", Class: "Account", Function: "close"}
	testCodec  = codec.Msgpack{}
	errDivZero = errors.New("division by zero")
)

func newTestDispatcher(t *testing.T, opts ...Option) (*Dispatcher, *ActorTable) {
	t.Helper()
	reg := registry.New()
	reg.MustRegister(fnAdd, func(a, b int) int { return a + b })
	reg.MustRegister(fnDivMod, func(a, b int) (int, int, error) {
		if b == 0 {
			return 0, 0, errDivZero
		}
		return a / b, a % b, nil
	})
	reg.MustRegister(fnFail, func() (int, error) { return 0, errDivZero })
	reg.MustRegister(fnPanic, func(ctx context.Context) int { panic("kaboom") })
	reg.MustRegister(fnChan, func() chan int { return make(chan int) })
	reg.MustRegister(fnAccount, newAccount)
	reg.MustRegister(fnDeposit, (*account).Deposit)
	reg.MustRegister(fnSlow, (*account).Slow)
	reg.MustRegister(fnClose, (*account).Close)

	table := NewActorTable()
	return NewDispatcher(reg, table, opts...), table
}

func encodeArgs(t *testing.T, vals ...any) [][]byte {
	t.Helper()
	out := make([][]byte, len(vals))
	for i, v := range vals {
		b, err := testCodec.Marshal(v)
		if err != nil {
			t.Fatalf("encode arg %d: %v", i, err)
		}
		out[i] = b
	}
	return out
}

func normalRequest(t *testing.T, fn task.FunctionDescriptor, returns int, args ...any) *Request {
	id := task.NewTaskID()
	return &Request{
		TaskID:    id,
		Type:      task.NormalTask,
		Function:  fn,
		Args:      encodeArgs(t, args...),
		ReturnIDs: task.ReturnObjectIDs(id, returns),
	}
}

func actorRequest(t *testing.T, typ task.Type, actor task.ActorID, fn task.FunctionDescriptor, returns int, args ...any) *Request {
	r := normalRequest(t, fn, returns, args...)
	r.Type = typ
	r.ActorID = actor
	return r
}

func createAccount(t *testing.T, d *Dispatcher, opening int) task.ActorID {
	t.Helper()
	id := task.NewActorID()
	if _, err := d.ExecuteTask(context.Background(), actorRequest(t, task.ActorCreationTask, id, fnAccount, 1, opening)); err != nil {
		t.Fatalf("create actor: %v", err)
	}
	return id
}

func requireKind(t *testing.T, err error, kind taskerrors.Kind) *taskerrors.TaskError {
	t.Helper()
	var te *taskerrors.TaskError
	if !errors.As(err, &te) {
		t.Fatalf("expected TaskError of kind %s, got %v", kind, err)
	}
	if te.Kind != kind {
		t.Fatalf("kind=%s want %s (%v)", te.Kind, kind, te)
	}
	return te
}

func requireMarkers(t *testing.T, out Outcome, req *Request, kind taskerrors.Kind) {
	t.Helper()
	if len(out.Results) != len(req.ReturnIDs) {
		t.Fatalf("results=%d want %d", len(out.Results), len(req.ReturnIDs))
	}
	for i, r := range out.Results {
		if !r.IsError || r.ObjectID != req.ReturnIDs[i] {
			t.Fatalf("result %d is not an error marker for %s: %+v", i, req.ReturnIDs[i], r)
		}
		if te := r.Err(testCodec); te == nil || te.Kind != kind {
			t.Fatalf("result %d carries %v, want kind %s", i, te, kind)
		}
	}
}

func TestExecuteTask_NormalTaskResultsInOrder(t *testing.T) {
	d, _ := newTestDispatcher(t)
	req := normalRequest(t, fnDivMod, 2, 17, 5)

	out, err := d.ExecuteTask(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(out.Results) != 2 {
		t.Fatalf("results=%d want 2", len(out.Results))
	}
	var q, r int
	if err := out.Results[0].Decode(testCodec, &q); err != nil {
		t.Fatalf("decode q: %v", err)
	}
	if err := out.Results[1].Decode(testCodec, &r); err != nil {
		t.Fatalf("decode r: %v", err)
	}
	if q != 3 || r != 2 {
		t.Fatalf("divmod(17,5)=(%d,%d)", q, r)
	}
	if out.Results[0].ObjectID != req.ReturnIDs[0] || out.Results[1].ObjectID != req.ReturnIDs[1] {
		t.Fatalf("result ids out of order: %+v", out.Results)
	}
	if d.Stats().Executed(task.NormalTask) != 1 {
		t.Fatalf("executed counter not bumped")
	}
}

func TestExecuteTask_UserErrorFillsEveryReturn(t *testing.T) {
	d, _ := newTestDispatcher(t)
	req := normalRequest(t, fnDivMod, 2, 1, 0)

	out, err := d.ExecuteTask(context.Background(), req)
	te := requireKind(t, err, taskerrors.KindUserCodeFailure)
	if te.Code != "RETURNED_ERROR" || te.TaskID != string(req.TaskID) || te.Function != "math.divmod" {
		t.Fatalf("unexpected failure annotation: %+v", te)
	}
	requireMarkers(t, out, req, taskerrors.KindUserCodeFailure)
	if out.CreationException != nil {
		t.Fatalf("normal task must not carry a creation exception")
	}
	if d.Stats().Failed(taskerrors.KindUserCodeFailure) != 1 {
		t.Fatalf("failure counter not bumped")
	}
}

func TestExecuteTask_PanicIsContained(t *testing.T) {
	d, _ := newTestDispatcher(t)
	req := normalRequest(t, fnPanic, 1)

	out, err := d.ExecuteTask(context.Background(), req)
	te := requireKind(t, err, taskerrors.KindUserCodeFailure)
	if te.Code != "PANIC" || te.Traceback == "" {
		t.Fatalf("panic not captured with traceback: %+v", te)
	}
	requireMarkers(t, out, req, taskerrors.KindUserCodeFailure)
}

func TestExecuteTask_MissingFunction(t *testing.T) {
	d, _ := newTestDispatcher(t)
	req := normalRequest(t, fnMissing, 2)

	out, err := d.ExecuteTask(context.Background(), req)
	if !errors.Is(err, taskerrors.ErrFunctionNotFound) {
		t.Fatalf("err=%v want FunctionNotFound", err)
	}
	requireMarkers(t, out, req, taskerrors.KindFunctionNotFound)
	for _, r := range out.Results {
		var v int
		if r.Decode(testCodec, &v) == nil {
			t.Fatalf("missing function produced a value buffer")
		}
	}
}

func TestExecuteTask_MalformedArguments(t *testing.T) {
	d, _ := newTestDispatcher(t)

	tests := []struct {
		name string
		req  *Request
		code string
	}{
		{"wrong arity", normalRequest(t, fnAdd, 1, 1), "ARITY"},
		{"wrong type", normalRequest(t, fnAdd, 1, "one", 2), "DECODE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := d.ExecuteTask(context.Background(), tt.req)
			te := requireKind(t, err, taskerrors.KindMalformedArguments)
			if te.Code != tt.code {
				t.Fatalf("code=%s want %s", te.Code, tt.code)
			}
			requireMarkers(t, out, tt.req, taskerrors.KindMalformedArguments)
		})
	}
}

func TestExecuteTask_ReturnCountMismatch(t *testing.T) {
	d, _ := newTestDispatcher(t)
	req := normalRequest(t, fnDivMod, 3, 7, 2)

	out, err := d.ExecuteTask(context.Background(), req)
	requireKind(t, err, taskerrors.KindReturnCountMismatch)
	requireMarkers(t, out, req, taskerrors.KindReturnCountMismatch)
}

func TestExecuteTask_UnserializableResult(t *testing.T) {
	d, _ := newTestDispatcher(t, WithCodec(codec.JSON{}))
	req := normalRequest(t, fnChan, 1)

	_, err := d.ExecuteTask(context.Background(), req)
	te := requireKind(t, err, taskerrors.KindUserCodeFailure)
	if te.Code != "UNSERIALIZABLE_RESULT" {
		t.Fatalf("code=%s", te.Code)
	}
}

func TestExecuteTask_UnknownTaskType(t *testing.T) {
	d, _ := newTestDispatcher(t)
	req := normalRequest(t, fnAdd, 1, 1, 2)
	req.Type = task.Type(42)

	_, err := d.ExecuteTask(context.Background(), req)
	requireKind(t, err, taskerrors.KindMalformedArguments)
}

func TestExecuteTask_ActorLifecycle(t *testing.T) {
	d, table := newTestDispatcher(t)
	ctx := context.Background()
	id := task.NewActorID()

	create := actorRequest(t, task.ActorCreationTask, id, fnAccount, 1, 10)
	out, err := d.ExecuteTask(ctx, create)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var handle string
	if err := out.Results[0].Decode(testCodec, &handle); err != nil || handle != string(id) {
		t.Fatalf("creation result=%q err=%v", handle, err)
	}
	if !table.Contains(id) {
		t.Fatalf("actor not registered")
	}

	for _, n := range []int{5, 7} {
		if _, err := d.ExecuteTask(ctx, actorRequest(t, task.ActorTask, id, fnDeposit, 1, n)); err != nil {
			t.Fatalf("deposit: %v", err)
		}
	}

	closeOut, err := d.ExecuteTask(ctx, actorRequest(t, task.ActorDestructorTask, id, fnClose, 1))
	if err != nil {
		t.Fatalf("destructor: %v", err)
	}
	var final int
	if err := closeOut.Results[0].Decode(testCodec, &final); err != nil || final != 22 {
		t.Fatalf("final balance=%d err=%v", final, err)
	}
	if table.Contains(id) {
		t.Fatalf("actor still registered after destructor")
	}

	_, err = d.ExecuteTask(ctx, actorRequest(t, task.ActorTask, id, fnDeposit, 1, 1))
	if !errors.Is(err, taskerrors.ErrActorNotFound) {
		t.Fatalf("call after destructor: %v", err)
	}
}

func TestExecuteTask_DuplicateCreationRejected(t *testing.T) {
	d, _ := newTestDispatcher(t)
	id := createAccount(t, d, 1)

	_, err := d.ExecuteTask(context.Background(), actorRequest(t, task.ActorCreationTask, id, fnAccount, 1, 2))
	requireKind(t, err, taskerrors.KindActorAlreadyExists)
}

func TestExecuteTask_CreationFailurePoisonsActor(t *testing.T) {
	d, table := newTestDispatcher(t)
	ctx := context.Background()
	id := task.NewActorID()

	create := actorRequest(t, task.ActorCreationTask, id, fnAccount, 1, -1)
	out, err := d.ExecuteTask(ctx, create)
	requireKind(t, err, taskerrors.KindActorCreationFailure)
	requireMarkers(t, out, create, taskerrors.KindActorCreationFailure)
	if len(out.CreationException) == 0 {
		t.Fatalf("missing creation exception payload")
	}
	var payload taskerrors.TaskError
	if err := testCodec.Unmarshal(out.CreationException, &payload); err != nil {
		t.Fatalf("decode creation exception: %v", err)
	}
	if payload.Context["cause_kind"] != string(taskerrors.KindUserCodeFailure) {
		t.Fatalf("creation exception lost its cause: %+v", payload)
	}

	done := make(chan error, 1)
	go func() {
		_, err := d.ExecuteTask(ctx, actorRequest(t, task.ActorTask, id, fnDeposit, 1, 1))
		done <- err
	}()
	select {
	case err := <-done:
		requireKind(t, err, taskerrors.KindActorCreationFailure)
	case <-time.After(2 * time.Second):
		t.Fatalf("call on poisoned actor hung")
	}

	if _, err := d.ExecuteTask(ctx, actorRequest(t, task.ActorDestructorTask, id, fnClose, 1)); err == nil {
		t.Fatalf("destructor on poisoned actor should report the creation failure")
	}
	if table.Contains(id) {
		t.Fatalf("poisoned actor should be cleared by its destructor")
	}
}

func upstreamFailure() *taskerrors.TaskError {
	cause := taskerrors.UserCodeFailure("RETURNED_ERROR", errDivZero, "").WithTask("t-up", "math.fail")
	return taskerrors.DependencyFailure("t-up/0", cause)
}

func TestExecuteTask_DependencyFailureSkipsUserCode(t *testing.T) {
	d, _ := newTestDispatcher(t)
	req := normalRequest(t, fnAdd, 2)
	req.DependencyFailure = upstreamFailure()

	out, err := d.ExecuteTask(context.Background(), req)
	te := requireKind(t, err, taskerrors.KindUserCodeFailure)
	if te.Code != "RETURNED_ERROR" || te.Context["upstream_task_id"] != "t-up" || te.TaskID != string(req.TaskID) {
		t.Fatalf("dependent failure=%+v", te)
	}
	requireMarkers(t, out, req, taskerrors.KindUserCodeFailure)
	if got := d.Stats().Failed(taskerrors.KindUserCodeFailure); got != 1 {
		t.Fatalf("failed counter=%d", got)
	}
}

func TestExecuteTask_DependencyFailurePoisonsCreation(t *testing.T) {
	d, table := newTestDispatcher(t)
	ctx := context.Background()
	id := task.NewActorID()
	create := actorRequest(t, task.ActorCreationTask, id, fnAccount, 1)
	create.DependencyFailure = upstreamFailure()

	out, err := d.ExecuteTask(ctx, create)
	requireKind(t, err, taskerrors.KindActorCreationFailure)
	if len(out.CreationException) == 0 || !table.Contains(id) {
		t.Fatalf("creation with a failed dependency must poison the slot")
	}
	_, err = d.ExecuteTask(ctx, actorRequest(t, task.ActorTask, id, fnDeposit, 1, 1))
	requireKind(t, err, taskerrors.KindActorCreationFailure)
}

func TestRemovePoisoned_LogsUnexpectedErrors(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	d, _ := newTestDispatcher(t, WithLogger(logger))
	id := createAccount(t, d, 0)

	hook.Reset()
	d.removePoisoned(withHeldActor(context.Background(), id), id)
	entry := hook.LastEntry()
	if entry == nil || entry.Message != "poisoned actor not removed" || entry.Level != logrus.DebugLevel {
		t.Fatalf("reentrant removal not logged: %+v", entry)
	}

	hook.Reset()
	d.removePoisoned(context.Background(), task.NewActorID())
	if n := len(hook.AllEntries()); n != 0 {
		t.Fatalf("already-removed actor logged %d entries", n)
	}
}

func TestExecuteTask_CreationWithTooManyReturns(t *testing.T) {
	d, table := newTestDispatcher(t)
	id := task.NewActorID()

	_, err := d.ExecuteTask(context.Background(), actorRequest(t, task.ActorCreationTask, id, fnAccount, 2, 1))
	requireKind(t, err, taskerrors.KindReturnCountMismatch)
	if table.Contains(id) {
		t.Fatalf("rejected creation must not touch the table")
	}
}

func TestExecuteTask_ActorNeverCreated(t *testing.T) {
	d, _ := newTestDispatcher(t)
	req := actorRequest(t, task.ActorTask, task.NewActorID(), fnDeposit, 1, 1)

	out, err := d.ExecuteTask(context.Background(), req)
	requireKind(t, err, taskerrors.KindActorNotFound)
	requireMarkers(t, out, req, taskerrors.KindActorNotFound)
}

func TestExecuteTask_ReceiverTypeChecked(t *testing.T) {
	d, _ := newTestDispatcher(t)
	id := createAccount(t, d, 0)

	_, err := d.ExecuteTask(context.Background(), actorRequest(t, task.ActorTask, id, fnAdd, 1, 1))
	te := requireKind(t, err, taskerrors.KindMalformedArguments)
	if te.Code != "RECEIVER" {
		t.Fatalf("code=%s", te.Code)
	}
}

func TestExecuteTask_SameActorTasksDoNotOverlap(t *testing.T) {
	d, table := newTestDispatcher(t)
	ctx := context.Background()
	id := createAccount(t, d, 0)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	start := time.Now()
	for _, tag := range []string{"a", "b"} {
		wg.Add(1)
		go func(tag string) {
			defer wg.Done()
			_, err := d.ExecuteTask(ctx, actorRequest(t, task.ActorTask, id, fnSlow, 1, tag, 30*time.Millisecond))
			errs <- err
		}(tag)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("slow call: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Fatalf("two sleeping calls finished in %v; they overlapped", elapsed)
	}

	var log []string
	_ = table.WithActor(ctx, id, func(_ context.Context, h *ActorHandle) error {
		log = h.Instance().(*account).log
		return nil
	})
	if len(log) != 2 {
		t.Fatalf("log=%v", log)
	}
}

func TestExecuteTask_DistinctActorsProgressIndependently(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()
	a := createAccount(t, d, 0)
	b := createAccount(t, d, 0)

	slowDone := make(chan struct{})
	go func() {
		defer close(slowDone)
		_, _ = d.ExecuteTask(ctx, actorRequest(t, task.ActorTask, a, fnSlow, 1, "long", 500*time.Millisecond))
	}()
	time.Sleep(20 * time.Millisecond)

	fast := make(chan error, 1)
	go func() {
		_, err := d.ExecuteTask(ctx, actorRequest(t, task.ActorTask, b, fnDeposit, 1, 1))
		fast <- err
	}()
	select {
	case err := <-fast:
		if err != nil {
			t.Fatalf("deposit on b: %v", err)
		}
	case <-slowDone:
		t.Fatalf("task on b waited for task on a")
	}
	<-slowDone
}

func TestExecuteTask_ReentrancyIsFatal(t *testing.T) {
	var fatal error
	d, table := newTestDispatcher(t, WithFatalHandler(func(err error) { fatal = err }))
	id := createAccount(t, d, 0)

	var err error
	_ = table.WithActor(context.Background(), id, func(ctx context.Context, _ *ActorHandle) error {
		_, err = d.ExecuteTask(ctx, actorRequest(t, task.ActorTask, id, fnDeposit, 1, 1))
		return nil
	})
	requireKind(t, err, taskerrors.KindReentrantLock)
	if fatal == nil {
		t.Fatalf("fatal handler not invoked")
	}
}

func TestExecuteTask_BreakpointHook(t *testing.T) {
	var hit string
	d, _ := newTestDispatcher(t, WithBreakpointHook(func(_ context.Context, req *Request) {
		hit = req.DebuggerBreakpoint
	}))
	req := normalRequest(t, fnAdd, 1, 1, 2)
	req.DebuggerBreakpoint = "bp-1"

	if _, err := d.ExecuteTask(context.Background(), req); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if hit != "bp-1" {
		t.Fatalf("breakpoint hook not called, hit=%q", hit)
	}
}

func TestInvoke_LowLevelPath(t *testing.T) {
	d, _ := newTestDispatcher(t)
	out, err := d.Invoke(context.Background(), fnDivMod, encodeArgs(t, 9, 4), nil, false)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("results=%d", len(out))
	}

	acct := &account{balance: 3}
	out, err = d.Invoke(context.Background(), fnDeposit, encodeArgs(t, 4), acct, true)
	if err != nil {
		t.Fatalf("invoke method: %v", err)
	}
	var balance int
	if err := testCodec.Unmarshal(out[0], &balance); err != nil || balance != 7 {
		t.Fatalf("balance=%d err=%v", balance, err)
	}
}

func TestRequestFromTask(t *testing.T) {
	spec, err := task.NewSpec(task.SpecParams{
		ID:        task.NewTaskID(),
		Type:      task.NormalTask,
		Function:  fnAdd,
		Args:      []task.Arg{task.ValueArg([]byte{1}), task.RefArg("obj-1", "node-a")},
		ReturnIDs: []task.ObjectID{"r1"},
	})
	if err != nil {
		t.Fatalf("spec: %v", err)
	}
	req := RequestFromTask(task.New(spec, task.ExecutionSpec{}), encodeArgs(t, 1, 2))
	if len(req.ArgReferenceIDs) != 2 || req.ArgReferenceIDs[0] != "" || req.ArgReferenceIDs[1] != "obj-1" {
		t.Fatalf("reference ids=%v", req.ArgReferenceIDs)
	}

	d, _ := newTestDispatcher(t)
	out, err := d.ExecuteTask(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	var sum int
	if err := out.Results[0].Decode(testCodec, &sum); err != nil || sum != 3 {
		t.Fatalf("sum=%d err=%v", sum, err)
	}
}
