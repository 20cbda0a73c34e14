package remote

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/orizon-lang/taskcore/internal/codec"
	"github.com/orizon-lang/taskcore/internal/invocation"
	"github.com/orizon-lang/taskcore/internal/runtime"
	"github.com/orizon-lang/taskcore/internal/task"
)

// Submitter sends invocations to worker nodes and collects their replies. It
// implements invocation.Submitter.
type Submitter struct {
	Node      string    // Own node name, stamped on outgoing envelopes
	Trans     Transport // Also receives replies
	Discovery Discovery
	Target    string // Worker node Submit sends to
	Codec     codec.Codec
	Store     runtime.ObjectStore // Optional; replies are stored here on arrival
	Log       logrus.FieldLogger

	mutex   sync.Mutex
	pending map[task.TaskID]chan Reply
	started bool
}

var _ invocation.Submitter = (*Submitter)(nil)

// Start binds the reply address.
func (s *Submitter) Start(addr string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	if s.Trans == nil || s.Discovery == nil {
		return fmt.Errorf("remote submitter not configured")
	}
	if s.Codec == nil {
		s.Codec = codec.Msgpack{}
	}
	if s.Log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		s.Log = l
	}
	if err := s.Trans.Start(addr, s.receive); err != nil {
		return err
	}
	s.pending = make(map[task.TaskID]chan Reply)
	s.started = true

	return nil
}

func (s *Submitter) Stop() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !s.started {
		return nil
	}
	s.started = false

	return s.Trans.Stop()
}

// Submit sends inv to the default target node.
func (s *Submitter) Submit(ctx context.Context, inv *invocation.Invocation) ([]task.ObjectID, error) {
	return s.SubmitTo(ctx, s.Target, inv)
}

// SubmitTo sends inv to the named node and returns the ids its results will be
// stored under. It does not wait for execution; use Await for that.
func (s *Submitter) SubmitTo(ctx context.Context, node string, inv *invocation.Invocation) ([]task.ObjectID, error) {
	target, ok := s.Discovery.Resolve(node)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, node)
	}

	s.mutex.Lock()
	if !s.started {
		s.mutex.Unlock()
		return nil, ErrNotStarted
	}
	self := s.Trans.Address()
	if _, dup := s.pending[inv.TaskID]; dup {
		s.mutex.Unlock()
		return nil, fmt.Errorf("task %s already submitted", inv.TaskID)
	}
	s.pending[inv.TaskID] = make(chan Reply, 1)
	s.mutex.Unlock()

	t, err := inv.Task(self)
	if err != nil {
		s.forget(inv.TaskID)
		return nil, err
	}
	correlation := runtime.CorrelationID(ctx)
	if correlation == "" {
		correlation = runtime.NewCorrelationID()
	}
	env := Envelope{
		Headers: map[string]string{
			HeaderProtocol: task.ProtocolVersion,
			HeaderBacklog:  strconv.FormatInt(t.BacklogSize(), 10),
		},
		SenderNode:    s.Node,
		ReplyTo:       self,
		ReceiverNode:  node,
		CorrelationID: correlation,
		PayloadBytes:  task.Encode(t),
		TimestampUnix: NowUnix(),
		MessageType:   MessageTask,
	}
	if err := s.Trans.Send(target.Address, env); err != nil {
		s.forget(inv.TaskID)
		return nil, fmt.Errorf("send task %s to %s: %w", inv.TaskID, node, err)
	}
	s.Log.WithFields(logrus.Fields{
		"task_id":        inv.TaskID,
		"node":           node,
		"correlation_id": correlation,
	}).Debug("task submitted")

	return t.Spec().ReturnIDs(), nil
}

// Await blocks until the reply for id arrives or ctx is done. Each submitted
// task can be awaited once.
func (s *Submitter) Await(ctx context.Context, id task.TaskID) (Reply, error) {
	s.mutex.Lock()
	ch, ok := s.pending[id]
	s.mutex.Unlock()
	if !ok {
		return Reply{}, fmt.Errorf("task %s is not pending", id)
	}

	select {
	case r := <-ch:
		s.forget(id)
		return r, nil
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// Call submits inv and waits for its reply. The returned error is the task's
// failure, if any.
func (s *Submitter) Call(ctx context.Context, inv *invocation.Invocation) (Reply, error) {
	if _, err := s.Submit(ctx, inv); err != nil {
		return Reply{}, err
	}
	r, err := s.Await(ctx, inv.TaskID)
	if err != nil {
		return Reply{}, err
	}

	return r, r.Err()
}

// Pending returns how many submitted tasks have not been awaited.
func (s *Submitter) Pending() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return len(s.pending)
}

func (s *Submitter) forget(id task.TaskID) {
	s.mutex.Lock()
	delete(s.pending, id)
	s.mutex.Unlock()
}

func (s *Submitter) receive(env Envelope) error {
	if env.MessageType != MessageResult {
		return fmt.Errorf("unexpected message type %d", env.MessageType)
	}
	var r Reply
	if err := s.Codec.Unmarshal(env.PayloadBytes, &r); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}

	if s.Store != nil {
		ctx := runtime.WithCorrelationID(context.Background(), env.CorrelationID)
		for _, res := range r.Results {
			if err := s.Store.Put(ctx, res); err != nil {
				s.Log.WithError(err).WithField("object_id", res.ObjectID).Warn("store result")
			}
		}
	}

	s.mutex.Lock()
	ch, ok := s.pending[r.TaskID]
	s.mutex.Unlock()
	if !ok {
		s.Log.WithField("task_id", r.TaskID).Debug("reply for unknown task")
		return nil
	}
	select {
	case ch <- r:
	default:
	}

	return nil
}
