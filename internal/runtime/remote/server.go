package remote

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/orizon-lang/taskcore/internal/codec"
	"github.com/orizon-lang/taskcore/internal/runtime"
	"github.com/orizon-lang/taskcore/internal/task"
)

// HeaderBacklog carries the submitter's backlog hint for the task.
const HeaderBacklog = "backlog"

// HeaderProtocol carries the task protocol version of the sender.
const HeaderProtocol = "protocol"

// Executor runs a decoded task on the worker.
type Executor interface {
	Execute(ctx context.Context, t *task.Task) (runtime.Outcome, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, t *task.Task) (runtime.Outcome, error)

func (f ExecutorFunc) Execute(ctx context.Context, t *task.Task) (runtime.Outcome, error) {
	return f(ctx, t)
}

// Server receives task envelopes, runs each on its own goroutine and replies
// to the sender.
type Server struct {
	Node  string
	Trans Transport
	Codec codec.Codec
	Exec  Executor
	Log   logrus.FieldLogger

	mutex   sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup
	started bool
}

// Start binds the transport. Tasks run under ctx.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	if s.Trans == nil || s.Exec == nil {
		return fmt.Errorf("remote server not configured")
	}
	if s.Codec == nil {
		s.Codec = codec.Msgpack{}
	}
	if s.Log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		s.Log = l
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	if err := s.Trans.Start(addr, s.receive); err != nil {
		s.cancel()
		return err
	}
	s.started = true

	return nil
}

// Stop closes the transport and waits for running tasks to finish.
func (s *Server) Stop() error {
	s.mutex.Lock()
	if !s.started {
		s.mutex.Unlock()
		return nil
	}
	s.started = false
	s.mutex.Unlock()

	err := s.Trans.Stop()
	s.running.Wait()
	s.cancel()

	return err
}

func (s *Server) Address() string { return s.Trans.Address() }

func (s *Server) receive(env Envelope) error {
	if env.MessageType != MessageTask {
		return fmt.Errorf("unexpected message type %d", env.MessageType)
	}
	log := s.Log.WithFields(logrus.Fields{"sender": env.SenderNode, "correlation_id": env.CorrelationID})
	if v, ok := env.Headers[HeaderProtocol]; ok {
		if err := task.CheckProtocol(v); err != nil {
			log.WithError(err).Warn("dropping task from incompatible sender")
			return err
		}
	}
	var backlog int64
	if v := env.Headers[HeaderBacklog]; v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			log.WithError(err).WithField("backlog", v).Warn("ignoring malformed backlog header")
		} else {
			backlog = n
		}
	}
	t, err := task.FromMessage(env.PayloadBytes, backlog)
	if err != nil {
		// Nothing to reply to without a task id.
		log.WithError(err).Warn("dropping undecodable task")
		return err
	}

	s.mutex.Lock()
	if !s.started {
		s.mutex.Unlock()
		return ErrNotStarted
	}
	ctx := s.ctx
	s.running.Add(1)
	s.mutex.Unlock()

	go func() {
		defer s.running.Done()
		s.handle(runtime.WithCorrelationID(ctx, env.CorrelationID), env, t)
	}()

	return nil
}

func (s *Server) handle(ctx context.Context, env Envelope, t *task.Task) {
	log := s.Log.WithFields(logrus.Fields{
		"task_id":        t.Spec().TaskID(),
		"sender":         env.SenderNode,
		"correlation_id": env.CorrelationID,
	})

	reply := Reply{TaskID: t.Spec().TaskID()}
	out, err := s.Exec.Execute(ctx, t)
	reply.Results = out.Results
	reply.CreationException = out.CreationException
	if err != nil {
		if te, ok := asTaskError(err); ok {
			reply.Error = te
		} else {
			reply.Failure = err.Error()
		}
	}

	to := env.ReplyTo
	if to == "" {
		to = t.Spec().CallerAddress()
	}
	if to == "" {
		log.Debug("no reply address, dropping result")
		return
	}
	payload, err := s.Codec.Marshal(reply)
	if err != nil {
		log.WithError(err).Error("encode reply")
		return
	}
	if err := s.Trans.Send(to, Envelope{
		SenderNode:    s.Node,
		ReceiverNode:  env.SenderNode,
		CorrelationID: env.CorrelationID,
		ContentType:   s.Codec.ContentType(),
		PayloadBytes:  payload,
		TimestampUnix: NowUnix(),
		MessageType:   MessageResult,
	}); err != nil {
		log.WithError(err).WithField("to", to).Warn("reply not delivered")
	}
}
