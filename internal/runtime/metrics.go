package runtime

import (
	"time"

	"go.uber.org/atomic"

	taskerrors "github.com/orizon-lang/taskcore/internal/errors"
	"github.com/orizon-lang/taskcore/internal/task"
)

// DispatcherStats counts executed tasks by type and outcome.
type DispatcherStats struct {
	inFlight atomic.Int64
	executed map[task.Type]*atomic.Uint64
	failed   map[taskerrors.Kind]*atomic.Uint64
	busy     atomic.Duration
}

var statKinds = []taskerrors.Kind{
	taskerrors.KindFunctionNotFound,
	taskerrors.KindActorNotFound,
	taskerrors.KindActorAlreadyExists,
	taskerrors.KindUserCodeFailure,
	taskerrors.KindActorCreationFailure,
	taskerrors.KindReentrantLock,
	taskerrors.KindMalformedArguments,
	taskerrors.KindReturnCountMismatch,
}

var statTypes = []task.Type{task.NormalTask, task.ActorCreationTask, task.ActorTask, task.ActorDestructorTask}

// The maps are filled once and only read afterwards.
func (s *DispatcherStats) init() {
	s.executed = make(map[task.Type]*atomic.Uint64, len(statTypes))
	for _, t := range statTypes {
		s.executed[t] = atomic.NewUint64(0)
	}
	s.failed = make(map[taskerrors.Kind]*atomic.Uint64, len(statKinds))
	for _, k := range statKinds {
		s.failed[k] = atomic.NewUint64(0)
	}
}

func (s *DispatcherStats) observe(typ task.Type, terr *taskerrors.TaskError, elapsed time.Duration) {
	if c, ok := s.executed[typ]; ok {
		c.Inc()
	}
	if terr != nil {
		if c, ok := s.failed[terr.Kind]; ok {
			c.Inc()
		}
	}
	s.busy.Add(elapsed)
}

// Executed returns how many tasks of typ have run, successful or not.
func (s *DispatcherStats) Executed(typ task.Type) uint64 {
	if c, ok := s.executed[typ]; ok {
		return c.Load()
	}

	return 0
}

// Failed returns how many tasks failed with kind.
func (s *DispatcherStats) Failed(kind taskerrors.Kind) uint64 {
	if c, ok := s.failed[kind]; ok {
		return c.Load()
	}

	return 0
}

// Metrics returns a snapshot suitable for StartMetricsServer.
func (s *DispatcherStats) Metrics() map[string]float64 {
	out := map[string]float64{
		"in_flight":    float64(s.inFlight.Load()),
		"busy_seconds": s.busy.Load().Seconds(),
	}
	for t, c := range s.executed {
		out["executed_total:"+t.String()] = float64(c.Load())
	}
	for k, c := range s.failed {
		out["failed_total:"+string(k)] = float64(c.Load())
	}

	return out
}
