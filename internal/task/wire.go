package task

import (
	"errors"
	"fmt"
	"math"
	"sort"

	semver "github.com/Masterminds/semver/v3"
	"google.golang.org/protobuf/encoding/protowire"
)

// ProtocolVersion is stamped on every encoded task message.
const ProtocolVersion = "1.1.0"

// ProtocolConstraint accepts the message versions this package can decode.
var ProtocolConstraint = mustConstraint(">= 1.0.0, < 2.0.0")

func mustConstraint(c string) *semver.Constraints {
	cons, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}

	return cons
}

// Field numbers of the task message. Layout:
//
//	Task          { 1: version, 2: Spec, 3: ExecutionSpec }
//	Spec          { 1: id, 2: type, 3: name, 4: Function, 5: Arg*, 6: Resource*,
//	                7: return_id*, 8: actor_id, 9: breakpoint, 10: caller }
//	Function      { 1: module, 2: class, 3: function }
//	Arg           { 1: data, 2: ObjectRef }
//	ObjectRef     { 1: id, 2: owner }
//	Resource      { 1: name, 2: quantity (double) }
//	ExecutionSpec { 1: num_forwards, 2: Attempt }
//	Attempt       { 1: node_id, 2: worker_id, 3: number }
const (
	fieldVersion  protowire.Number = 1
	fieldSpec     protowire.Number = 2
	fieldExecSpec protowire.Number = 3
)

// Encode serializes the task's specification and execution metadata. The
// backlog size is not part of the message; receivers pass it to FromMessage.
func Encode(t *Task) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldVersion, protowire.BytesType)
	b = protowire.AppendString(b, ProtocolVersion)
	b = protowire.AppendTag(b, fieldSpec, protowire.BytesType)
	b = protowire.AppendBytes(b, encodeSpec(t.spec))
	b = protowire.AppendTag(b, fieldExecSpec, protowire.BytesType)
	b = protowire.AppendBytes(b, encodeExecSpec(t.exec))

	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)

	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, m []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)

	return protowire.AppendBytes(b, m)
}

func encodeSpec(s *Spec) []byte {
	var b []byte
	b = appendString(b, 1, string(s.id))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.typ))
	b = appendString(b, 3, s.name)

	var fn []byte
	fn = appendString(fn, 1, s.function.Module)
	fn = appendString(fn, 2, s.function.Class)
	fn = appendString(fn, 3, s.function.Function)
	b = appendMessage(b, 4, fn)

	for _, a := range s.args {
		var ab []byte
		if a.Ref != nil {
			var rb []byte
			rb = appendString(rb, 1, string(a.Ref.ID))
			rb = appendString(rb, 2, a.Ref.OwnerAddress)
			ab = appendMessage(ab, 2, rb)
		} else {
			ab = appendMessage(ab, 1, a.Data)
		}
		b = appendMessage(b, 5, ab)
	}

	keys := make([]string, 0, len(s.resources))
	for k := range s.resources {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var rb []byte
		rb = appendString(rb, 1, k)
		rb = protowire.AppendTag(rb, 2, protowire.Fixed64Type)
		rb = protowire.AppendFixed64(rb, math.Float64bits(s.resources[k]))
		b = appendMessage(b, 6, rb)
	}

	for _, id := range s.returnIDs {
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendString(b, string(id))
	}
	b = appendString(b, 8, string(s.actorID))
	b = appendString(b, 9, s.debuggerBreakpoint)
	b = appendString(b, 10, s.callerAddress)

	return b
}

func encodeExecSpec(e ExecutionSpec) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, e.numForwards)

	var ab []byte
	ab = appendString(ab, 1, e.lastAttempt.NodeID)
	ab = appendString(ab, 2, e.lastAttempt.WorkerID)
	ab = protowire.AppendTag(ab, 3, protowire.VarintType)
	ab = protowire.AppendVarint(ab, uint64(e.lastAttempt.Number))

	return appendMessage(b, 2, ab)
}

var errWireType = errors.New("unexpected wire type")

// walk visits every field of a message. visit returns the number of bytes it
// consumed, or 0 to have the field skipped.
func walk(b []byte, visit func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := visit(num, typ, b)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(m))
		}
		b = b[m:]
	}

	return nil
}

func consumeBytes(typ protowire.Type, b []byte, dst *[]byte) (int, error) {
	if typ != protowire.BytesType {
		return 0, errWireType
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v

	return n, nil
}

func consumeString(typ protowire.Type, b []byte, dst *string) (int, error) {
	var raw []byte
	n, err := consumeBytes(typ, b, &raw)
	if err != nil {
		return 0, err
	}
	*dst = string(raw)

	return n, nil
}

func consumeVarint(typ protowire.Type, b []byte, dst *uint64) (int, error) {
	if typ != protowire.VarintType {
		return 0, errWireType
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v

	return n, nil
}

func decodeMessage(data []byte) (*Spec, ExecutionSpec, error) {
	var (
		version          string
		specRaw, execRaw []byte
		sawSpec          bool
	)
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldVersion:
			return consumeString(typ, b, &version)
		case fieldSpec:
			sawSpec = true
			return consumeBytes(typ, b, &specRaw)
		case fieldExecSpec:
			return consumeBytes(typ, b, &execRaw)
		}
		return 0, nil
	})
	if err != nil {
		return nil, ExecutionSpec{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := CheckProtocol(version); err != nil {
		return nil, ExecutionSpec{}, err
	}
	if !sawSpec {
		return nil, ExecutionSpec{}, fmt.Errorf("%w: missing task specification", ErrMalformedMessage)
	}

	params, err := decodeSpec(specRaw)
	if err != nil {
		return nil, ExecutionSpec{}, fmt.Errorf("%w: spec: %v", ErrMalformedMessage, err)
	}
	spec, err := NewSpec(params)
	if err != nil {
		return nil, ExecutionSpec{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	exec, err := decodeExecSpec(execRaw)
	if err != nil {
		return nil, ExecutionSpec{}, fmt.Errorf("%w: execution spec: %v", ErrMalformedMessage, err)
	}

	return spec, exec, nil
}

// CheckProtocol reports whether a message of the given protocol version can be
// decoded.
func CheckProtocol(version string) error {
	if version == "" {
		return fmt.Errorf("%w: missing version", ErrUnsupportedProtocol)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnsupportedProtocol, version, err)
	}
	if !ProtocolConstraint.Check(v) {
		return fmt.Errorf("%w: %s does not satisfy %s", ErrUnsupportedProtocol, version, ProtocolConstraint)
	}

	return nil
}

func decodeSpec(data []byte) (SpecParams, error) {
	var p SpecParams
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, (*string)(&p.ID))
		case 2:
			var v uint64
			n, err := consumeVarint(typ, b, &v)
			if err == nil && v > math.MaxInt32 {
				return 0, fmt.Errorf("task type %d out of range", v)
			}
			p.Type = Type(v)
			return n, err
		case 3:
			return consumeString(typ, b, &p.Name)
		case 4:
			var raw []byte
			n, err := consumeBytes(typ, b, &raw)
			if err != nil {
				return 0, err
			}
			return n, decodeFunction(raw, &p.Function)
		case 5:
			var raw []byte
			n, err := consumeBytes(typ, b, &raw)
			if err != nil {
				return 0, err
			}
			a, err := decodeArg(raw)
			p.Args = append(p.Args, a)
			return n, err
		case 6:
			var raw []byte
			n, err := consumeBytes(typ, b, &raw)
			if err != nil {
				return 0, err
			}
			if p.Resources == nil {
				p.Resources = make(map[string]float64)
			}
			return n, decodeResource(raw, p.Resources)
		case 7:
			var id string
			n, err := consumeString(typ, b, &id)
			p.ReturnIDs = append(p.ReturnIDs, ObjectID(id))
			return n, err
		case 8:
			return consumeString(typ, b, (*string)(&p.ActorID))
		case 9:
			return consumeString(typ, b, &p.DebuggerBreakpoint)
		case 10:
			return consumeString(typ, b, &p.CallerAddress)
		}
		return 0, nil
	})

	return p, err
}

func decodeFunction(data []byte, fd *FunctionDescriptor) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &fd.Module)
		case 2:
			return consumeString(typ, b, &fd.Class)
		case 3:
			return consumeString(typ, b, &fd.Function)
		}
		return 0, nil
	})
}

func decodeArg(data []byte) (Arg, error) {
	var a Arg
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			var raw []byte
			n, err := consumeBytes(typ, b, &raw)
			a.Data = append([]byte{}, raw...)
			return n, err
		case 2:
			var raw []byte
			n, err := consumeBytes(typ, b, &raw)
			if err != nil {
				return 0, err
			}
			ref := &ObjectRef{}
			err = walk(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case 1:
					return consumeString(typ, b, (*string)(&ref.ID))
				case 2:
					return consumeString(typ, b, &ref.OwnerAddress)
				}
				return 0, nil
			})
			a.Ref = ref
			return n, err
		}
		return 0, nil
	})

	return a, err
}

func decodeResource(data []byte, into map[string]float64) error {
	var (
		name string
		qty  float64
	)
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &name)
		case 2:
			if typ != protowire.Fixed64Type {
				return 0, errWireType
			}
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			qty = math.Float64frombits(v)
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return err
	}
	into[name] = qty

	return nil
}

func decodeExecSpec(data []byte) (ExecutionSpec, error) {
	var e ExecutionSpec
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeVarint(typ, b, &e.numForwards)
		case 2:
			var raw []byte
			n, err := consumeBytes(typ, b, &raw)
			if err != nil {
				return 0, err
			}
			return n, decodeAttempt(raw, &e.lastAttempt)
		}
		return 0, nil
	})

	return e, err
}

func decodeAttempt(data []byte, a *Attempt) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &a.NodeID)
		case 2:
			return consumeString(typ, b, &a.WorkerID)
		case 3:
			var v uint64
			n, err := consumeVarint(typ, b, &v)
			if err == nil && v > math.MaxUint32 {
				return 0, fmt.Errorf("attempt number %d out of range", v)
			}
			a.Number = uint32(v)
			return n, err
		}
		return 0, nil
	})
}
