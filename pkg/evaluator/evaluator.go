// Package evaluator runs user-authored compute and penalty functions in a
// sandboxed Lua context. Each distinct source text compiles once into its
// own interpreter state with a whitelisted environment (base, math and
// string libraries plus sum and async); no I/O or OS facilities are
// exposed. Invocations are serialized per compiled function and bounded
// by a hard wall-clock budget.
package evaluator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Shopify/go-lua"

	"gradedb/pkg/logger"
	"gradedb/pkg/models"
)

var (
	// ErrEvaluation reports a compute function that threw or returned an
	// unusable value.
	ErrEvaluation = errors.New("evaluation failed")
	// ErrTimeout reports a compute function exceeding the wall-clock
	// budget.
	ErrTimeout = errors.New("evaluation timed out")
)

// Budget is the hard per-invocation wall-clock limit.
const Budget = 1500 * time.Millisecond

const registryFn = "gradedb.fn"

// Row is the input-row shape exposed to compute functions through the
// rows global.
type Row struct {
	User  string
	Key   string
	TS    *time.Time
	Value models.Value
}

// Compiled is one compiled function. The mutex serializes invocations: a
// compiled function must never be re-entered while a previous invocation
// is in flight.
type Compiled struct {
	src   string
	mu    sync.Mutex
	state *lua.State
}

// invocation holds the async completion state for a single call. It is
// owned by the goroutine running that call, so a state abandoned on
// timeout cannot race a later invocation's bookkeeping.
type invocation struct {
	async  bool
	done   bool
	val    models.Value
	errMsg string
}

var cache sync.Map // source text -> *Compiled

// Prepare returns the compiled function for src, compiling at most once
// per distinct source text. A compile race is harmless; the first stored
// entry wins.
func Prepare(src string) (*Compiled, error) {
	if cached, ok := cache.Load(src); ok {
		return cached.(*Compiled), nil
	}
	c := &Compiled{src: src}
	if err := c.compile(); err != nil {
		return nil, err
	}
	actual, _ := cache.LoadOrStore(src, c)
	return actual.(*Compiled), nil
}

// compile builds a fresh sandboxed state holding the function. Caller
// must hold c.mu or own c exclusively.
func (c *Compiled) compile() error {
	l := lua.NewState()
	lua.Require(l, "_G", lua.BaseOpen, true)
	l.Pop(1)
	lua.Require(l, "math", lua.MathOpen, true)
	l.Pop(1)
	lua.Require(l, "string", lua.StringOpen, true)
	l.Pop(1)
	l.Register("sum", luaSum)

	if err := lua.LoadString(l, c.src); err != nil {
		return fmt.Errorf("%w: compile: %v", ErrEvaluation, err)
	}
	if err := l.ProtectedCall(0, 1, 0); err != nil {
		return fmt.Errorf("%w: chunk: %v", ErrEvaluation, err)
	}
	if l.TypeOf(-1) != lua.TypeFunction {
		l.Pop(1)
		return fmt.Errorf("%w: source must return a function", ErrEvaluation)
	}
	l.SetField(lua.RegistryIndex, registryFn)
	c.state = l
	return nil
}

// Invoke calls the compiled function with one argument per input query
// (a single value, or a table of values for wildcard queries) and the
// matched rows exposed via the rows global. It returns the function's
// value, or the value delivered through async completion when the
// function chose that style.
func (c *Compiled) Invoke(args []models.Value, rowsByQuery map[string][]Row) (models.Value, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil {
		// previous invocation timed out and the state was discarded
		if err := c.compile(); err != nil {
			return nil, err
		}
	}
	l := c.state
	type result struct {
		val models.Value
		err error
	}
	done := make(chan result, 1)
	go func() {
		val, err := c.call(l, args, rowsByQuery)
		done <- result{val, err}
	}()
	select {
	case r := <-done:
		return r.val, r.err
	case <-time.After(Budget):
		// the runaway state cannot be interrupted; discard it and
		// recompile on next use
		c.state = nil
		logger.Warn("evaluation_timeout", "budget", Budget.String())
		return nil, ErrTimeout
	}
}

func (c *Compiled) call(l *lua.State, args []models.Value, rowsByQuery map[string][]Row) (val models.Value, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			val, err = nil, fmt.Errorf("%w: %v", ErrEvaluation, rec)
		}
	}()

	inv := &invocation{}
	l.Register("async", inv.luaAsync)
	pushRows(l, rowsByQuery)
	l.SetGlobal("rows")

	l.Field(lua.RegistryIndex, registryFn)
	for _, arg := range args {
		pushValue(l, arg)
	}
	if cerr := l.ProtectedCall(len(args), 1, 0); cerr != nil {
		return nil, fmt.Errorf("%w: %v", ErrEvaluation, cerr)
	}
	val, err = toValue(l, -1)
	l.Pop(1)
	if err != nil {
		return nil, err
	}
	if inv.async {
		if !inv.done {
			return nil, fmt.Errorf("%w: async completion never fired", ErrEvaluation)
		}
		if inv.errMsg != "" {
			return nil, fmt.Errorf("%w: %s", ErrEvaluation, inv.errMsg)
		}
		return inv.val, nil
	}
	return val, nil
}

// luaAsync implements the asynchronous-completion primitive: the worker
// receives a done(err, value) callable and the eventual value is taken
// from the completion instead of the function's return.
func (inv *invocation) luaAsync(l *lua.State) int {
	if inv.async {
		panic("async invoked twice in one evaluation")
	}
	inv.async = true
	l.PushGoFunction(func(l *lua.State) int {
		inv.done = true
		if !l.IsNoneOrNil(1) {
			inv.errMsg, _ = l.ToString(1)
			if inv.errMsg == "" {
				inv.errMsg = "async error"
			}
			return 0
		}
		v, err := toValue(l, 2)
		if err != nil {
			inv.errMsg = err.Error()
			return 0
		}
		inv.val = v
		return 0
	})
	// stack holds the worker then its done argument, already a call frame
	l.Call(1, 0)
	return 0
}

func luaSum(l *lua.State) int {
	total := 0.0
	if l.TypeOf(1) == lua.TypeTable {
		for i := 1; ; i++ {
			l.RawGetInt(1, i)
			if l.IsNil(-1) {
				l.Pop(1)
				break
			}
			if n, ok := l.ToNumber(-1); ok {
				total += n
			}
			l.Pop(1)
		}
	}
	l.PushNumber(total)
	return 1
}

func pushValue(l *lua.State, v models.Value) {
	switch t := v.(type) {
	case nil:
		l.PushNil()
	case bool:
		l.PushBoolean(t)
	case float64:
		l.PushNumber(t)
	case string:
		l.PushString(t)
	case []models.Value:
		l.NewTable()
		for i, elt := range t {
			pushValue(l, elt)
			l.RawSetInt(-2, i+1)
		}
	default:
		l.PushNil()
	}
}

func pushRows(l *lua.State, rowsByQuery map[string][]Row) {
	l.NewTable()
	for q, rows := range rowsByQuery {
		l.NewTable()
		for i, row := range rows {
			l.NewTable()
			l.PushString(row.User)
			l.SetField(-2, "user")
			l.PushString(row.Key)
			l.SetField(-2, "key")
			if row.TS != nil {
				l.PushNumber(float64(row.TS.UnixMilli()))
				l.SetField(-2, "ts")
			}
			pushValue(l, row.Value)
			l.SetField(-2, "value")
			l.RawSetInt(-2, i+1)
		}
		l.SetField(-2, q)
	}
}

func toValue(l *lua.State, index int) (models.Value, error) {
	switch l.TypeOf(index) {
	case lua.TypeNil, lua.TypeNone:
		return nil, nil
	case lua.TypeBoolean:
		return l.ToBoolean(index), nil
	case lua.TypeNumber:
		n, _ := l.ToNumber(index)
		return n, nil
	case lua.TypeString:
		s, _ := l.ToString(index)
		return s, nil
	}
	return nil, fmt.Errorf("%w: unsupported result type %s", ErrEvaluation, lua.TypeNameOf(l, index))
}

// InvokePenalty applies the named penalty source to a late value. The
// function receives (due, ts, value) with timestamps in Unix
// milliseconds and returns the adjusted value.
func InvokePenalty(src string, due, ts time.Time, value models.Value) (models.Value, error) {
	c, err := Prepare(src)
	if err != nil {
		return nil, err
	}
	return c.Invoke([]models.Value{float64(due.UnixMilli()), float64(ts.UnixMilli()), value}, nil)
}
