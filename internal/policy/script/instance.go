package script

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// Instance is an isolated goja VM for one module. Every VM access runs on the
// instance goroutine.
type Instance struct {
	module  *Module
	rt      *goja.Runtime
	export  *goja.Object
	timeout time.Duration
	queue   chan func(*goja.Runtime)
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	once    sync.Once
}

// NewInstance runs module in a fresh runtime. A positive timeout interrupts calls
// that run longer.
func NewInstance(module *Module, timeout time.Duration, logger *log.Logger) (*Instance, error) {
	if module == nil {
		return nil, fmt.Errorf("policy instance: module required")
	}
	rt := goja.New()
	export, err := runModule(rt, module.Program, logger)
	if err != nil {
		return nil, fmt.Errorf("policy instance: execute %s: %w", module.Path, err)
	}
	instance := &Instance{
		module:  module,
		rt:      rt,
		export:  export,
		timeout: timeout,
		queue:   make(chan func(*goja.Runtime)),
	}
	instance.wg.Add(1)
	go instance.loop()
	return instance, nil
}

func (i *Instance) loop() {
	defer i.wg.Done()
	for cb := range i.queue {
		cb(i.rt)
	}
}

// Module returns the module the instance runs.
func (i *Instance) Module() *Module { return i.module }

// Has reports whether the module exports a callable named function.
func (i *Instance) Has(function string) bool {
	var found bool
	_, err := i.Execute(func(_ *goja.Runtime, exports *goja.Object) (any, error) {
		_, found = goja.AssertFunction(exports.Get(function))
		return nil, nil
	})
	return err == nil && found
}

// Execute runs fn on the instance goroutine. Values produced by the VM must be
// converted to Go values inside fn.
func (i *Instance) Execute(fn func(rt *goja.Runtime, exports *goja.Object) (any, error)) (any, error) {
	if i == nil {
		return nil, fmt.Errorf("policy instance: nil receiver")
	}
	if fn == nil {
		return nil, fmt.Errorf("policy instance: callback required")
	}

	wait := make(chan result, 1)

	i.mu.RLock()
	if i.closed {
		i.mu.RUnlock()
		return nil, fmt.Errorf("policy instance: closed")
	}
	i.queue <- func(rt *goja.Runtime) {
		var out result
		defer func() {
			if rec := recover(); rec != nil {
				out = result{err: fmt.Errorf("policy instance: panic: %v", rec)}
			}
			rt.ClearInterrupt()
			wait <- out
		}()
		if i.timeout > 0 {
			timer := time.AfterFunc(i.timeout, func() {
				rt.Interrupt(fmt.Sprintf("policy call exceeded %s", i.timeout))
			})
			defer timer.Stop()
		}
		val, err := fn(rt, i.export)
		out = result{value: val, err: err}
	}
	i.mu.RUnlock()

	outcome := <-wait
	return outcome.value, outcome.err
}

// Call invokes the named export and converts its result with convert.
func (i *Instance) Call(function string, convert func(rt *goja.Runtime, value goja.Value) (any, error), args ...any) (any, error) {
	fn := strings.TrimSpace(function)
	if fn == "" {
		return nil, fmt.Errorf("policy instance: function name required")
	}
	return i.Execute(func(rt *goja.Runtime, exports *goja.Object) (any, error) {
		value := exports.Get(fn)
		if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
			return nil, ErrFunctionMissing
		}
		callable, ok := goja.AssertFunction(value)
		if !ok {
			return nil, fmt.Errorf("policy instance: export %q not callable", fn)
		}
		params := make([]goja.Value, len(args))
		for idx, arg := range args {
			params[idx] = rt.ToValue(arg)
		}
		res, err := callable(goja.Undefined(), params...)
		if err != nil {
			return nil, fmt.Errorf("policy instance: %s: %w", fn, err)
		}
		if convert == nil {
			return nil, nil
		}
		return convert(rt, res)
	})
}

// Close stops the instance goroutine.
func (i *Instance) Close() {
	if i == nil {
		return
	}
	i.once.Do(func() {
		i.mu.Lock()
		if i.closed {
			i.mu.Unlock()
			return
		}
		i.closed = true
		close(i.queue)
		i.mu.Unlock()
		i.wg.Wait()
	})
}

type result struct {
	value any
	err   error
}
