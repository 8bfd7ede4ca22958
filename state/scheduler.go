package state

import (
	"fmt"
	"time"
)

// Dispatch Dispatches the function to run on the control loop without waiting for it to complete
func (e *Env) Dispatch(fun func(*State) error) {
	defer func() {
		if r := recover(); r != nil {
			e.Cancel(fmt.Errorf("panic: %v", r))
		}
	}()
	select {
	case e.DispatchChannel <- fun:
	case <-e.Context.Done():
	}
}

// DispatchWait Dispatches the function to run on the control loop and wait for it to complete
func (e *Env) DispatchWait(fun func(*State) (any, error)) (any, error) {
	// buffered so the control loop never blocks on a caller that gave up
	ret := make(chan Pair[any, error], 1)
	e.Dispatch(func(s *State) error {
		res, err := fun(s)
		ret <- Pair[any, error]{res, err}
		return err
	})
	select {
	case res := <-ret:
		return res.V1, res.V2
	case <-e.Context.Done():
		return nil, e.Context.Err()
	}
}

func (e *Env) ScheduleTask(fun func(*State) error, delay time.Duration) {
	time.AfterFunc(delay, func() {
		e.Dispatch(fun)
	})
}

func (e *Env) repeatedTask(fun func(*State) error, delay time.Duration) {
	t := time.NewTicker(delay)
	defer t.Stop()
	for {
		e.Dispatch(fun)
		select {
		case <-t.C:
		case <-e.Context.Done():
			return
		}
	}
}

// RepeatTask runs fun on the control loop every delay until shutdown.
func (e *Env) RepeatTask(fun func(*State) error, delay time.Duration) {
	go e.repeatedTask(fun, delay)
}
