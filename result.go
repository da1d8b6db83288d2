package mutacache

import "context"

// Result is the normalized shape of one service call (OperationResult).
// Success=false must carry Err; a nil Err is treated as unknown.
type Result[T any] struct {
	Success bool
	Data    T
	Err     *ClassifiedError
}

func OK[T any](data T) Result[T] { return Result[T]{Success: true, Data: data} }

func Fail[T any](err *ClassifiedError) Result[T] { return Result[T]{Err: err} }

// Boundary is one service operation as seen by the engine. Returned errors
// are treated exactly like Fail results.
type Boundary[Vars, R any] func(ctx context.Context, vars Vars) (Result[R], error)

// invoke calls b and folds every failure mode (error return, Success=false,
// panic) into a single *ClassifiedError.
func invoke[Vars, R any](ctx context.Context, b Boundary[Vars, R], vars Vars) (data R, cerr *ClassifiedError) {
	defer func() {
		if v := recover(); v != nil {
			var zero R
			data, cerr = zero, classifyPanic(v)
		}
	}()
	res, err := b(ctx, vars)
	if err != nil {
		var zero R
		return zero, Classify(err)
	}
	if !res.Success {
		var zero R
		if res.Err == nil {
			return zero, NewError(CategoryUnknown, CodeRejected, "service reported failure without error")
		}
		return zero, res.Err
	}
	return res.Data, nil
}
