package vm

import "errors"

func coroutine_create(args Args) (r []Val, err error) {
	f := args.GetFunction()
	if err = args.Co.m.charge(128); err != nil {
		return
	}
	return []Val{args.Co.m.NewCoroutine(f)}, nil
}

// resumeFrom resumes target from co, which is suspended as normal meanwhile.
func resumeFrom(co, target *Coroutine, args []Val) ([]Val, error) {
	co.status = Normal
	defer func() { co.status = Running }()
	return target.resume(args)
}

func coroutine_resume(args Args) (r []Val, err error) {
	target := args.GetCoroutine()

	r, err = resumeFrom(args.Co, target, args.Rest())
	if err == nil {
		return append([]Val{true}, r...), nil
	}

	var ae *AbortError
	if errors.As(err, &ae) {
		return nil, err
	}
	var e *Error
	if errors.As(err, &e) {
		return []Val{false, e.Value}, nil
	}
	return []Val{false, err.Error()}, nil
}

func coroutine_running(args Args) (r []Val, err error) {
	return []Val{args.Co, !args.Co.yieldable}, nil
}

func coroutine_status(args Args) (r []Val, err error) {
	return []Val{args.GetCoroutine().status.String()}, nil
}

func coroutine_wrap(args Args) (r []Val, err error) {
	f := args.GetFunction()
	if err = args.Co.m.charge(128); err != nil {
		return
	}
	target := args.Co.m.NewCoroutine(f)

	wrapped := fn("wrap", func(co *Coroutine, args ...Val) ([]Val, error) {
		r, err := resumeFrom(co, target, args)
		if err == nil {
			return r, nil
		}

		var e *Error
		if errors.As(err, &e) {
			if s, ok := e.Value.(string); ok {
				// propagate with the position of the wrapper's caller
				return nil, &Error{Value: co.where(1) + s, Traceback: e.Traceback, Diagnosis: e.Diagnosis}
			}
		}
		return nil, err
	})
	return []Val{wrapped}, nil
}

func coroutineLib() *Table {
	return NewLib([]*GoFunction{
		MakeFn("create", coroutine_create),
		MakeFn("resume", coroutine_resume),
		MakeFn("running", coroutine_running),
		MakeFn("status", coroutine_status),
		MakeFn("wrap", coroutine_wrap),
		{Name: "yield", Run: yieldGo, kind: kindYield},
	})
}
