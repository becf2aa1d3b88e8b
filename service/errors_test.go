package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRetriable(t *testing.T) {
	i := 0
	ctx := context.Background()
	tim := time.Now()
	err := Retriable(ctx, func() error {
		i++
		return fmt.Errorf("%d", i)
	}, time.Microsecond, 3)

	if time.Since(tim) < 3*time.Microsecond {
		t.Errorf("err: excepted at least 3µs got %v", time.Since(tim))
	}

	if err == nil {
		t.Error("err: excepted 3 got nil")
	}
	if err.Error() != "3" {
		t.Error("err: excepted 3 got " + err.Error())
	}
}

func TestRetriableFatal(t *testing.T) {
	i := 0
	err := Retriable(context.Background(), func() error {
		i++
		return MakeFatal(fmt.Errorf("fatal"))
	}, time.Microsecond, 5)
	if err == nil || i != 1 {
		t.Errorf("expected a single attempt, got %d (err=%v)", i, err)
	}
}

func TestTemporary(t *testing.T) {
	if Temporary(errors.New("plain")) {
		t.Error("plain error should not be temporary")
	}
	if !Temporary(MakeTemporary(errors.New("tmp"))) {
		t.Error("marked error should be temporary")
	}
	if !Temporary(fmt.Errorf("wrapped: %w", MakeTemporary(errors.New("tmp")))) {
		t.Error("wrapped marked error should be temporary")
	}
	if Fatal(MakeTemporary(errors.New("tmp"))) {
		t.Error("temporary error should not be fatal")
	}
	if !Fatal(MakeFatal(errors.New("fatal"))) {
		t.Error("marked error should be fatal")
	}
}

func TestTemporaryCode(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		if !TemporaryCode(code) {
			t.Errorf("%d should be temporary", code)
		}
	}
	for _, code := range []int{200, 301, 400, 401, 403, 404} {
		if TemporaryCode(code) {
			t.Errorf("%d should not be temporary", code)
		}
	}
}

func TestMergeErrors(t *testing.T) {
	err1 := errors.New("first")
	err2 := errors.New("second")
	if err := MergeErrors(false, err1, nil); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
	if err := MergeErrors(true, err1, err2); err == nil {
		t.Error("expected an error")
	}
	if err := MergeErrors(true, nil, err2); !errors.Is(err, err2) {
		t.Errorf("expected second, got %v", err)
	}
}
