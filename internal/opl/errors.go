package opl

import "errors"

// ErrStorageIO wraps a Sink.WriteBlock failure: the writer marks the
// session Faulted, retains the in-memory block, and reports up to the
// scheduler.
var ErrStorageIO = errors.New("opl: storage write failed")
