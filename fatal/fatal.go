// Package fatal raises programmer faults: invariant violations that indicate
// a bug rather than an expected runtime condition. These are
// never returned as error values and never retried by a caller; they abort
// the process after logging a trace.
package fatal

import (
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"github.com/go-stack/stack"
)

// Violation panics after logging the offending invariant and the call stack
// that reached it. Call sites include a double Locked.Unlock, Create on an
// occupied slot, non-monotonic or inverted durability acks, a non-increasing
// sync-write seqno, checkpoint cursor-ref underflow, and CompleteDeletion
// on a collection that is not deleting.
func Violation(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	trace := stack.Trace().TrimRuntime()
	log.Error("programmer fault", "invariant", msg, "stack", fmt.Sprintf("%+v", trace))
	panic("kv-engine: invariant violation: " + msg)
}

// Recover turns a Violation panic back into an error for call sites (tests,
// the control surface) that need to observe the failure without crashing
// the whole process. Never use this on the hot mutation path: production
// callers let the panic reach the task-pool's top-level recoverer, which
// logs and kills the process.
func Recover(errp *error) {
	if r := recover(); r != nil {
		if msg, ok := r.(string); ok {
			*errp = fmt.Errorf("%s", msg)
			return
		}
		panic(r)
	}
}
