package vbucket

import "sync/atomic"

func atomicStore(addr *int64, v int64) { atomic.StoreInt64(addr, v) }
func atomicLoad(addr *int64) int64     { return atomic.LoadInt64(addr) }
