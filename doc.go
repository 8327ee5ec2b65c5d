// Package heapgate is an embedded HTTP/1.1 server for memory-constrained
// hosts. Every accepted connection passes a heap-aware admission controller
// before a request object exists, admitted requests wait in a bounded queue
// that a scheduler drains as memory allows, and each started request is
// rewritten and routed to the first handler that claims it.
//
// # Running a server
//
//	cfg := heapgate.Config{
//	    Listen: ":8080",
//	    Limits: heapgate.QueueLimits{MaxQueued: 16, MaxParallel: 4},
//	}
//	srv, err := heapgate.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	srv.On("/hello", heapgate.MethodGet, func(r *heapgate.Request) {
//	    r.Send(200, "text/plain", "hello\n")
//	})
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("heapgate: %v", err)
//	    }
//	}()
//	defer srv.Close()
//
// StartServer wraps the same steps and returns once the listener is bound.
//
// # Admission
//
// Before anything is allocated for a connection the controller reads the heap
// oracle. Below the platform floors the connection is closed without a reply.
// When the queue is full, or the free heap is under QueueLimits.QueueHeapRequired,
// the client gets a fixed 503 reply and the connection closes once the reply
// is acknowledged. Otherwise a request is queued and a scheduling pass runs.
//
// # Scheduling
//
// A pass starts queued requests in order until MaxParallel are active or the
// free heap drops under RequestHeapRequired. A queued request that lacks a
// large enough block while others are active is deferred and retried on the
// next pass. Passes run after every admission and completion, and
// ProcessQueue runs one on demand.
//
// # Routing
//
// Rewrites apply cumulatively in registration order. Handlers are first
// match; when none claims a request the not-found callbacks run, and without
// them the client gets a 404.
//
// # Configuration
//
// The heapgate CLI reads the same Config from flags, HEAPGATE_* environment
// variables and a YAML file. Queue limits in the file are re-applied when it
// changes.
package heapgate
