// Package client implements the smarthttp request engine: a connection
// pool with per-host capacity bounds, a retry/redirect orchestration
// state machine, and an adaptive per-host policy layer fed by domain
// memory.
//
// Key behavior:
//   - Bounded per-host endpoint pooling with idle eviction and a
//     registry capped by an LRU policy
//   - Retry with exponential backoff and jitter (429, 500, 502, 503, 504
//     by default), honoring Retry-After and never re-sending a
//     non-idempotent request that may have reached the wire
//   - Redirect handling: 301/302/303 downgrade to GET, 307/308 preserve
//     method and body, sensitive headers dropped across origins
//   - Domain memory: per-host success/failure counters, latency moving
//     average, challenge detection and header suggestions
//   - Context propagation: cancellation is observed during pool
//     acquisition, backoff sleep and the transport send
//
// Example usage:
//
//	c, err := client.New(client.Config{
//	    MaxRetries:           3,
//	    AdaptiveOptimization: true,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//
//	resp, err := c.Get(ctx, "https://example.com/data")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(resp.Status, len(resp.Body))
package client
