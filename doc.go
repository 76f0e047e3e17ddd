// Package resilient is the network resilience layer of the BeautyCort
// client applications. It keeps an access token usable across concurrent
// callers without duplicating refresh work, and queues mutating API calls
// made while the device is offline, replaying them later in priority and
// recency order with bounded retries.
//
// # Architecture
//
// Manager: owns the current token pair. It refreshes proactively inside a
// five-minute expiry buffer, de-duplicates concurrent refresh attempts so
// a single-use refresh token is never spent twice, and persists the pair
// through a Store.
//
// Queue: holds requests that could not be sent immediately. Items are
// ordered by priority, then by enqueue time within a priority, and are
// drained strictly sequentially so a client's writes replay in causal
// order. Retries are capped; deterministic failures and DELETEs are never
// retried.
//
// Client: the single choke point every API call passes through. It
// attaches the managed token, classifies failures into a closed taxonomy,
// and hands retriable failures to the Queue instead of surfacing them.
//
// # Basic Usage
//
// Wire the pieces against a durable store and a refresh callback:
//
//	store, _ := fs.NewStore("/path/to/state.json")
//	tokens := resilient.NewManager(store, refreshFn)
//	client := resilient.NewClient(tokens, store)
//
//	resp, err := client.Do(ctx, &resilient.Request{
//	    Method:       "POST",
//	    URL:          "https://api.beautycort.com/v1/bookings",
//	    Body:         payload,
//	    RequiresAuth: true,
//	    Priority:     resilient.PriorityHigh,
//	})
//
// A call that fails with a retriable error blocks inside Do until the
// queue replays it; from the caller's point of view it is an ordinary
// request with possibly long latency. Run the queue's drain loop once,
// from the application root:
//
//	go client.Queue().Run(ctx, time.Minute)
//
// and nudge it when connectivity returns or the app foregrounds:
//
//	client.Queue().Online()
//
// # Store Implementations
//
// The stores/fs package persists state as a JSON file, optionally sealed
// with a passphrase. The stores/gormstore package keeps the same contract
// in any GORM-backed database for clients that already embed one. Both
// managers treat a load at construction as the single reconciliation
// point; there is exactly one process instance per device writing those
// keys.
//
// # Restart Semantics
//
// Queued requests survive a process restart, but the callers awaiting
// them do not: reloaded items are executed with no one to notify, and the
// application must re-discover their outcome through its own
// reconciliation (for example, re-fetching booking state).
package resilient
