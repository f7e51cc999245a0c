// Package client is the SONATE trust core Go SDK.
//
// It provides typed access to everything the trust core server exposes:
// issuing and verifying trust receipts, logging and querying tamper-evident
// audit events, walking hash chains, and managing signing keys.
//
// # Connecting
//
// Mutating routes require a service token. Read routes are public.
//
//	c, err := client.New("https://trust.example.com",
//	    client.WithToken(os.Getenv("SONATE_TOKEN")),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Issuing a receipt
//
// The server chains receipts per session automatically: each new receipt's
// previous_hash is the session tip's integrity hash.
//
//	rec, err := c.CreateReceipt(ctx, client.Payload{
//	    Version:   "1.0.0",
//	    SessionID: "session-42",
//	    Timestamp: time.Now().UnixMilli(),
//	    Mode:      "constitutional",
//	    Metrics:   map[string]float64{"clarity": 0.93},
//	})
//
// # Verifying
//
// Verification failures are data, not transport errors. A tampered receipt
// comes back with Valid false and a Reason naming the failed check:
//
//	res, err := c.VerifyReceipt(ctx, rec, "", nil)
//	if err != nil {
//	    log.Fatal(err) // transport or server failure
//	}
//	if !res.Valid {
//	    log.Printf("receipt rejected: %s", res.Reason)
//	}
//
// SessionReceipts returns the full chain plus a verification report:
//
//	sess, _ := c.SessionReceipts(ctx, "session-42")
//	fmt.Println(sess.Chain.Valid, sess.Chain.VerifiedLinks)
//
// # Audit trail
//
// Events are appended to a signed hash chain. The server assigns identity
// and linkage; the caller supplies the who/what/outcome:
//
//	stored, err := c.LogEvent(ctx, client.Event{
//	    Category: "data_access",
//	    Action:   "document.read",
//	    Actor:    client.Actor{ID: "user-7", Type: "user"},
//	    Outcome:  "success",
//	})
//
// Query with AND-combined filters, verify single events or the whole chain:
//
//	events, _ := c.QueryEvents(ctx, client.EventQuery{Category: "data_access", Limit: 50})
//	status, _ := c.VerifyAuditChain(ctx)
//
// # Key lifecycle
//
// Keys rotate without invalidating history: the deprecated key keeps
// verifying what it signed, the successor signs new material.
//
//	next, err := c.RotateKey(ctx, "receipts")
package client
