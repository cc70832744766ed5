// Package client is the Go SDK for the account proof stream.
//
// It connects to a proof server, subscribes to a set of addresses and checks
// every proof it receives against the block commitment it claims, so callers
// never have to trust the server.
//
// # Watching addresses
//
//	c, err := client.Dial("proofs.example.com:9443",
//	    client.WithToken(os.Getenv("ACCOUNTPROOF_TOKEN")),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//
//	err = c.Watch(ctx, []merkle.Address{addr}, func(ev client.Event) error {
//	    switch {
//	    case ev.Err != nil:
//	        log.Printf("slot %d failed verification: %v", ev.Message.Slot, ev.Err)
//	    case ev.Retracted:
//	        log.Printf("slot %d was dropped by a fork", ev.Message.Slot)
//	    default:
//	        log.Printf("slot %d verified (included=%v)", ev.Message.Slot, ev.Message.Proof.Includes())
//	    }
//	    return nil
//	})
//
// A single failed verification is reported through Event.Err and the stream
// continues. Three failures in a row (see WithFailureThreshold) end Watch
// with ErrStreamCorrupted.
//
// # Anchoring
//
// When a recent commitment window is available from an independent source,
// pass it with WithWindow. Each verified proof is then marked Anchored or
// Unanchored depending on whether its commitment appears in the window.
//
// # Verifying a single message
//
// Verify needs no connection:
//
//	if err := client.Verify(msg, claimedCommitment); err != nil {
//	    // reject
//	}
package client
