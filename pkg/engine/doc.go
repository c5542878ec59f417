// Package engine ties the subscription pieces to one WebSocket session.
//
// An Engine owns a transport.Session and implements its Handler: responses
// are resolved by the rpc.Correlator, notifications are handed to the
// subscription.Router, and connection events drive the
// subscription.Registry. After every (re)connect all queued targets are
// resubscribed through the dispatch.Dispatcher before the engine reports
// StateReady.
//
// Basic usage:
//
//	eng, err := engine.New(engine.Config{URL: "wss://node.example/ws"})
//	if err != nil {
//		return err
//	}
//	defer eng.Close()
//
//	if err := eng.Start(ctx); err != nil {
//		return err
//	}
//	err = eng.Subscribe(ctx, subscription.Registration{
//		Key:    "wallet#balance",
//		Target: subscription.AccountTarget(addr),
//		Decode: decodeLamports,
//	})
package engine
