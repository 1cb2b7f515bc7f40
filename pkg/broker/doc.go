// Package broker defines the interface of a ddmesh broker.
//
// A broker is one node of a publish/subscribe tree. It keeps a single link
// north toward its parent (none for the root) and accepts any number of
// clients and child brokers from the south. Clients register with a
// challenge/response handshake keyed by their tenant, then send point-to-point
// messages by name and publish or subscribe to scoped topics.
//
// Point-to-point routing:
//   - A destination registered locally is delivered directly
//   - A destination announced by a child broker is forwarded down to it
//   - Anything else goes north, or is answered with a no-destination error at
//     the root
//
// Topic routing: subscriptions are keyed by tenant, topic and the scope the
// subscriber asked for, expanded against the subscribing broker's position.
// Interest changes travel between brokers as announcements on the subscribe
// plane; publications travel on the publish plane.
//
// The implementation lives in internal/broker. Example usage:
//
//	var b broker.Broker
//	b, err := brokerimpl.New(&brokerimpl.Config{
//		Scope:          "1/2/3",
//		ParentEndpoint: "parent:5555",
//		Keystore:       keys,
//		Listen:         listen,
//		Dialer:         dialer,
//	})
//	if err != nil {
//		return err
//	}
//	go b.Run(ctx)
//	defer b.Stop()
package broker
