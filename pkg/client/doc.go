// Package client connects an application to a ddmesh broker.
//
// A Client registers under a tenant with the key material from its key file,
// keeps the session alive with heartbeats and registers again when the broker
// stops answering. Subscriptions are remembered and replayed after every
// registration. Payloads of notifications and publications are sealed end to
// end with the tenant key, or with the public tenant key when the target is
// in the public tenant.
//
// Basic usage:
//
//	keys, _ := keystore.LoadClientKeys("acme-keys.json")
//	c, _ := client.New(&client.Config{
//		Name:     "sensor-1",
//		Endpoint: "127.0.0.1:5555",
//		Keys:     keys,
//		Dialer:   transport.NewGRPCDialer(nil),
//		Handler: client.Handler{
//			OnPublication: func(source, topic string, payload []byte) { ... },
//		},
//	})
//	go c.Run(ctx)
//	c.Subscribe("alerts", "region")
package client
