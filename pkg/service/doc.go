// Package service provides the high-level client API for a Rio box.
//
// A Controller owns the connection lifecycle: it dials and authenticates a
// session, runs its read loop and health monitor, and hands failures to a
// reconnect manager that replaces the session with exponential backoff.
//
//	cfg := service.DefaultControllerConfig()
//	cfg.Session.Host = "192.168.1.50"
//	cfg.Session.Username = "admin"
//	cfg.Session.Password = password
//
//	ctrl := service.NewController(cfg)
//	ctrl.RegisterObserver("RELAY1", func(ev wire.DeviceEvent) {
//	    fmt.Println(ev.Device, ev.On())
//	})
//	if err := ctrl.Connect(ctx); err != nil {
//	    return err
//	}
//	defer ctrl.Disconnect()
//
//	_ = ctrl.Pulse(ctx, "RELAY1", 1.5)
//
// # Events
//
// Decoded device events are dispatched by the Hub to observers registered
// for the device (or for "*"), synchronously and in registration order.
// Every observer also receives availability changes: false as soon as the
// session is lost, true after each successful (re)connect.
//
// # Commands
//
// The Gateway writes commands to the current session with up to three
// attempts. It never blocks waiting for a reconnect; a transport failure is
// reported to the Controller, which starts one background reconnect.
package service
