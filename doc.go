// Package rawrepl provides a pure Go client for the MicroPython Raw REPL
// wire protocol.
//
// The library executes interpreter code on an embedded device reachable
// over a byte-oriented duplex channel: a USB-serial port, the stdio pipes
// of a local device-emulator binary (the MicroPython unix port), or a
// WebREPL endpoint.
//
// # Architecture
//
// The library is organized into layers:
//
//   - device: connection manager, the single public surface
//     (Connect/Execute/Disconnect plus the observable device state)
//   - protocol: the raw / raw-paste REPL state machine
//   - flowcontrol: the raw-paste windowed send budget
//   - response: device bytes to structured results and typed errors
//   - transport: duplex byte-stream channels (serial, subprocess, websocket)
//   - timeout: per-operation deadline policy
//
// # Basic Usage
//
//	ch := transport.NewSerial("/dev/ttyACM0", 115200, logger)
//	dev := device.NewManager(ch, device.Options{
//		Reconnect: device.DefaultReconnectPolicy(),
//		Logger:    logger,
//	})
//
//	if err := dev.Connect(ctx); err != nil {
//		return err
//	}
//	defer dev.Disconnect(ctx)
//
//	resp, err := dev.Execute(ctx, "print(2+2)")
//	// resp.ResultText == "4"
//
// # Error Model
//
// Device-side exceptions surface as *response.ExecutionError with the
// exception kind, message, line number and raw traceback; they are never
// retried. Transport and protocol faults trigger the manager's bounded
// reconnection policy and, when exhausted, surface as *device.OpError
// annotated with the attempt count.
//
// # Scope
//
// This is the protocol core only. Method-interception frameworks, file
// synchronization, and device discovery belong to layers above; they
// consume nothing but the Manager contract and its events.
package rawrepl
