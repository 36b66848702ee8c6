//go:build linux

package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"slipstream-vpn/internal/core"
	"slipstream-vpn/internal/ipc"
	"slipstream-vpn/internal/traffic"
)

func dial() *ipc.Client {
	client, err := ipc.DialWithTimeout(transport(), 5*time.Second)
	if err != nil {
		fatal("connect to daemon: %v", err)
	}
	return client
}

func rpcContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// trafficFromStruct rebuilds a snapshot from its wire document.
func trafficFromStruct(st *structpb.Struct) core.TrafficSnapshot {
	return core.TrafficSnapshot{
		CumulativeRx: num(st, "rxTotal"),
		CumulativeTx: num(st, "txTotal"),
		RateRx:       num(st, "rxRate"),
		RateTx:       num(st, "txRate"),
		Unsupported:  st.GetFields()["unsupported"].GetBoolValue(),
	}
}

func printStatus(st *structpb.Struct) {
	if jsonOutput {
		outputJSON(st)
		return
	}
	diagLog.Printf("State:     %s", str(st, "state"))
	if r := str(st, "reason"); r != "" {
		diagLog.Printf("Reason:    %s", r)
	}
	if iface := str(st, "interface"); iface != "" {
		diagLog.Printf("Interface: %s", iface)
	}
	if t := st.GetFields()["traffic"].GetStructValue(); t != nil && str(st, "state") == core.StateConnected.String() {
		diagLog.Printf("%s", traffic.Describe(trafficFromStruct(t)))
	}
	if v := str(st, "version"); v != "" {
		diagLog.Printf("Daemon:    %s (up %s)", v, time.Duration(num(st, "uptimeSeconds"))*time.Second)
	}
}

func runStatus() {
	client := dial()
	defer client.Close()
	ctx, cancel := rpcContext()
	defer cancel()

	st, err := client.Service.GetStatus(ctx, &emptypb.Empty{})
	if err != nil {
		fatal("RPC GetStatus: %v", err)
	}
	printStatus(st)
}

// runConnect requests a connect and follows status events until the
// attempt settles.
func runConnect(args []string) {
	in := map[string]any{}
	switch {
	case flagValue(args, "--domain") != "" || flagValue(args, "--resolver") != "":
		in["domain"] = flagValue(args, "--domain")
		in["resolver"] = flagValue(args, "--resolver")
		in["socksAuthEnabled"] = !hasFlag(args, "--no-auth")
		in["username"] = flagValue(args, "--user")
		in["password"] = flagValue(args, "--pass")
	case len(args) > 0:
		in["profile"] = args[0]
	}
	req, err := structpb.NewStruct(in)
	if err != nil {
		fatal("encode request: %v", err)
	}

	client := dial()
	defer client.Close()

	watchCtx, cancelWatch := context.WithTimeout(context.Background(), timeout+30*time.Second)
	defer cancelWatch()
	stream, err := client.Service.Watch(watchCtx, &emptypb.Empty{})
	if err != nil {
		fatal("RPC Watch: %v", err)
	}
	// The first message is the current status; skip it.
	if _, err := stream.Recv(); err != nil {
		fatal("watch: %v", err)
	}

	ctx, cancel := rpcContext()
	defer cancel()
	st, err := client.Service.Connect(ctx, req)
	if err != nil {
		fatal("RPC Connect: %v", err)
	}
	if str(st, "state") == core.StateConnected.String() {
		printStatus(st)
		return
	}
	diagLog.Printf("Connecting...")

	for {
		ev, err := stream.Recv()
		if err != nil {
			fatal("watch: %v", err)
		}
		if str(ev, "type") != "status" {
			continue
		}
		switch str(ev, "state") {
		case core.StateConnected.String():
			diagLog.Printf("Connected")
			return
		case core.StateError.String():
			fatal("connect failed: %s", str(ev, "reason"))
		case core.StateDisconnected.String():
			fatal("disconnected: %s", str(ev, "reason"))
		}
	}
}

func runDisconnect() {
	client := dial()
	defer client.Close()
	ctx, cancel := rpcContext()
	defer cancel()

	st, err := client.Service.Disconnect(ctx, &emptypb.Empty{})
	if err != nil {
		fatal("RPC Disconnect: %v", err)
	}
	printStatus(st)
}

// runWatch streams daemon events until interrupted. logsOnly filters to
// log lines, which start with the daemon's replay ring.
func runWatch(logsOnly bool) {
	client := dial()
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stream, err := client.Service.Watch(ctx, &emptypb.Empty{})
	if err != nil {
		fatal("RPC Watch: %v", err)
	}
	for {
		ev, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return
			}
			fatal("watch: %v", err)
		}
		kind := str(ev, "type")
		if logsOnly && kind != "log" {
			continue
		}
		if jsonOutput {
			outputJSON(ev)
			continue
		}
		switch kind {
		case "status":
			diagLog.Printf("%s STATUS %s (%s)", stamp(ev), str(ev, "state"), str(ev, "reason"))
		case "traffic":
			diagLog.Printf("%s", traffic.Describe(trafficFromStruct(ev)))
		case "log":
			diagLog.Printf("%s %-5s [%s] %s", stamp(ev), str(ev, "level"), str(ev, "tag"), str(ev, "message"))
		case "subscription":
			if e := str(ev, "error"); e != "" {
				diagLog.Printf("SUBSCRIPTION %s failed: %s", str(ev, "name"), e)
			} else {
				diagLog.Printf("SUBSCRIPTION %s: %d profiles", str(ev, "name"), num(ev, "profiles"))
			}
		}
	}
}

func stamp(ev *structpb.Struct) string {
	t, err := time.Parse(time.RFC3339Nano, str(ev, "timestamp"))
	if err != nil {
		return "--:--:--"
	}
	return t.Local().Format("15:04:05.000")
}
