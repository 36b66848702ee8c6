//go:build linux

package main

import (
	"io"
	"os"

	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

func runProfiles() {
	client := dial()
	defer client.Close()
	ctx, cancel := rpcContext()
	defer cancel()

	out, err := client.Service.ListProfiles(ctx, &emptypb.Empty{})
	if err != nil {
		fatal("RPC ListProfiles: %v", err)
	}
	if jsonOutput {
		outputJSON(out)
		return
	}

	list := out.GetFields()["profiles"].GetListValue().GetValues()
	if len(list) == 0 {
		diagLog.Printf("No profiles configured")
		return
	}
	diagLog.Printf("  %-24s %-16s %-22s %s", "ID", "NAME", "RESOLVER", "DOMAIN")
	for _, v := range list {
		p := v.GetStructValue()
		mark := " "
		if p.GetFields()["selected"].GetBoolValue() {
			mark = "*"
		}
		name := str(p, "name")
		if sub := str(p, "subscription"); sub != "" {
			name += " (" + sub + ")"
		}
		diagLog.Printf("%s %-24s %-16s %-22s %s", mark, str(p, "id"), name, str(p, "resolver"), str(p, "domain"))
	}
}

// runImport reads the link from the argument, or stdin when it is "-".
func runImport(text string, sel bool) {
	if text == "-" {
		data, err := io.ReadAll(io.LimitReader(os.Stdin, 1<<20))
		if err != nil {
			fatal("read stdin: %v", err)
		}
		text = string(data)
	}
	in, _ := structpb.NewStruct(map[string]any{"text": text, "select": sel})

	client := dial()
	defer client.Close()
	ctx, cancel := rpcContext()
	defer cancel()

	out, err := client.Service.ImportProfile(ctx, in)
	if err != nil {
		fatal("RPC ImportProfile: %v", err)
	}
	if jsonOutput {
		outputJSON(out)
		return
	}
	diagLog.Printf("Imported %s (%s) -> %s", str(out, "id"), str(out, "name"), str(out, "domain"))
}

func runExport(id string) {
	in, _ := structpb.NewStruct(map[string]any{"profile": id})

	client := dial()
	defer client.Close()
	ctx, cancel := rpcContext()
	defer cancel()

	out, err := client.Service.ExportProfile(ctx, in)
	if err != nil {
		fatal("RPC ExportProfile: %v", err)
	}
	if jsonOutput {
		outputJSON(out)
		return
	}
	diagLog.Printf("%s", str(out, "uri"))
}

func runSelect(id string) {
	in, _ := structpb.NewStruct(map[string]any{"profile": id})

	client := dial()
	defer client.Close()
	ctx, cancel := rpcContext()
	defer cancel()

	if _, err := client.Service.SelectProfile(ctx, in); err != nil {
		fatal("RPC SelectProfile: %v", err)
	}
	diagLog.Printf("Selected %s", id)
}

func runRefresh() {
	client := dial()
	defer client.Close()
	ctx, cancel := rpcContext()
	defer cancel()

	out, err := client.Service.RefreshSubscriptions(ctx, &emptypb.Empty{})
	if err != nil {
		fatal("RPC RefreshSubscriptions: %v", err)
	}
	if jsonOutput {
		outputJSON(out)
		return
	}
	diagLog.Printf("Subscriptions refreshed: %d profiles", num(out, "profiles"))
	if e := str(out, "error"); e != "" {
		diagLog.Printf("Errors: %s", e)
	}
}
