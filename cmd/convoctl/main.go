package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ranz98/convo/internal/daemon"
	"github.com/ranz98/convo/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	socketPath := profile.SocketPath(profileName)
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for profile %q: %v\n", profileName, err)
		os.Exit(1)
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := healthpb.NewHealthClient(conn)

	switch args[0] {
	case "status":
		cmdStatus(ctx, client, profileName, *jsonFlag)
	case "profiles":
		if len(args) >= 2 && args[1] == "list" {
			cmdProfilesList(*jsonFlag)
		} else {
			fmt.Fprintln(os.Stderr, "usage: convoctl profiles list")
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: convoctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status           Show daemon and session status")
	fmt.Fprintln(os.Stderr, "  profiles list    List known profiles")
}

type statusOutput struct {
	Profile string `json:"profile"`
	Daemon  string `json:"daemon"`
	Session string `json:"session"`
}

func cmdStatus(ctx context.Context, client healthpb.HealthClient, profileName string, jsonOut bool) {
	out := statusOutput{Profile: profileName, Daemon: "unreachable", Session: "unknown"}

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		if jsonOut {
			outputJSON(out)
		} else {
			fmt.Fprintf(os.Stderr, "error: daemon for profile %q is not running: %v\n", profileName, err)
		}
		os.Exit(1)
	}
	out.Daemon = statusString(resp.Status)

	sessResp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: daemon.SessionService})
	if err == nil {
		out.Session = sessionString(sessResp.Status)
	}

	if jsonOut {
		outputJSON(out)
		return
	}
	fmt.Printf("Profile: %s\n", out.Profile)
	fmt.Printf("Daemon:  %s\n", out.Daemon)
	fmt.Printf("Session: %s\n", out.Session)
}

type profileInfo struct {
	Name          string `json:"name"`
	Path          string `json:"path"`
	DaemonRunning bool   `json:"daemonRunning"`
}

func cmdProfilesList(jsonOut bool) {
	entries, err := os.ReadDir(filepath.Join(profile.BaseDir(), "profiles"))
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("No profiles found.")
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	var profiles []profileInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		_, statErr := os.Stat(profile.SocketPath(name))
		profiles = append(profiles, profileInfo{
			Name:          name,
			Path:          profile.Dir(name),
			DaemonRunning: statErr == nil,
		})
	}

	if jsonOut {
		outputJSON(profiles)
		return
	}
	if len(profiles) == 0 {
		fmt.Println("No profiles found.")
		return
	}
	for _, p := range profiles {
		running := "stopped"
		if p.DaemonRunning {
			running = "running"
		}
		fmt.Printf("%-20s %s (%s)\n", p.Name, p.Path, running)
	}
}

func statusString(s healthpb.HealthCheckResponse_ServingStatus) string {
	if s == healthpb.HealthCheckResponse_SERVING {
		return "running"
	}
	return "not serving"
}

func sessionString(s healthpb.HealthCheckResponse_ServingStatus) string {
	if s == healthpb.HealthCheckResponse_SERVING {
		return "signed in"
	}
	return "signed out"
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
