package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	natsclient "github.com/devghori1264/gpupool/internal/nats"
)

var (
	baseURL string
	natsURL string
)

func main() {
	root := &cobra.Command{
		Use:   "gpuctl",
		Short: "Operator CLI for the gpupool server",
	}
	root.PersistentFlags().StringVar(&baseURL, "server", "http://localhost:8080", "gpupool HTTP address")
	root.PersistentFlags().StringVar(&natsURL, "nats", "nats://localhost:4222", "NATS URL for event tailing")

	root.AddCommand(
		pingCmd(),
		instancesCmd(),
		bookCmd(),
		actionCmd("begin", "Start an approved booking", "/bookings/begin"),
		actionCmd("release", "Release a booking", "/bookings/release"),
		actionCmd("cancel", "Cancel a booking", "/bookings/cancel"),
		usageCmd(),
		queueCmd(),
		eventsCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check server connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON("/ping", nil)
		},
	}
}

func instancesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "instances", Short: "Manage GPU instances"}

	var state, class string
	list := &cobra.Command{
		Use:   "list",
		Short: "List instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if state != "" {
				q.Set("state", state)
			}
			if class != "" {
				q.Set("compute_class", class)
			}
			return getJSON("/instances", q)
		},
	}
	list.Flags().StringVar(&state, "state", "", "filter by lifecycle state")
	list.Flags().StringVar(&class, "class", "", "filter by compute class")

	var name, computeClass string
	var memoryMB int
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a GPU instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON("/instances", map[string]interface{}{
				"name": name, "compute_class": computeClass, "memory_mb": memoryMB,
			})
		},
	}
	add.Flags().StringVar(&name, "name", "", "instance name")
	add.Flags().StringVar(&computeClass, "class", "", "compute class")
	add.Flags().IntVar(&memoryMB, "memory-mb", 0, "GPU memory in MB")
	add.MarkFlagRequired("name")
	add.MarkFlagRequired("class")
	add.MarkFlagRequired("memory-mb")

	var revokeID, reason string
	revoke := &cobra.Command{
		Use:   "revoke",
		Short: "Decommission an instance and cancel its open bookings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON("/instances/revoke", map[string]string{"id": revokeID, "reason": reason})
		},
	}
	revoke.Flags().StringVar(&revokeID, "id", "", "instance id")
	revoke.Flags().StringVar(&reason, "reason", "decommissioned", "reason recorded on cancelled bookings")
	revoke.MarkFlagRequired("id")

	cmd.AddCommand(list, add, revoke)
	return cmd
}

func bookCmd() *cobra.Command {
	var user, instance, start, end string
	cmd := &cobra.Command{
		Use:   "book",
		Short: "Book an instance for [start, end)",
		RunE: func(cmd *cobra.Command, args []string) error {
			startT, err := time.Parse(time.RFC3339, start)
			if err != nil {
				return fmt.Errorf("start: %w", err)
			}
			endT, err := time.Parse(time.RFC3339, end)
			if err != nil {
				return fmt.Errorf("end: %w", err)
			}
			return postJSON("/bookings", map[string]interface{}{
				"user_id": user, "instance_id": instance,
				"start": startT, "end": endT,
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.Flags().StringVar(&instance, "instance", "", "instance id")
	cmd.Flags().StringVar(&start, "start", "", "RFC3339 start time")
	cmd.Flags().StringVar(&end, "end", "", "RFC3339 end time")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("instance")
	cmd.MarkFlagRequired("start")
	cmd.MarkFlagRequired("end")
	return cmd
}

func actionCmd(name, short, path string) *cobra.Command {
	var id, reason string
	cmd := &cobra.Command{
		Use:   name,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"id": id}
			if reason != "" {
				body["reason"] = reason
			}
			return postJSON(path, body)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "booking id")
	cmd.Flags().StringVar(&reason, "reason", "", "reason (cancel only)")
	cmd.MarkFlagRequired("id")
	return cmd
}

func usageCmd() *cobra.Command {
	var scope, id string
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show usage counters for an instance or user",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("scope", scope)
			q.Set("id", id)
			return getJSON("/usage", q)
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "instance", "instance or user")
	cmd.Flags().StringVar(&id, "id", "", "instance or user id")
	cmd.MarkFlagRequired("id")
	return cmd
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "queue", Short: "Inspect the capacity waitlist"}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List waitlist entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON("/queue", nil)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "next",
		Short: "Show the next user in line",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON("/queue/next", nil)
		},
	})

	var user string
	join := &cobra.Command{
		Use:   "join",
		Short: "Join the waitlist",
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON("/queue/join", map[string]string{"user_id": user})
		},
	}
	join.Flags().StringVar(&user, "user", "", "user id")
	join.MarkFlagRequired("user")
	cmd.AddCommand(join)

	return cmd
}

func eventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Tail booking lifecycle events from NATS",
		RunE: func(cmd *cobra.Command, args []string) error {
			nc, err := nats.Connect(natsURL, nats.Name("gpuctl"))
			if err != nil {
				return err
			}
			defer nc.Drain()

			sub, err := nc.Subscribe(natsclient.SubjectBookings, func(m *nats.Msg) {
				fmt.Println(string(m.Data))
			})
			if err != nil {
				return err
			}
			defer sub.Unsubscribe()

			fmt.Fprintf(os.Stderr, "tailing %s, ^C to stop\n", natsclient.SubjectBookings)
			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			<-stop
			return nil
		},
	}
}

// ---------- HTTP helpers ----------

func getJSON(path string, q url.Values) error {
	u := baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	resp, err := http.Get(u)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func postJSON(path string, body interface{}) error {
	bs, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := http.Post(baseURL+path, "application/json", bytes.NewReader(bs))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, data, "", "  ") == nil {
		pretty.WriteTo(os.Stdout)
		fmt.Println()
	} else {
		os.Stdout.Write(data)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}
