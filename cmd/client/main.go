// chatctl is the CLI client for the replicated chat service.
//
// Usage:
//
//	chatctl register alice Password1        --server 127.0.0.1:8001
//	chatctl send alice bob "hi there"       --server 127.0.0.1:8001
//	chatctl messages alice                  --server 127.0.0.1:8001
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"replicated-chat/internal/client"
)

var (
	serverAddr string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "chatctl",
		Short: "CLI client for the replicated chat service",
	}

	root.PersistentFlags().StringVarP(&serverAddr, "server", "s",
		"127.0.0.1:8001", "chat server client address")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second,
		"request timeout")

	root.AddCommand(
		registerCmd(), loginCmd(), sendCmd(), messagesCmd(), usersCmd(),
		deleteMessageCmd(), deleteUserCmd(), viewCountCmd(), logOffCmd(), statsCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withClient dials the server, runs fn, and closes the connection.
func withClient(fn func(*client.Client) error) error {
	c, err := client.Dial(serverAddr, timeout)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

func registerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register <username> <password>",
		Short: "Create a new user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c *client.Client) error {
				if err := c.Register(args[0], args[1]); err != nil {
					return err
				}
				fmt.Printf("registered %q\n", args[0])
				return nil
			})
		},
	}
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login <username> <password>",
		Short: "Verify credentials",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c *client.Client) error {
				if err := c.Login(args[0], args[1]); err != nil {
					return err
				}
				fmt.Printf("logged in as %q\n", args[0])
				return nil
			})
		},
	}
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <sender> <recipient> <message>",
		Short: "Send a message",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c *client.Client) error {
				if err := c.Send(args[0], args[1], args[2]); err != nil {
					return err
				}
				fmt.Println("message sent")
				return nil
			})
		},
	}
}

func messagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "messages <username>",
		Short: "Fetch conversations, bucketed by the other party",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c *client.Client) error {
				buckets, err := c.Messages(args[0])
				if err != nil {
					return err
				}
				prettyPrint(buckets)
				return nil
			})
		},
	}
}

func usersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "users",
		Short: "List all registered usernames",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c *client.Client) error {
				users, err := c.Users()
				if err != nil {
					return err
				}
				for _, u := range users {
					fmt.Println(u)
				}
				return nil
			})
		},
	}
}

func deleteMessageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete-message <sender> <message>",
		Short: "Delete a message by sender and text",
		Args:  cobra.ExactArgs(2),
	}
	timestamp := cmd.Flags().String("timestamp", "", "message timestamp (tolerates ±1s)")
	receiver := cmd.Flags().String("receiver", "", "message receiver")
	cmd.RunE = func(c *cobra.Command, args []string) error {
		return withClient(func(cl *client.Client) error {
			if err := cl.DeleteMessage(args[1], *timestamp, args[0], *receiver); err != nil {
				return err
			}
			fmt.Println("message deleted")
			return nil
		})
	}
	return cmd
}

func deleteUserCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-user <username>",
		Short: "Delete a user and every message they sent or received",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c *client.Client) error {
				if err := c.DeleteUser(args[0]); err != nil {
					return err
				}
				fmt.Printf("deleted %q\n", args[0])
				return nil
			})
		},
	}
}

func viewCountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "view-count <username> <count>",
		Short: "Set a user's view counter",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var count int
			if _, err := fmt.Sscanf(args[1], "%d", &count); err != nil {
				return fmt.Errorf("count must be an integer: %w", err)
			}
			return withClient(func(c *client.Client) error {
				if err := c.UpdateViewCount(args[0], count); err != nil {
					return err
				}
				fmt.Println("view count updated")
				return nil
			})
		},
	}
}

func logOffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logoff <username>",
		Short: "Record a user's log-off time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c *client.Client) error {
				if err := c.LogOff(args[0]); err != nil {
					return err
				}
				fmt.Println("log off recorded")
				return nil
			})
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <username>",
		Short: "Fetch a user's log-off time and view counter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c *client.Client) error {
				stats, err := c.Stats(args[0])
				if err != nil {
					return err
				}
				prettyPrint(stats)
				return nil
			})
		},
	}
}

func prettyPrint(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(data))
}
