package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/port42/port42/internal/config"
	"github.com/port42/port42/internal/protocol"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Query a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			resp, err := query(cfg, protocol.Request{Type: protocol.RequestStatus, ID: "cli-status"})
			if err != nil {
				return err
			}
			if !resp.Success {
				return fmt.Errorf("daemon error: %s", resp.Error)
			}

			var status protocol.StatusData
			if err := json.Unmarshal(resp.Data, &status); err != nil {
				return fmt.Errorf("parse status: %w", err)
			}

			fmt.Printf("Status:   %s\n", status.Status)
			fmt.Printf("Port:     %s\n", status.Port)
			fmt.Printf("Sessions: %d\n", status.Sessions)
			fmt.Printf("Uptime:   %s\n", status.Uptime)
			fmt.Printf("%s\n", status.Dolphins)
			return nil
		},
	}
}

// query dials the daemon, trying the preferred port then the fallback, and
// performs one request/response exchange.
func query(cfg config.Config, req protocol.Request) (protocol.Response, error) {
	conn, err := dial(cfg)
	if err != nil {
		return protocol.Response{}, err
	}
	defer conn.Close()

	data, err := json.Marshal(req)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("encode request: %w", err)
	}
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return protocol.Response{}, fmt.Errorf("write request: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return protocol.Response{}, fmt.Errorf("read response: %w", err)
	}
	var resp protocol.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return protocol.Response{}, fmt.Errorf("parse response: %w", err)
	}
	return resp, nil
}

func dial(cfg config.Config) (net.Conn, error) {
	for _, port := range []int{cfg.Port, cfg.FallbackPort} {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 2*time.Second)
		if err == nil {
			return conn, nil
		}
	}
	return nil, fmt.Errorf("daemon not reachable on port %d or %d", cfg.Port, cfg.FallbackPort)
}
