package main

import (
	"bufio"
	"errors"
	"fmt"
	"net/url"
	"os"

	"github.com/OzzMkl/backend-serverless-chat/internal/client"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

func main() {
	var (
		serverURL string
		nickname  string
	)
	cmd := &cobra.Command{
		Use:          "chat-client",
		Short:        "Terminal client for the chat server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(serverURL, nickname)
		},
	}
	cmd.Flags().StringVarP(&serverURL, "server", "s", "ws://localhost:8080/ws", "WebSocket endpoint")
	cmd.Flags().StringVarP(&nickname, "nickname", "n", "", "Nickname to claim (required)")
	_ = cmd.MarkFlagRequired("nickname")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(serverURL, nickname string) error {
	u, err := url.Parse(serverURL)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("nickname", nickname)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("connect rejected: %s", resp.Status)
		}
		return err
	}
	defer conn.Close()
	fmt.Println("connected as", nickname)
	fmt.Println(client.Usage)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				fmt.Printf("\rconnection closed: %v\n", err)
				return
			}
			if line := client.Render(data); line != "" {
				fmt.Printf("\r%s\n> ", line)
			}
		}
	}()

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	fmt.Print("> ")
	for {
		select {
		case <-done:
			return nil
		case line, ok := <-lines:
			if !ok {
				return closeConn(conn)
			}
			f, err := client.Parse(line)
			switch {
			case errors.Is(err, client.ErrQuit):
				return closeConn(conn)
			case client.IsEmpty(err):
			case err != nil:
				fmt.Println(err)
			default:
				if err := conn.WriteJSON(f); err != nil {
					return err
				}
			}
			fmt.Print("> ")
		}
	}
}

func closeConn(conn *websocket.Conn) error {
	return conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
