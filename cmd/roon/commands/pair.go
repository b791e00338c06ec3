package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/Ramblurr/roon-go/internal/wire"
)

var (
	pairListen string
	pairCoreID string
)

// pairCmd stands in for the Core side of the wire protocol: it accepts one
// client connection, registers it, then issues a pairing:1/pair request so
// the client's provided-service dispatch path can be exercised without a
// real Core.
var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Act as a minimal Core to exercise a client's pairing dispatch",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		upgrader := websocket.Upgrader{}
		accepted := make(chan *websocket.Conn, 1)

		mux := http.NewServeMux()
		mux.HandleFunc("/api", func(w http.ResponseWriter, r *http.Request) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			select {
			case accepted <- conn:
			default:
				conn.Close()
			}
		})

		srv := &http.Server{Addr: pairListen, Handler: mux}
		go srv.ListenAndServe()
		defer srv.Shutdown(context.Background())

		fmt.Printf("waiting for a client to connect to ws://%s/api ...\n", pairListen)

		var conn *websocket.Conn
		select {
		case conn = <-accepted:
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(60 * time.Second):
			return errors.New("pair: no client connected within 60s")
		}
		defer conn.Close()

		if err := respondToRegister(conn); err != nil {
			return fmt.Errorf("pair: %w", err)
		}

		reqID := uint64(1)
		frame, err := wire.EncodeRequest(reqID, "com.roonlabs.pairing:1/pair", map[string]string{"core_id": pairCoreID})
		if err != nil {
			return fmt.Errorf("pair: encode pair request: %w", err)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return fmt.Errorf("pair: send pair request: %w", err)
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("pair: read pair response: %w", err)
		}
		resp, ok := wire.Parse(data)
		if !ok {
			return errors.New("pair: undecodable pair response")
		}
		fmt.Printf("client responded: %s %s %s\n", resp.Verb, resp.Name, string(resp.Body))
		return nil
	},
}

func respondToRegister(conn *websocket.Conn) error {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read register request: %w", err)
	}
	req, ok := wire.Parse(data)
	if !ok {
		return errors.New("undecodable register request")
	}

	resp, err := wire.EncodeResponse(wire.VerbContinue, "Registered", req.RequestID, map[string]string{
		"core_id":      pairCoreID,
		"display_name": "roon-cli mock core",
		"token":        "mock-token",
	})
	if err != nil {
		return fmt.Errorf("encode registered response: %w", err)
	}
	return conn.WriteMessage(websocket.BinaryMessage, resp)
}

func init() {
	pairCmd.Flags().StringVar(&pairListen, "listen", "127.0.0.1:9330", "address to accept the client connection on")
	pairCmd.Flags().StringVar(&pairCoreID, "core-id", "mock-core-1", "core_id to present during pairing")
}
