package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/aatumaykin/eventengine/internal/constants"
	"github.com/aatumaykin/eventengine/internal/logger"
	"github.com/aatumaykin/eventengine/internal/message"
	"github.com/aatumaykin/eventengine/internal/notifier"
)

var (
	sendEvent   string
	sendParams  string
	sendAddr    string
	sendTimeout time.Duration
)

var defaultAddr = fmt.Sprintf("%s:%d", constants.DefaultHost, constants.DefaultPort)

// sendCmd sends one event message to a running engine
var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send an event to an engine",
	Long: `Encode an event with its params and write it to the engine at --addr.
Delivery is fire-and-forget: the engine sends no acknowledgement.`,
	Example: `  eventengine send --event SEND_TELEGRAM_MESSAGE --params '{"chat_id": 42, "text": "hi"}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		event := strings.TrimSpace(sendEvent)
		if event == "" {
			return fmt.Errorf("--event is required")
		}

		params, err := parseParams(sendParams)
		if err != nil {
			return err
		}

		cfg := notifier.DefaultConfig()
		cfg.DialTimeout = sendTimeout
		cfg.WriteTimeout = sendTimeout
		n := notifier.New(cfg, logger.Discard())
		defer n.Close()

		if err := n.Send(cmd.Context(), message.New(event, params), sendAddr); err != nil {
			return fmt.Errorf("failed to send %s: %w", event, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✅ %s sent to %s\n", event, sendAddr)
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVarP(&sendEvent, "event", "e", "", "Event identifier")
	sendCmd.Flags().StringVarP(&sendParams, "params", "p", "{}", "Event params as a JSON object")
	sendCmd.Flags().StringVarP(&sendAddr, "addr", "a", defaultAddr, "Engine address host:port")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 5*time.Second, "Dial and write timeout")
}

func parseParams(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("--params must be a JSON object: %w", err)
	}
	if params == nil {
		params = map[string]any{}
	}
	return params, nil
}
