// Command eventrelay forwards a single syslog-triggered event to a running
// netmend daemon. It is meant to be invoked by a log management trigger,
// which passes the event details through EVENT_* environment variables.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/viper"
)

type relayEvent struct {
	Host     string `json:"host"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
	Mnemonic string `json:"mnemonic"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "eventrelay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	url := flag.String("url", "", "netmend event intake URL (default http://127.0.0.1:8484/api/v1/events)")
	token := flag.String("token", "", "shared token for the intake endpoint")
	timeout := flag.Duration("timeout", 10*time.Second, "request timeout")
	flag.Parse()

	// Trigger environments pass event details via EVENT_* variables and the
	// daemon address via NETMEND_* variables. Flags win over environment.
	v := viper.New()
	v.SetEnvPrefix("EVENT")
	v.AutomaticEnv()

	ev := relayEvent{
		Host:     v.GetString("HOST"),
		Message:  v.GetString("MESSAGE"),
		Severity: v.GetString("SEVERITY"),
		Mnemonic: v.GetString("CISCO_MNEMONIC"),
	}
	if ev.Host == "" || ev.Message == "" {
		return fmt.Errorf("EVENT_HOST and EVENT_MESSAGE must be set")
	}

	nv := viper.New()
	nv.SetEnvPrefix("NETMEND")
	nv.AutomaticEnv()
	nv.SetDefault("URL", "http://127.0.0.1:8484/api/v1/events")

	target := *url
	if target == "" {
		target = nv.GetString("URL")
	}
	secret := *token
	if secret == "" {
		secret = nv.GetString("TOKEN")
	}
	if secret == "" {
		return fmt.Errorf("no token given; pass -token or set NETMEND_TOKEN")
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Netmend-Token", secret)

	client := &http.Client{Timeout: *timeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post event to %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("intake returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	fmt.Printf("event relayed for %s\n", ev.Host)
	return nil
}
