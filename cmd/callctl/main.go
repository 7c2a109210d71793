// Command callctl is a terminal client for the call signaling server:
// it logs in, opens the signaling channel and drives the call state
// machine from stdin commands.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/mossy-p/peercall/config"
	"github.com/mossy-p/peercall/internal/call"
	"github.com/mossy-p/peercall/internal/wsclient"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "signaling server base URL")
	username := flag.String("user", "", "username to sign in as")
	password := flag.String("pass", "demo", "password")
	flag.Parse()

	zlog.Logger = zlog.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.WarnLevel)

	if *username == "" {
		fmt.Fprintln(os.Stderr, "callctl: -user is required")
		os.Exit(1)
	}

	cfg := config.Load()

	token, err := login(*server, *username, *password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "callctl: login failed: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	conn, err := wsclient.Dial(ctx, *server, token)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "callctl: connect failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	media, err := call.NewMediaSource()
	if err != nil {
		fmt.Fprintf(os.Stderr, "callctl: media init failed: %v\n", err)
		os.Exit(1)
	}

	machine := call.New(conn, media, call.NewPionFactory(cfg.Call.ICEServers, media), call.Options{
		RingTimeout: cfg.Call.RingTimeout,
		EndedGrace:  cfg.Call.EndedGrace,
	})
	defer machine.Close()

	go printEvents(machine)

	fmt.Printf("signed in as %s — commands: call <user> | answer | reject | end | mute | status | quit\n", *username)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "call":
			if len(fields) < 2 {
				fmt.Println("usage: call <user>")
				continue
			}
			err := machine.InitiateCall(call.Participant{UserID: fields[1], Username: fields[1]})
			if err != nil {
				fmt.Println("error:", err)
			}
		case "answer":
			if err := machine.AnswerCall(); err != nil {
				fmt.Println("error:", err)
			}
		case "reject":
			machine.RejectCall()
		case "end":
			machine.EndCall(true)
		case "mute":
			muted, err := machine.ToggleMute()
			if err != nil {
				fmt.Println("error:", err)
			} else {
				fmt.Println("muted:", muted)
			}
		case "status":
			snap := machine.Snapshot()
			if snap == nil {
				fmt.Println("idle")
			} else {
				fmt.Printf("%s %s with %s (muted=%v)\n", snap.State, snap.Direction, snap.Peer.Username, snap.Muted)
			}
		case "quit":
			return
		default:
			fmt.Println("unknown command:", fields[0])
		}
	}
}

func printEvents(machine *call.Machine) {
	for ev := range machine.Events() {
		switch ev.Kind {
		case call.EventStateChanged:
			fmt.Println("-- call state:", ev.State)
		case call.EventIncoming:
			fmt.Printf("-- incoming call from %s — answer or reject\n", ev.Prompt.FromUsername)
		default:
			fmt.Println("--", ev.Message)
		}
	}
}

func login(server, username, password string) (string, error) {
	body, _ := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	resp, err := http.Post(server+"/api/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Token, nil
}
