package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"hackworld.ai/internal/protocol"
)

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	cl := &http.Client{Timeout: 5 * time.Second}
	resp, err := cl.Get(adminURL(*baseURL, "state"))
	printResponse(resp, err)
}

func snapshotCmd(args []string) {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	cl := &http.Client{Timeout: 10 * time.Second}
	resp, err := cl.Post(adminURL(*baseURL, "snapshot"), "application/json", nil)
	printResponse(resp, err)
}

func interruptCmd(args []string) {
	fs := flag.NewFlagSet("interrupt", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	computer := fs.String("computer", "", "computer id (required)")
	pid := fs.Int("pid", -1, "process id (required)")
	recursive := fs.Bool("recursive", false, "interrupt the whole subtree")
	_ = fs.Parse(args)

	if strings.TrimSpace(*computer) == "" || *pid < 0 {
		fmt.Fprintln(os.Stderr, "missing -computer or -pid")
		os.Exit(2)
	}
	body, err := protocol.Marshal(map[string]any{
		"computer_id": *computer,
		"pid":         *pid,
		"recursive":   *recursive,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "encode:", err)
		os.Exit(1)
	}
	cl := &http.Client{Timeout: 10 * time.Second}
	resp, err := cl.Post(adminURL(*baseURL, "interrupt"), "application/json", bytes.NewReader(body))
	printResponse(resp, err)
}

func adminURL(base, endpoint string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/") + "/admin/v1/" + endpoint
}

func printResponse(resp *http.Response, err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}
