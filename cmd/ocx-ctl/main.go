package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	operatorURL := os.Getenv("OCX_OPERATOR_URL")
	if operatorURL == "" {
		operatorURL = "http://localhost:7080"
	}

	switch os.Args[1] {
	case "membership":
		cmdMembership(operatorURL)
	case "node":
		cmdNode(operatorURL)
	case "user":
		cmdUser(operatorURL)
	case "emergency":
		cmdEmergency(operatorURL)
	case "stats":
		cmdStats(operatorURL)
	case "version":
		fmt.Printf("ocx-ctl v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`ocx-ctl v` + version + ` - tunnel mesh operator CLI

Usage: ocx-ctl <command> [flags]

Commands:
  membership add|remove   Add or remove a handler node from the cluster
  node register|deregister   Register/deregister an exit node
  user create|delete|list    Manage the user-account boundary
  emergency               Force an emergency key rotation
  stats                   Print this node's cluster stats
  version                 Print version
  help                    Show this help

Environment:
  OCX_OPERATOR_URL   Operator HTTP surface URL (default: http://localhost:7080)

Examples:
  ocx-ctl membership add --node handler-2 --addr 10.0.0.2:9443 --voter
  ocx-ctl node register --node exit-3 --addr 10.0.0.9:9000 --weight 1 --group eu
  ocx-ctl node register --node exit-4 --provision --image tunnelmesh-exit:latest
  ocx-ctl user create --id alice
  ocx-ctl emergency --level 2 --within 300`)
}

// ----------------------------------------------------------------
// membership command
// ----------------------------------------------------------------

func cmdMembership(operatorURL string) {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: ocx-ctl membership add|remove --node <id> --addr <addr> [--voter]")
		os.Exit(1)
	}
	add := os.Args[2] == "add"
	if os.Args[2] != "add" && os.Args[2] != "remove" {
		fmt.Fprintln(os.Stderr, "Usage: ocx-ctl membership add|remove --node <id> --addr <addr> [--voter]")
		os.Exit(1)
	}

	var node, addr string
	voter := false
	args := os.Args[3:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--node":
			i++
			if i < len(args) {
				node = args[i]
			}
		case "--addr":
			i++
			if i < len(args) {
				addr = args[i]
			}
		case "--voter":
			voter = true
		}
	}
	if node == "" {
		fmt.Fprintln(os.Stderr, "Error: --node is required")
		os.Exit(1)
	}

	body, _ := json.Marshal(map[string]interface{}{
		"node_id": node, "address": addr, "voter": voter, "add": add,
	})
	if _, err := doRequest("POST", operatorURL+"/v1/membership", body); err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("membership change applied: node=%s add=%v voter=%v\n", node, add, voter)
}

// ----------------------------------------------------------------
// node command
// ----------------------------------------------------------------

func cmdNode(operatorURL string) {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: ocx-ctl node register|deregister ...")
		os.Exit(1)
	}

	switch os.Args[2] {
	case "register":
		var node, addr, group, region, image string
		weight := 1
		provision := false
		args := os.Args[3:]
		for i := 0; i < len(args); i++ {
			switch args[i] {
			case "--node":
				i++
				if i < len(args) {
					node = args[i]
				}
			case "--addr":
				i++
				if i < len(args) {
					addr = args[i]
				}
			case "--weight":
				i++
				if i < len(args) {
					fmt.Sscanf(args[i], "%d", &weight)
				}
			case "--group":
				i++
				if i < len(args) {
					group = args[i]
				}
			case "--region":
				i++
				if i < len(args) {
					region = args[i]
				}
			case "--provision":
				provision = true
			case "--image":
				i++
				if i < len(args) {
					image = args[i]
				}
			}
		}
		if node == "" {
			fmt.Fprintln(os.Stderr, "Error: --node is required")
			os.Exit(1)
		}
		body, _ := json.Marshal(map[string]interface{}{
			"node_id": node, "address": addr, "weight": weight, "group_id": group,
			"region": region, "provision": provision, "image": image,
		})
		if _, err := doRequest("POST", operatorURL+"/v1/exit-nodes", body); err != nil {
			fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("exit node registered: %s\n", node)

	case "deregister":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: ocx-ctl node deregister <node-id>")
			os.Exit(1)
		}
		node := os.Args[3]
		if _, err := doRequest("DELETE", operatorURL+"/v1/exit-nodes/"+node, nil); err != nil {
			fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("exit node deregistered: %s\n", node)
	}
}

// ----------------------------------------------------------------
// user command
// ----------------------------------------------------------------

func cmdUser(operatorURL string) {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: ocx-ctl user create|delete|list ...")
		os.Exit(1)
	}

	switch os.Args[2] {
	case "create":
		var id, group string
		args := os.Args[3:]
		for i := 0; i < len(args); i++ {
			switch args[i] {
			case "--id":
				i++
				if i < len(args) {
					id = args[i]
				}
			case "--group":
				i++
				if i < len(args) {
					group = args[i]
				}
			}
		}
		if id == "" {
			fmt.Fprintln(os.Stderr, "Error: --id is required")
			os.Exit(1)
		}
		body, _ := json.Marshal(map[string]interface{}{"user_id": id, "group_id": group})
		if _, err := doRequest("POST", operatorURL+"/v1/users", body); err != nil {
			fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("user created: %s\n", id)

	case "delete":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: ocx-ctl user delete <user-id>")
			os.Exit(1)
		}
		id := os.Args[3]
		if _, err := doRequest("DELETE", operatorURL+"/v1/users/"+id, nil); err != nil {
			fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("user deleted: %s\n", id)

	case "list":
		resp, err := doRequest("GET", operatorURL+"/v1/users", nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
			os.Exit(1)
		}
		var users []map[string]interface{}
		json.Unmarshal(resp, &users)
		fmt.Printf("%-30s %-10s %s\n", "USER", "STATUS", "GROUP")
		for _, u := range users {
			fmt.Printf("%-30s %-10s %v\n", u["user_id"], u["status"], u["group_id"])
		}
	}
}

// ----------------------------------------------------------------
// emergency / stats
// ----------------------------------------------------------------

func cmdEmergency(operatorURL string) {
	level := 1
	within := 300
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--level":
			i++
			if i < len(args) {
				fmt.Sscanf(args[i], "%d", &level)
			}
		case "--within":
			i++
			if i < len(args) {
				fmt.Sscanf(args[i], "%d", &within)
			}
		}
	}
	body, _ := json.Marshal(map[string]interface{}{"level": level, "within_sec": within})
	if _, err := doRequest("POST", operatorURL+"/v1/emergency", body); err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("emergency rotation triggered: level=%d within=%ds\n", level, within)
}

func cmdStats(operatorURL string) {
	resp, err := doRequest("GET", operatorURL+"/v1/stats", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	var stats map[string]interface{}
	json.Unmarshal(resp, &stats)
	for k, v := range stats {
		fmt.Printf("%-20s %v\n", k, v)
	}
}

// ----------------------------------------------------------------
// helpers
// ----------------------------------------------------------------

func doRequest(method, url string, body []byte) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("operator returned %d: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}
